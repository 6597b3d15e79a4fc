package storagerpc

import "errors"

// ErrSignatureVerificationFailed is recorded as a swarm entry's outcome
// when its signature fails to verify under its node's Ed25519 pubkey.
// That node then counts as failed toward the call's quorum; a bad
// signature does not by itself fail the whole call.
var ErrSignatureVerificationFailed = errors.New("storagerpc: signature verification failed")

// ErrValidationFailed is returned when a request's caller-supplied
// parameters cannot produce a well-formed signed request (e.g. an empty
// hash list for an operation that requires at least one).
var ErrValidationFailed = errors.New("storagerpc: validation failed")

// ErrQuorumNotMet is returned when an operation's success quorum
// (all / at least one / at least half) is not satisfied by the swarm
// entries that reported success.
var ErrQuorumNotMet = errors.New("storagerpc: success quorum not met")

// ErrGeneric is the catch-all for swarm entry failures that don't map to
// a more specific condition (a node's "failed" entry naming a reason we
// don't otherwise classify).
var ErrGeneric = errors.New("storagerpc: request failed")

// ErrOxenNameMismatch is returned when independent ONS resolution queries
// decrypt to different session IDs for the same name.
var ErrOxenNameMismatch = errors.New("storagerpc: ons resolution mismatch across queries")
