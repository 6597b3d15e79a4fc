package crypto

import "errors"

// ErrSigningFailed is returned when an Ed25519 signing operation cannot
// proceed, typically because no identity keypair is loaded.
var ErrSigningFailed = errors.New("crypto: signing failed")

// ErrNoKeyPair is returned by operations that require a local identity
// keypair when none has been loaded or generated yet.
var ErrNoKeyPair = errors.New("crypto: no identity keypair loaded")

// ErrHashingFailed is returned when a key-derivation or hashing primitive
// rejects its inputs (e.g. an Argon2id call with a malformed salt).
var ErrHashingFailed = errors.New("crypto: hashing failed")

// ErrDecryptionFailed is returned when AEAD or secretbox decryption fails
// authentication. It deliberately carries no further detail so callers
// cannot distinguish "wrong key" from "tampered ciphertext".
var ErrDecryptionFailed = errors.New("crypto: decryption failed")
