// Package snodepool maintains the in-memory set of known service nodes,
// mirrored to durable storage, and refreshes it from either a seed node
// or the consensus of existing nodes.
//
// All state is cached aggressively in memory and persisted opportunistically,
// exactly as described for the node pool and per-recipient swarm caches: the
// cache is reloaded from storage on startup and treated as authoritative
// between refreshes.
package snodepool

import "encoding/hex"

// ServiceNode is an immutable value identifying one node in the storage
// network. Equality and hashing are by (IP, StoragePort) only — the two
// public keys are properties of the node at that address, not part of its
// identity for pool/swarm membership purposes.
type ServiceNode struct {
	IP          string
	StoragePort int
	Ed25519Pub  [32]byte
	X25519Pub   [32]byte
}

// Key returns the (ip, port) pair used for equality and map lookups.
func (n ServiceNode) Key() NodeKey {
	return NodeKey{IP: n.IP, StoragePort: n.StoragePort}
}

// Ed25519PubHex returns the hex encoding of the node's Ed25519 public key,
// the form used in persistence and in wire protocol fields.
func (n ServiceNode) Ed25519PubHex() string {
	return hex.EncodeToString(n.Ed25519Pub[:])
}

// X25519PubHex returns the hex encoding of the node's X25519 public key.
func (n ServiceNode) X25519PubHex() string {
	return hex.EncodeToString(n.X25519Pub[:])
}

// NodeKey is the (ip, port) identity of a ServiceNode, used as a map key
// since ServiceNode itself contains fixed-size byte arrays that are
// comparable but unnecessarily wide for a lookup key.
type NodeKey struct {
	IP          string
	StoragePort int
}
