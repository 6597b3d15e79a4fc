// Package crypto is Lantern's cryptography provider (the spec's C1).
//
// It wraps the primitives the rest of the core needs — Ed25519 identity
// signing, X25519 key agreement, AES-GCM and XChaCha20-Poly1305 AEAD,
// Blake2b hashing and keyed hashing, and Argon2id key derivation — behind
// a small set of pure functions plus one stateful type, KeyPair, that
// holds the local user's long-term identity.
//
// Every exported function here is safe for concurrent use; KeyPair itself
// is immutable after construction.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair holds a long-term Ed25519 identity keypair together with the
// X25519 keypair derived from it for Diffie-Hellman key agreement with
// service nodes and onion hops.
type KeyPair struct {
	Ed25519Public  ed25519.PublicKey
	Ed25519Private ed25519.PrivateKey
	X25519Public   [32]byte
	X25519Private  [32]byte
}

// GenerateKeyPair creates a fresh random identity keypair using
// crypto/rand, the only acceptable entropy source for long-term keys.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ed25519 key: %w", err)
	}
	return keyPairFromEd25519(pub, priv)
}

// KeyPairFromSeed reconstructs a KeyPair from a 32-byte Ed25519 seed, as
// used when loading a persisted identity from encrypted storage.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return keyPairFromEd25519(pub, priv)
}

func keyPairFromEd25519(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*KeyPair, error) {
	xPriv, xPub, err := ed25519ToX25519(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Ed25519Public:  pub,
		Ed25519Private: priv,
		X25519Public:   xPub,
		X25519Private:  xPriv,
	}, nil
}

// Seed returns the 32-byte Ed25519 seed backing this keypair, suitable for
// encrypting at rest and later restoring via KeyPairFromSeed.
func (k *KeyPair) Seed() []byte {
	return append([]byte(nil), k.Ed25519Private.Seed()...)
}

// Sign signs msg with the long-term Ed25519 private key.
func (k *KeyPair) Sign(msg []byte) ([]byte, error) {
	if k == nil || k.Ed25519Private == nil {
		return nil, ErrNoKeyPair
	}
	return ed25519.Sign(k.Ed25519Private, msg), nil
}

// Verify reports whether sig is a valid Ed25519 signature over msg under
// pub. It never panics on malformed input.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// SharedSecret performs X25519 Diffie-Hellman between this keypair's
// private scalar and a peer's X25519 public key.
func (k *KeyPair) SharedSecret(peerPublic [32]byte) ([32]byte, error) {
	return x25519(k.X25519Private, peerPublic)
}

// EphemeralX25519 generates a fresh, non-reused X25519 keypair for one
// onion layer or one ONS query.
func EphemeralX25519() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("crypto: generate ephemeral key: %w", err)
	}
	// Clamp per RFC 7748 so curve25519.X25519 treats it as a valid scalar.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("crypto: derive ephemeral public: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// EphemeralSharedSecret performs X25519 Diffie-Hellman between an ephemeral
// private scalar (as returned by EphemeralX25519) and a peer's X25519
// public key, for key agreement that isn't anchored to a long-term KeyPair
// — one per onion layer.
func EphemeralSharedSecret(ephemeralPriv, peerPublic [32]byte) ([32]byte, error) {
	return x25519(ephemeralPriv, peerPublic)
}

func x25519(priv, peerPub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return out, fmt.Errorf("crypto: x25519: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

// ed25519ToX25519 derives an X25519 keypair from an Ed25519 private key by
// hashing the seed per the standard birational map (as used by libsodium's
// crypto_sign_ed25519_sk_to_curve25519). This lets a single long-term
// Ed25519 identity also serve as the Diffie-Hellman key used to address a
// service node's published x25519 pubkey.
func ed25519ToX25519(priv ed25519.PrivateKey) (xPriv [32]byte, xPub [32]byte, err error) {
	h := sha512.Sum512(priv.Seed())
	copy(xPriv[:], h[:32])
	xPriv[0] &= 248
	xPriv[31] &= 127
	xPriv[31] |= 64
	pubSlice, derr := curve25519.X25519(xPriv[:], curve25519.Basepoint)
	if derr != nil {
		return xPriv, xPub, fmt.Errorf("crypto: derive x25519 public: %w", derr)
	}
	copy(xPub[:], pubSlice)
	return xPriv, xPub, nil
}
