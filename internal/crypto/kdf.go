package crypto

import (
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
)

// Blake2bSum64 returns the 64-byte Blake2b-512 digest of data.
func Blake2bSum64(data []byte) [64]byte {
	return blake2b.Sum512(data)
}

// Blake2bSum32 returns the 32-byte Blake2b-256 digest of data, as used for
// ONS name-hash computation (§4.5).
func Blake2bSum32(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// Blake2bKeyed computes a keyed Blake2b hash of data truncated to size
// bytes, used to derive onion-layer symmetric keys and the decryption key
// of the nonce-carrying ONS scheme (blake2b(name, key=blake2b(name))).
func Blake2bKeyed(key, data []byte, size int) ([]byte, error) {
	h, err := blake2b.New(size, key)
	if err != nil {
		return nil, fmt.Errorf("%w: blake2b keyed hash: %v", ErrHashingFailed, err)
	}
	if _, err := h.Write(data); err != nil {
		return nil, fmt.Errorf("%w: blake2b write: %v", ErrHashingFailed, err)
	}
	return h.Sum(nil), nil
}

// DeriveSymmetricKey derives the 32-byte AES key used for one onion layer
// (or for a snode destination) from an X25519 shared secret, per §4.4:
// "HKDF or direct Blake2b to 32-byte AES key". Lantern uses the latter,
// keyed by a fixed domain-separation label so the same shared secret never
// collides across unrelated derivations.
func DeriveSymmetricKey(sharedSecret [32]byte, label string) ([]byte, error) {
	key, err := Blake2bKeyed(sharedSecret[:], []byte(label), 32)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Argon2idModerate derives a key from password and salt using Argon2id at
// the "MODERATE" cost the legacy ONS scheme calls for (§4.5): 3 passes,
// 256 MiB memory, 4 lanes, 32-byte output.
func Argon2idModerate(password, salt []byte) []byte {
	const (
		time    = 3
		memory  = 256 * 1024 // KiB
		threads = 4
		keyLen  = 32
	)
	return argon2.IDKey(password, salt, time, memory, threads, keyLen)
}
