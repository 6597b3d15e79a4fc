package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// SealGCM encrypts plaintext with AES-256-GCM under key, generating a
// fresh random nonce and prepending it to the returned ciphertext. This is
// the AEAD used for every onion layer and for the v3/v4 snode response
// envelopes (§4.4).
func SealGCM(key, plaintext, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate gcm nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, additionalData), nil
}

// OpenGCM decrypts a nonce-prefixed AES-256-GCM ciphertext produced by
// SealGCM (or by a service node / onion hop using the same convention).
func OpenGCM(key, ivAndCiphertext, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ivAndCiphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrDecryptionFailed)
	}
	nonce, ciphertext := ivAndCiphertext[:nonceSize], ivAndCiphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: aes-gcm key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return gcm, nil
}

// SealXChaCha20Poly1305 encrypts plaintext with XChaCha20-Poly1305 under
// key, used for the modern ONS decryption scheme (§4.5) where the response
// carries an explicit 24-byte nonce.
func SealXChaCha20Poly1305(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new xchacha20poly1305: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// OpenXChaCha20Poly1305 decrypts an XChaCha20-Poly1305 ciphertext under
// key and the given 24-byte nonce.
func OpenXChaCha20Poly1305(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new xchacha20poly1305: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// OpenSecretbox decrypts a NaCl secretbox ciphertext under key using a
// fixed all-zero nonce, exactly as the legacy ONS resolution scheme does
// (§4.5): the key is single-use per name so nonce reuse is not a concern.
func OpenSecretbox(key, ciphertext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: secretbox key must be 32 bytes, got %d", len(key))
	}
	var keyArr [32]byte
	copy(keyArr[:], key)
	var nonce [24]byte // zero nonce, per legacy ONS scheme

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &keyArr)
	if !ok {
		return nil, fmt.Errorf("%w: secretbox authentication failed", ErrDecryptionFailed)
	}
	return plaintext, nil
}
