package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

var (
	// ErrAuthenticationFailure indicates the GCM tag did not verify (tamper or wrong key).
	ErrAuthenticationFailure = errors.New("crypto: authentication failure")
	// ErrInvalidKey indicates a key of the wrong length.
	ErrInvalidKey = errors.New("crypto: invalid key length")
)

// NewGCM builds an AES-256-GCM AEAD using the given nonce size.
func NewGCM(key []byte, nonceSize int) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrInvalidKey, len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	var aead cipher.AEAD
	if nonceSize == 12 {
		aead, err = cipher.NewGCM(block)
	} else {
		aead, err = cipher.NewGCMWithNonceSize(block, nonceSize)
	}
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return buf, nil
}

// SealGCM encrypts plaintext under a fresh random nonce and returns the
// nonce alongside ciphertext with the tag appended.
func SealGCM(aead cipher.AEAD, plaintext []byte) (nonce, sealed []byte, err error) {
	nonce, err = RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, sealed, nil
}

// OpenGCM verifies and decrypts ciphertext||tag. Any verification failure
// yields ErrAuthenticationFailure and no plaintext.
func OpenGCM(aead cipher.AEAD, nonce, sealed []byte) ([]byte, error) {
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), aead.NonceSize())
	}
	if len(sealed) < aead.Overhead() {
		return nil, fmt.Errorf("ciphertext shorter than tag: %d bytes", len(sealed))
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}
