package crypto

import (
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"zipchat/apperrors"
)

const (
	// CodecIVSize is the IV length packed at the front of every Codec blob.
	CodecIVSize = 16

	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

var (
	// ErrKeyDerivation indicates the KDF could not produce a key.
	ErrKeyDerivation = errors.New("crypto: key derivation failed")
	// ErrMalformedBlob indicates an encoded blob that cannot be split into IV, ciphertext and tag.
	ErrMalformedBlob = errors.New("crypto: malformed encrypted blob")
)

// DeriveKey stretches secret and salt into an AES-256 key with scrypt.
func DeriveKey(secret, salt []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, apperrors.Cryptographic("derive key", fmt.Errorf("%w: secret is required", ErrKeyDerivation))
	}
	if len(salt) == 0 {
		return nil, apperrors.Cryptographic("derive key", fmt.Errorf("%w: salt is required", ErrKeyDerivation))
	}

	key, err := scrypt.Key(secret, salt, scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, apperrors.Cryptographic("derive key", fmt.Errorf("%w: %v", ErrKeyDerivation, err))
	}
	return key, nil
}

// Codec protects server-side values at rest with a secret-derived key.
//
// Blobs are base64(IV || ciphertext || tag) with a 16-byte IV and a 16-byte tag.
// The key is derived once in NewCodec; a Codec is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the codec key from secret and salt.
func NewCodec(secret, salt string) (*Codec, error) {
	key, err := DeriveKey([]byte(secret), []byte(salt))
	if err != nil {
		return nil, err
	}
	return newCodecWithKey(key)
}

func newCodecWithKey(key []byte) (*Codec, error) {
	aead, err := NewGCM(key, CodecIVSize)
	if err != nil {
		return nil, apperrors.Cryptographic("create codec", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh IV and returns the packed blob.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	iv, sealed, err := SealGCM(c.aead, []byte(plaintext))
	if err != nil {
		return "", apperrors.Cryptographic("encrypt", err)
	}

	blob := make([]byte, 0, len(iv)+len(sealed))
	blob = append(blob, iv...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt unpacks a blob produced by Encrypt and verifies its tag.
func (c *Codec) Decrypt(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", apperrors.Cryptographic("decrypt", fmt.Errorf("%w: %v", ErrMalformedBlob, err))
	}
	if len(blob) < CodecIVSize+TagSize {
		return "", apperrors.Cryptographic("decrypt", fmt.Errorf("%w: %d bytes", ErrMalformedBlob, len(blob)))
	}

	plaintext, err := OpenGCM(c.aead, blob[:CodecIVSize], blob[CodecIVSize:])
	if err != nil {
		return "", apperrors.Cryptographic("decrypt", err)
	}
	return string(plaintext), nil
}
