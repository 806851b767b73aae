// Package e2e implements the per-message key scheme used by chat clients:
// every message is sealed under its own random AES-256-GCM key and nonce.
package e2e

import (
	"encoding/base64"
	"errors"
	"fmt"

	"zipchat/apperrors"
	"zipchat/crypto"
)

// ErrDecryption wraps every failure of DecryptMessage.
var ErrDecryption = errors.New("e2e: decryption failed")

// Config is the immutable algorithm configuration shared by all calls.
type Config struct {
	KeySize   int
	NonceSize int
}

// DefaultConfig is AES-256-GCM with a 96-bit nonce.
func DefaultConfig() Config {
	return Config{KeySize: crypto.KeySize, NonceSize: 12}
}

// Payload is one sealed message. All fields are standard base64.
type Payload struct {
	Content string `json:"content"`
	IV      string `json:"iv"`
	Key     string `json:"key"`
}

// KeyManager seals and opens Payloads. It holds no key material and is safe
// to copy and use concurrently.
type KeyManager struct {
	cfg Config
}

// NewKeyManager validates cfg and returns a KeyManager bound to it.
func NewKeyManager(cfg Config) (KeyManager, error) {
	if cfg.KeySize != crypto.KeySize {
		return KeyManager{}, fmt.Errorf("unsupported key size %d", cfg.KeySize)
	}
	if cfg.NonceSize < 12 {
		return KeyManager{}, fmt.Errorf("nonce size %d below 96 bits", cfg.NonceSize)
	}
	return KeyManager{cfg: cfg}, nil
}

// Config returns the configuration the manager was built with.
func (m KeyManager) Config() Config {
	return m.cfg
}

// EncryptMessage seals plaintext under a freshly generated key and nonce.
func (m KeyManager) EncryptMessage(plaintext string) (Payload, error) {
	key, err := crypto.RandomBytes(m.cfg.KeySize)
	if err != nil {
		return Payload{}, apperrors.Cryptographic("generate message key", err)
	}

	aead, err := crypto.NewGCM(key, m.cfg.NonceSize)
	if err != nil {
		return Payload{}, apperrors.Cryptographic("import message key", err)
	}
	nonce, sealed, err := crypto.SealGCM(aead, []byte(plaintext))
	if err != nil {
		return Payload{}, apperrors.Cryptographic("encrypt message", err)
	}

	return Payload{
		Content: base64.StdEncoding.EncodeToString(sealed),
		IV:      base64.StdEncoding.EncodeToString(nonce),
		Key:     base64.StdEncoding.EncodeToString(key),
	}, nil
}

// DecryptMessage opens p. Any failure is reported as ErrDecryption and no
// plaintext is returned.
func (m KeyManager) DecryptMessage(p Payload) (string, error) {
	key, err := base64.StdEncoding.DecodeString(p.Key)
	if err != nil {
		return "", decryptionError(fmt.Errorf("decode key: %w", err))
	}
	nonce, err := base64.StdEncoding.DecodeString(p.IV)
	if err != nil {
		return "", decryptionError(fmt.Errorf("decode iv: %w", err))
	}
	sealed, err := base64.StdEncoding.DecodeString(p.Content)
	if err != nil {
		return "", decryptionError(fmt.Errorf("decode content: %w", err))
	}

	aead, err := crypto.NewGCM(key, m.cfg.NonceSize)
	if err != nil {
		return "", decryptionError(err)
	}
	plaintext, err := crypto.OpenGCM(aead, nonce, sealed)
	if err != nil {
		return "", decryptionError(err)
	}
	return string(plaintext), nil
}

func decryptionError(err error) error {
	return apperrors.Cryptographic("decrypt message", fmt.Errorf("%w: %w", ErrDecryption, err))
}
