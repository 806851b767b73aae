package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	privateKeyPEMType = "PRIVATE KEY"
	publicKeyPEMType  = "PUBLIC KEY"
)

// EnsureSigningKeyPair loads the Ed25519 token-signing keypair, generating
// and persisting it on first use.
func EnsureSigningKeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privateKey, err := LoadSigningPrivateKey(privatePath)
	if err == nil {
		publicKey := privateKey.Public().(ed25519.PublicKey)
		if stored, pubErr := LoadSigningPublicKey(publicPath); pubErr != nil || !stored.Equal(publicKey) {
			if err := SaveSigningPublicKey(publicPath, publicKey); err != nil {
				return nil, nil, err
			}
		}
		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := SaveSigningPrivateKey(privatePath, privateKey); err != nil {
		return nil, nil, err
	}
	if err := SaveSigningPublicKey(publicPath, publicKey); err != nil {
		return nil, nil, err
	}

	return privateKey, publicKey, nil
}

// LoadSigningPrivateKey reads a PKCS#8 PEM Ed25519 private key.
func LoadSigningPrivateKey(path string) (ed25519.PrivateKey, error) {
	block, err := readPEM(path, privateKeyPEMType)
	if err != nil {
		return nil, err
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key %q: %w", path, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse private key %q: not an Ed25519 key", path)
	}
	return key, nil
}

// LoadSigningPublicKey reads a PKIX PEM Ed25519 public key.
func LoadSigningPublicKey(path string) (ed25519.PublicKey, error) {
	block, err := readPEM(path, publicKeyPEMType)
	if err != nil {
		return nil, err
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key %q: %w", path, err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key %q: not an Ed25519 key", path)
	}
	return key, nil
}

// SaveSigningPrivateKey writes key as PKCS#8 PEM with 0600 permissions.
func SaveSigningPrivateKey(path string, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("save private key: invalid key size %d", len(key))
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	return writePEM(path, privateKeyPEMType, der, 0o600)
}

// SaveSigningPublicKey writes key as PKIX PEM.
func SaveSigningPublicKey(path string, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("save public key: invalid key size %d", len(key))
	}
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	return writePEM(path, publicKeyPEMType, der, 0o644)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

func readPEM(path, wantType string) (*pem.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode PEM %q: no PEM block", path)
	}
	if block.Type != wantType {
		return nil, fmt.Errorf("decode PEM %q: unexpected type %q", path, block.Type)
	}
	return block, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	block := &pem.Block{Type: blockType, Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", blockType, err)
	}
	return nil
}
