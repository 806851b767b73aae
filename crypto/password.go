package crypto

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PasswordIterations is the PBKDF2 work factor.
	PasswordIterations = 100_000
	// PasswordHashSize is the derived hash length before hex encoding.
	PasswordHashSize = 64
)

// HashPassword returns the hex PBKDF2-SHA512 digest of password under salt.
func HashPassword(password, salt string) string {
	sum := pbkdf2.Key([]byte(password), []byte(salt), PasswordIterations, PasswordHashSize, sha512.New)
	return hex.EncodeToString(sum)
}

// VerifyPassword re-hashes password and compares in constant time.
func VerifyPassword(password, hash, salt string) bool {
	computed := HashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// GenerateSalt returns a random hex salt of n bytes.
func GenerateSalt(n int) (string, error) {
	if n <= 0 {
		n = 16
	}
	raw, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
