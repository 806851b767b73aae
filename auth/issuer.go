package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer mints tokens JWTVerifier accepts. The server never issues tokens
// itself; this backs the CLI and tests.
type Issuer struct {
	Secret     []byte
	PrivateKey ed25519.PrivateKey
	Issuer     string
	Now        func() time.Time
}

// Issue signs a token for userID valid for ttl. EdDSA is preferred when a
// private key is configured.
func (i Issuer) Issue(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be > 0")
	}
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}

	issuedAt := now()
	claims := userClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.Issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}

	var (
		signed string
		err    error
	)
	switch {
	case len(i.PrivateKey) > 0:
		signed, err = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.PrivateKey)
	case len(i.Secret) > 0:
		signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
	default:
		return "", errors.New("issuer needs a secret or a private key")
	}
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
