// Package auth resolves bearer credentials presented at connect time to a user id.
package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"zipchat/apperrors"
)

// ErrUnauthorized is returned for every rejected credential.
var ErrUnauthorized = errors.New("auth: unauthorized")

// TokenVerifier resolves a credential to the user id it was issued for.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// JWTConfig holds the key material accepted by JWTVerifier. At least one of
// Secret (HS256) or PublicKey (EdDSA) must be set.
type JWTConfig struct {
	Secret    []byte
	PublicKey ed25519.PublicKey
	Issuer    string
	Leeway    time.Duration
}

// JWTVerifier validates signed JWTs and extracts the user id claim.
type JWTVerifier struct {
	cfg    JWTConfig
	parser *jwt.Parser
}

// userClaims accepts the subject under the claim names older clients use.
type userClaims struct {
	UserID string `json:"userId,omitempty"`
	ID     string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

func (c userClaims) userID() string {
	switch {
	case c.Subject != "":
		return c.Subject
	case c.UserID != "":
		return c.UserID
	default:
		return c.ID
	}
}

// NewJWTVerifier builds a verifier accepting the algorithms cfg has keys for.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	methods := make([]string, 0, 2)
	if len(cfg.Secret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if len(cfg.PublicKey) > 0 {
		if len(cfg.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid Ed25519 public key size %d", len(cfg.PublicKey))
		}
		methods = append(methods, jwt.SigningMethodEdDSA.Alg())
	}
	if len(methods) == 0 {
		return nil, errors.New("jwt verifier needs a secret or a public key")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}

	return &JWTVerifier{cfg: cfg, parser: jwt.NewParser(parserOpts...)}, nil
}

// Verify parses and validates token.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.Authorization("verify token", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", unauthorized(errors.New("empty token"))
	}

	var claims userClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.keyFunc); err != nil {
		return "", unauthorized(err)
	}

	userID := strings.TrimSpace(claims.userID())
	if userID == "" {
		return "", unauthorized(errors.New("token carries no user id"))
	}
	return userID, nil
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		return v.cfg.Secret, nil
	case *jwt.SigningMethodEd25519:
		return v.cfg.PublicKey, nil
	default:
		return nil, fmt.Errorf("unexpected signing method %q", token.Header["alg"])
	}
}

func unauthorized(cause error) error {
	return apperrors.Authorization("verify token", fmt.Errorf("%w: %v", ErrUnauthorized, cause))
}

// StaticVerifier maps fixed tokens to user ids. Intended for tests and local development.
type StaticVerifier map[string]string

func (s StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	userID, ok := s[token]
	if !ok || userID == "" {
		return "", unauthorized(errors.New("unknown token"))
	}
	return userID, nil
}
