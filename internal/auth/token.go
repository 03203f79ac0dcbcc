// ABOUTME: JWT token verification and minting for API clients.
// ABOUTME: Uses HS256 signing with a shared secret of at least MinSecretLength bytes.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted HMAC secret.
const MinSecretLength = 32

// Issuer is stamped into every token this package mints.
const Issuer = "vox-gateway"

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier checks a bearer token and returns its subject.
type TokenVerifier interface {
	Verify(tokenString string) (subject string, err error)
}

// JWTVerifier verifies and mints HS256 tokens.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// Verify validates the token and returns its "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	claims := jwt.RegisteredClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}

// Generate mints a token for subject. A zero ttl yields a token without expiry.
func (v *JWTVerifier) Generate(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		Issuer:   Issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
