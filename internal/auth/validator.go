// Package auth validates the tokens clients present over the sync socket.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken   = errors.New("token validator: token required")
	ErrInvalidToken   = errors.New("token validator: invalid token")
	ErrExpiredToken   = errors.New("token validator: token expired")
	ErrMissingSubject = errors.New("token validator: subject required")
)

// Identity is the authenticated (or claimed) principal behind a connection.
type Identity struct {
	Subject     string
	DisplayName string
	Verified    bool
}

// TokenClaims mirrors the JWT payload accepted on Auth frames.
type TokenClaims struct {
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// TokenValidatorConfig describes how Auth frame payloads are validated.
// An empty SigningSecret puts the validator in passthrough mode: the frame
// payload is taken verbatim as a claimed, unverified display name.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenValidator validates HS256 JWTs presented on Auth frames.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewTokenValidator constructs a validator with the provided configuration.
func NewTokenValidator(cfg TokenValidatorConfig) *TokenValidator {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        strings.TrimSpace(cfg.Issuer),
		clock:         clock,
	}
}

// Passthrough reports whether the validator accepts claimed identities
// without signature verification.
func (v *TokenValidator) Passthrough() bool {
	return len(v.signingSecret) == 0
}

// Validate resolves the Auth frame payload to an Identity.
func (v *TokenValidator) Validate(payload string) (Identity, error) {
	token := strings.TrimSpace(payload)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	if v.Passthrough() {
		return Identity{Subject: token, DisplayName: token, Verified: false}, nil
	}

	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Identity{}, ErrInvalidToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, ErrMissingSubject
	}
	display := strings.TrimSpace(claims.DisplayName)
	if display == "" {
		display = subject
	}
	return Identity{Subject: subject, DisplayName: display, Verified: true}, nil
}
