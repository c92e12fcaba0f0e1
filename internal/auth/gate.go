// Package auth guards the admin console with a bcrypt-hashed password and
// short-lived HS256 session tokens.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenTTL = 12 * time.Hour
	adminSubject    = "admin"
	issuer          = "mortgage-assistant"
)

var (
	ErrInvalidPassword = errors.New("auth: invalid password")
	ErrInvalidToken    = errors.New("auth: invalid token")
)

// Gate issues and verifies admin session tokens.
type Gate struct {
	passwordHash []byte
	secret       []byte
	ttl          time.Duration
	now          func() time.Time
}

type Option func(*Gate)

func WithTTL(ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func NewGate(passwordHash, secret string, opts ...Option) (*Gate, error) {
	passwordHash = strings.TrimSpace(passwordHash)
	if passwordHash == "" {
		return nil, errors.New("auth: password hash must not be empty")
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return nil, fmt.Errorf("auth: password hash is not a bcrypt hash: %w", err)
	}
	if len(secret) < 16 {
		return nil, errors.New("auth: jwt secret must be at least 16 bytes")
	}
	g := &Gate{
		passwordHash: []byte(passwordHash),
		secret:       []byte(secret),
		ttl:          DefaultTokenTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// HashPassword returns a bcrypt hash suitable for ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("auth: password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// Login checks password and returns a signed token valid for the gate TTL.
func (g *Gate) Login(password string) (string, time.Time, error) {
	if err := bcrypt.CompareHashAndPassword(g.passwordHash, []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidPassword
	}
	now := g.now().UTC()
	expires := now.Add(g.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify accepts a raw token or an "Authorization: Bearer" header value.
func (g *Gate) Verify(token string) error {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return ErrInvalidToken
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return g.secret, nil
	})
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.VerifyExpiresAt(g.now(), true) {
		return fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	if claims.Subject != adminSubject || claims.Issuer != issuer {
		return fmt.Errorf("%w: unexpected subject", ErrInvalidToken)
	}
	return nil
}
