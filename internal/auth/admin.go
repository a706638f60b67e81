package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	pylon "github.com/eugener/pylon/internal"
)

// adminSubject is the sole principal the admin server knows.
const adminSubject = "admin"

// AdminAuth verifies the admin password and issues short-lived HS256
// session tokens. The password itself is never stored; only its bcrypt
// hash from the static config.
type AdminAuth struct {
	passwordHash []byte
	secret       []byte
	ttl          time.Duration
}

// NewAdminAuth builds an AdminAuth from the configured bcrypt hash,
// signing secret, and token lifetime.
func NewAdminAuth(passwordHash, secret string, ttl time.Duration) *AdminAuth {
	return &AdminAuth{
		passwordHash: []byte(passwordHash),
		secret:       []byte(secret),
		ttl:          ttl,
	}
}

// TTL is the lifetime of issued tokens.
func (a *AdminAuth) TTL() time.Duration { return a.ttl }

// Login checks the password against the stored hash and returns a signed
// session token. A wrong password returns ErrUnauthorized.
func (a *AdminAuth) Login(password string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", pylon.ErrUnauthorized
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Verify checks a presented session token: signature, expiry, subject.
// Any failure maps to ErrUnauthorized.
func (a *AdminAuth) Verify(token string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return pylon.ErrUnauthorized
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub != adminSubject {
		return pylon.ErrUnauthorized
	}
	return nil
}
