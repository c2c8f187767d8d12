// Package auth resolves viewer credentials to display identities.
// Connections without a valid token are anonymous, read-only viewers;
// an invalid token is never a hard error at the chat layer.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config represents the auth config structure.
type Config struct {
	JWTSecret string        `koanf:"jwt_secret"`
	TokenAge  time.Duration `koanf:"token_age"`
}

// Resolver maps a bearer token to a display name.
type Resolver struct {
	secret []byte
	age    time.Duration
}

// ErrInvalidToken indicates a token that is malformed, expired, or not
// signed with the configured secret.
var ErrInvalidToken = errors.New("invalid token")

// New returns a Resolver using the given config.
func New(cfg Config) *Resolver {
	age := cfg.TokenAge
	if age == 0 {
		age = 24 * time.Hour
	}
	return &Resolver{secret: []byte(cfg.JWTSecret), age: age}
}

// Resolve returns the display name carried by a token. An empty token
// resolves to the empty (anonymous) identity with no error.
func (r *Resolver) Resolve(token string) (string, error) {
	if token == "" {
		return "", nil
	}

	t, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return r.secret, nil
	})
	if err != nil || !t.Valid {
		return "", ErrInvalidToken
	}

	sub, err := t.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// Issue mints a token for a display name. Used by tooling and tests; the
// production identity provider lives outside this service.
func (r *Resolver) Issue(username string) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(r.age)),
	})
	return t.SignedString(r.secret)
}
