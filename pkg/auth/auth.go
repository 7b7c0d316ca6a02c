// Package auth resolves a connection's credentials into an identity and a
// per-list role. Token issuance by magic-link email lives outside this
// repository; the signed-token format here is the shared contract.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/odedindi/Collaborative-Lists/pkg/model"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoAccess     = errors.New("no access to list")
)

// Identity is the resolved principal behind a connection.
type Identity struct {
	Email string
	Name  string
	Color string
}

// Resolver turns raw credentials into an identity and a role on the given
// list. The coordinator trusts the resolved role for the session lifetime.
type Resolver interface {
	Resolve(ctx context.Context, token string, list model.List) (Identity, model.Role, error)
}

type claims struct {
	Name  string `json:"name"`
	Color string `json:"color"`
	jwt.RegisteredClaims
}

// JWT validates HS256 tokens whose subject is the user's email.
type JWT struct {
	secret []byte
	ttl    time.Duration
}

var _ Resolver = (*JWT)(nil)

func NewJWT(secret []byte, ttl time.Duration) *JWT {
	return &JWT{secret: secret, ttl: ttl}
}

// Issue signs a token for the identity. Used by tests and development
// tooling; production issuance is the magic-link collaborator's job.
func (j *JWT) Issue(identity Identity) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name:  identity.Name,
		Color: identity.Color,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	})
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse validates the token and returns the embedded identity.
func (j *JWT) Parse(token string) (Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil || !parsed.Valid || c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Email: c.Subject, Name: c.Name, Color: c.Color}, nil
}

// Resolve validates the token and maps the identity onto its role for the
// list: owner first, then shares, otherwise rejected.
func (j *JWT) Resolve(_ context.Context, token string, list model.List) (Identity, model.Role, error) {
	identity, err := j.Parse(token)
	if err != nil {
		return Identity{}, "", err
	}
	role := list.RoleFor(identity.Email)
	if role == "" {
		return Identity{}, "", ErrNoAccess
	}
	return identity, role, nil
}
