// Package auth turns bearer tokens into actors.
//
// Authentication model:
//   - Identity is issued upstream as an HS256 JWT whose subject is the
//     caller's id and whose "role" claim is customer, store or admin.
//   - Health and metrics endpoints need no token.
//   - Every /v1 endpoint requires one; handlers read the actor from the
//     request context.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/arbiter/internal/actor"
	"github.com/mbd888/arbiter/internal/validation"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrEmptySecret  = errors.New("signing secret is empty")
)

// DefaultTTL is the lifetime of tokens minted without an explicit one.
const DefaultTTL = 24 * time.Hour

// Claims is the token payload.
type Claims struct {
	Role actor.Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens with a shared secret.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewIssuer creates an issuer. name goes into the iss claim and is required
// on every token it accepts.
func NewIssuer(secret, name string) (*Issuer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Issuer{secret: []byte(secret), issuer: name, now: time.Now}, nil
}

// Issue mints a token for a. System identities are never minted.
func (i *Issuer) Issue(a actor.Actor, ttl time.Duration) (string, error) {
	if !a.Role.Valid() {
		return "", actor.ErrInvalidRole
	}
	if !validation.IsValidID(a.ID) {
		return "", fmt.Errorf("%w: malformed subject", ErrInvalidToken)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := i.now()
	claims := Claims{
		Role: a.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Parse verifies token and returns the actor it names.
func (i *Issuer) Parse(token string) (actor.Actor, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return actor.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return actor.Actor{}, ErrInvalidToken
	}
	// A signed token still cannot claim the in-process system role.
	if !claims.Role.Valid() || !validation.IsValidID(claims.Subject) {
		return actor.Actor{}, ErrInvalidToken
	}
	return actor.Actor{ID: claims.Subject, Role: claims.Role}, nil
}
