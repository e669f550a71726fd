// Package auth implements token verification that maps a bearer token to a
// Principal. The core never stores passwords or handles registration; it
// only consumes tokens minted elsewhere.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/errs"
)

// Role is a Principal's coarse-grained role.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
	RoleUser   Role = "USER"
)

// Permission is a per-document grant level.
type Permission string

const (
	PermissionNone  Permission = ""
	PermissionRead  Permission = "READ"
	PermissionWrite Permission = "WRITE"
)

// Stronger returns the more permissive of two permissions, used to combine a
// principal's direct ACL grant with any implicit grant (owner, public-read).
func Stronger(a, b Permission) Permission {
	if a == PermissionWrite || b == PermissionWrite {
		return PermissionWrite
	}
	if a == PermissionRead || b == PermissionRead {
		return PermissionRead
	}
	return PermissionNone
}

// Principal is the authenticated identity of a connected client. It is
// immutable for the lifetime of a Session.
type Principal struct {
	ID          string
	DisplayName string
	Role        Role
	Permissions []string
}

// claims is the JWT payload this server expects. Registration and password
// hashing are out of scope here: whatever issues tokens is responsible for
// populating these claims correctly.
type claims struct {
	jwt.RegisteredClaims
	DisplayName string   `json:"display_name"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions"`
}

// Verifier is the contract Sessions (and the Gateway that builds them)
// depend on: verify(token) ->
// Principal, or fail with ErrTokenInvalid/ErrTokenExpired.
type Verifier interface {
	Verify(token string) (Principal, error)
}

// JWTVerifier verifies HMAC-signed JWTs. It is purely functional relative to
// its secret and the clock, and it does not touch a user store.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier keyed by secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(token string) (Principal, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, errs.ErrTokenExpired
		}
		return Principal{}, fmt.Errorf("%w: %v", errs.ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return Principal{}, errs.ErrTokenInvalid
	}
	if c.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", errs.ErrTokenInvalid)
	}
	role := c.Role
	if role == "" {
		role = RoleUser
	}
	return Principal{
		ID:          c.Subject,
		DisplayName: c.DisplayName,
		Role:        role,
		Permissions: c.Permissions,
	}, nil
}

// Issuer mints tokens for local development and tests. It is never used on
// the production request path, only by the dev bootstrap CLI subcommand
// and test fixtures.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer keyed by secret, minting tokens valid for ttl.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a signed token for the given principal.
func (iss *Issuer) Issue(p Principal) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(iss.ttl)),
		},
		DisplayName: p.DisplayName,
		Role:        p.Role,
		Permissions: p.Permissions,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(iss.secret)
}
