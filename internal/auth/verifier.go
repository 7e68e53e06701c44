// Package auth verifies bearer credentials presented at the WebSocket
// handshake and on the conversation API. Tokens are HS256-signed JWTs
// carrying the identity claims (subject, display name, role). Verification
// runs before any presence or room state is touched; a failed token aborts
// the connection attempt with no side effects.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity roles. A credential carries exactly one of these.
const (
	RoleCustomer = "customer"
	RoleStaff    = "staff"
)

// Credential failure classes. Callers use errors.Is to distinguish them;
// all of them are fatal to the connection attempt (no retry; the client
// must obtain a fresh token and reconnect).
var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrMalformed    = errors.New("auth: malformed token")
	ErrExpired      = errors.New("auth: token expired")
	ErrBadSignature = errors.New("auth: bad signature")
)

// Identity is the authenticated actor derived from a verified credential.
// It is immutable for the lifetime of the session it was presented on.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// IsStaff reports whether the identity is a staff operator.
func (id Identity) IsStaff() bool {
	return id.Role == RoleStaff
}

// Verifier validates a bearer token and returns the identity it encodes.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// JWTVerifier implements Verifier using HS256-signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the given shared secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify parses and validates tokenString and extracts the identity from
// the sub, name, and role claims. The role claim must be one of the known
// roles; anything else is treated as a malformed credential.
func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Identity{}, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Identity{}, ErrBadSignature
		default:
			return Identity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if !token.Valid {
		return Identity{}, ErrMalformed
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrMalformed
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: missing sub claim", ErrMalformed)
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}
	role, _ := claims["role"].(string)
	if role != RoleCustomer && role != RoleStaff {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrMalformed, role)
	}

	return Identity{ID: sub, DisplayName: name, Role: role}, nil
}

// Generate mints a token for the given identity, valid for expiresIn.
// Used by tests and the local tokengen tool; production credentials come
// from the storefront's login service, which shares the secret.
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  id.ID,
		"name": id.DisplayName,
		"role": id.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// TokenFromRequest extracts the bearer token from an HTTP request. It
// checks the Authorization header first and falls back to the "token"
// query parameter, since browser WebSocket clients cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return after
		}
		// A credential was supplied, just not in Bearer form. Return it
		// as-is so verification classifies it as malformed rather than
		// missing.
		return h
	}
	return strings.TrimPrefix(r.URL.Query().Get("token"), "Bearer ")
}
