// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth authenticates push-transport clients from JWT bearer
// tokens and extracts the principal the dispatch core operates on.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/absmach/pushmq/core"
)

var (
	// ErrMissingToken is returned when the request carries no credential.
	ErrMissingToken = errors.New("missing authentication token")

	// ErrInvalidToken is returned for expired, malformed or badly signed
	// tokens.
	ErrInvalidToken = errors.New("invalid authentication token")

	// ErrMissingSubject is returned for valid tokens without a subject.
	ErrMissingSubject = errors.New("token has no subject")
)

// Principal is the authenticated identity behind a connection.
type Principal struct {
	UserID   string
	TenantID string
	Roles    []string
}

// Claims is the token payload. Tenant and roles are optional; an absent
// tenant maps to the default tenant.
type Claims struct {
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates client credentials. With an empty secret the
// service runs in development mode: no signature verification, and the
// user id is read from the X-User-ID header or the `user` query
// parameter.
type Authenticator struct {
	secret        []byte
	defaultTenant string
}

// New creates an authenticator. An empty secret disables validation.
func New(secret, defaultTenant string) *Authenticator {
	if defaultTenant == "" {
		defaultTenant = core.DefaultTenant
	}
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Authenticator{secret: key, defaultTenant: defaultTenant}
}

// Enabled reports whether token validation is active.
func (a *Authenticator) Enabled() bool {
	return a.secret != nil
}

// Authenticate resolves the principal of an HTTP request. The token is
// taken from the `token` query parameter first, then from the
// Authorization Bearer header, matching what browser EventSource and
// WebSocket clients can send.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if !a.Enabled() {
		return a.devPrincipal(r)
	}

	token := BearerToken(r)
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	return a.Verify(token)
}

// Verify parses and validates a signed token string.
func (a *Authenticator) Verify(tokenString string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Principal{}, ErrMissingSubject
	}

	tenant := claims.TenantID
	if tenant == "" {
		tenant = a.defaultTenant
	}
	return Principal{
		UserID:   claims.Subject,
		TenantID: tenant,
		Roles:    claims.Roles,
	}, nil
}

// Issue signs a token for the principal, valid for ttl. Used by tests
// and by deployments that mint their own credentials.
func (a *Authenticator) Issue(p Principal, ttl time.Duration) (string, error) {
	if a.secret == nil {
		return "", errors.New("cannot issue tokens without a secret")
	}
	now := time.Now()
	claims := Claims{
		TenantID: p.TenantID,
		Roles:    p.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// devPrincipal extracts an unauthenticated identity for development
// deployments.
func (a *Authenticator) devPrincipal(r *http.Request) (Principal, error) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user")
	}
	if userID == "" {
		return Principal{}, ErrMissingToken
	}
	tenant := r.Header.Get("X-Tenant-ID")
	if tenant == "" {
		tenant = a.defaultTenant
	}
	return Principal{UserID: userID, TenantID: tenant}, nil
}

// BearerToken extracts the raw credential from a request: the `token`
// query parameter first, then the Authorization Bearer header.
func BearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}
