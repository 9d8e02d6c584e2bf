// Package identity resolves the requester identity for a request credential.
// Accounts live in an external service; this package only maps a credential
// (session token or signed access token) to an owner ID.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// SessionCookie is the cookie consulted when no bearer token is present.
const SessionCookie = "session"

// ErrNoCredential is returned by CredentialFromRequest when the request carries none.
var ErrNoCredential = errors.New("no credential")

// Resolver maps a credential to an owner ID. ok is false for unknown or
// invalid credentials; err is reserved for backend failures.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (ownerID string, ok bool, err error)
}

// CredentialFromRequest returns the bearer token, or the session cookie value.
func CredentialFromRequest(r *http.Request) (string, error) {
	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
			return "", ErrNoCredential
		}
		token := strings.TrimSpace(authHeader[7:])
		if token == "" {
			return "", ErrNoCredential
		}
		return token, nil
	}
	if c, err := r.Cookie(SessionCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	return "", ErrNoCredential
}

// Chain tries resolvers in order and returns the first match. A backend
// error is returned only if no later resolver matches.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, credential string) (string, bool, error) {
	var firstErr error
	for _, r := range c {
		if r == nil {
			continue
		}
		owner, ok, err := r.Resolve(ctx, credential)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return owner, true, nil
		}
	}
	return "", false, firstErr
}

// Static resolves a fixed credential to owner table. Used for tests and local runs.
type Static map[string]string

func (s Static) Resolve(_ context.Context, credential string) (string, bool, error) {
	owner, ok := s[credential]
	return owner, ok && owner != "", nil
}
