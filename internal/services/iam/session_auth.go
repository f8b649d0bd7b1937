package iam

import (
	"context"

	"github.com/identitycore/authgate/internal/auth"
)

// SessionAuthenticator authenticates requests using the session cookie.
//
//  1. Extract the session cookie
//  2. Return (nil, nil) if not present
//  3. Validate through the SessionManager (hash, lookup, expiry, roles and claims)
//  4. Report a sliding renewal to the caller so the cookie can be reissued
//
// This authenticator is stateless and thread-safe.
type SessionAuthenticator struct {
	cookieName string
	sessions   *SessionManager
}

// NewSessionAuthenticator creates a new session authenticator.
func NewSessionAuthenticator(cookieName string, sessions *SessionManager) *SessionAuthenticator {
	return &SessionAuthenticator{
		cookieName: cookieName,
		sessions:   sessions,
	}
}

// Authenticate extracts and validates the session cookie.
func (a *SessionAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (*auth.Principal, error) {
	token := req.cookie(a.cookieName)
	if token == "" {
		// No credentials for this authenticator, try next
		return nil, nil
	}

	session, err := a.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	if session.Renewed && req.OnSessionRenewed != nil {
		req.OnSessionRenewed(token, session.ExpiresAt)
	}
	return session.Principal, nil
}
