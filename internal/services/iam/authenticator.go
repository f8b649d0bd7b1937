package iam

import (
	"context"
	"net/http"
	"time"

	"github.com/identitycore/authgate/internal/auth"
)

// Authenticator validates one kind of credential and returns a Principal.
//
// Implementations:
//   - SessionAuthenticator: Validates session cookies
//   - BearerAuthenticator: Validates HS256 bearer tokens
//
// Return values:
//   - (principal, nil): Authentication successful
//   - (nil, nil): Credentials not present (not an error, try next authenticator)
//   - (nil, error): Authentication failed (presented credential rejected)
type Authenticator interface {
	// Authenticate validates credentials and returns a Principal with resolved roles and claims.
	Authenticate(ctx context.Context, req AuthRequest) (*auth.Principal, error)
}

// AuthRequest wraps HTTP request data for authenticator implementations.
type AuthRequest struct {
	// Headers contains HTTP headers (including Authorization)
	Headers http.Header

	// Cookies contains parsed cookies
	Cookies []*http.Cookie

	// Secure is true when the request arrived over HTTPS, directly or
	// through a proxy that set X-Forwarded-Proto.
	Secure bool

	// OnSessionRenewed is called when a sliding session was extended so the
	// caller can reissue the cookie. May be nil.
	OnSessionRenewed func(token string, expiresAt time.Time)
}

// NewAuthRequest builds an AuthRequest from an inbound HTTP request.
func NewAuthRequest(r *http.Request) AuthRequest {
	return AuthRequest{
		Headers: r.Header,
		Cookies: r.Cookies(),
		Secure:  auth.IsHTTPS(r),
	}
}

// cookie returns the value of the named cookie, or "".
func (r AuthRequest) cookie(name string) string {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
