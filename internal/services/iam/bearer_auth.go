package iam

import (
	"context"
	"fmt"

	"github.com/identitycore/authgate/internal/auth"
)

// BearerAuthenticator authenticates requests carrying an
// "Authorization: Bearer <jwt>" header issued by the TokenService.
//
// Bearer tokens are self-contained: roles and claims are read from the token
// and the identity store is not consulted. There is no revocation list, so a
// token stays valid until it expires.
type BearerAuthenticator struct {
	tokens       *auth.TokenService
	requireHTTPS bool
}

// NewBearerAuthenticator creates a bearer authenticator. When requireHTTPS is
// set, tokens presented over plain HTTP are rejected.
func NewBearerAuthenticator(tokens *auth.TokenService, requireHTTPS bool) *BearerAuthenticator {
	return &BearerAuthenticator{
		tokens:       tokens,
		requireHTTPS: requireHTTPS,
	}
}

// Authenticate validates the bearer token.
//
// Returns:
//   - (nil, nil) if no bearer token present
//   - (nil, auth.ErrInvalidToken) for bad signatures, issuer, audience or transport
//   - (nil, auth.ErrTokenExpired) outside [iat, exp)
//   - (*Principal, nil) if authentication succeeds
func (a *BearerAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (*auth.Principal, error) {
	tokenString := auth.BearerTokenFromHeader(req.Headers)
	if tokenString == "" {
		return nil, nil
	}

	if a.requireHTTPS && !req.Secure {
		return nil, fmt.Errorf("%w: bearer token sent over plain HTTP", auth.ErrInvalidToken)
	}

	claims, err := a.tokens.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	return claims.Principal(), nil
}
