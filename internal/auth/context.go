package auth

import (
	"context"
	"slices"
	"strings"
)

// AuthMethod records how a Principal was authenticated.
type AuthMethod string

const (
	// MethodSession is a principal restored from a session cookie.
	MethodSession AuthMethod = "session"
	// MethodBearer is a principal restored from a JWT bearer token.
	MethodBearer AuthMethod = "bearer"
	// MethodFederated is a principal produced by an external identity provider sign-in.
	MethodFederated AuthMethod = "federated"
	// MethodPassword is a principal produced by a local password sign-in.
	MethodPassword AuthMethod = "password"
)

// Claim is a single (type, value) pair attached to a user.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Principal is the request-scoped result of a successful authentication.
// Treat it as read-only once built; policy evaluation never mutates it.
type Principal struct {
	// UserID references users.id.
	UserID string
	// Email of the user when known.
	Email string
	// Roles assigned to the user, compared case-sensitively.
	Roles []string
	// Claims assigned to the user. Claim types compare case-insensitively,
	// values case-sensitively.
	Claims []Claim
	// Method is how this request was authenticated.
	Method AuthMethod
	// SessionID references sessions.id for cookie-based principals.
	SessionID string
	// Provider names the external identity provider for federated sign-ins.
	Provider string
}

// HasRole reports whether the principal holds role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Roles, role)
}

// ClaimValues returns every value of claims with the given type.
func (p *Principal) ClaimValues(claimType string) []string {
	if p == nil {
		return nil
	}
	var values []string
	for _, c := range p.Claims {
		if strings.EqualFold(c.Type, claimType) {
			values = append(values, c.Value)
		}
	}
	return values
}

// HasClaim reports whether the principal has a claim of claimType whose value
// is one of allowed. With no allowed values any claim of that type matches.
func (p *Principal) HasClaim(claimType string, allowed ...string) bool {
	for _, v := range p.ClaimValues(claimType) {
		if len(allowed) == 0 || slices.Contains(allowed, v) {
			return true
		}
	}
	return false
}

// ClaimMap groups claim values by type, preserving order.
func (p *Principal) ClaimMap() map[string][]string {
	out := make(map[string][]string)
	if p == nil {
		return out
	}
	for _, c := range p.Claims {
		out[c.Type] = append(out[c.Type], c.Value)
	}
	return out
}

type principalContextKey struct{}

// WithPrincipal stores the authenticated principal on the context for downstream consumers.
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext retrieves the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	return principal, ok && principal != nil
}

type authErrorContextKey struct{}

// WithAuthError records why authentication failed so that a later
// authorization step can answer with the right outcome.
func WithAuthError(ctx context.Context, err error) context.Context {
	return context.WithValue(ctx, authErrorContextKey{}, err)
}

// AuthErrorFromContext returns the authentication failure recorded on ctx, if any.
func AuthErrorFromContext(ctx context.Context) error {
	err, _ := ctx.Value(authErrorContextKey{}).(error)
	return err
}
