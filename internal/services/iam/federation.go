package iam

import (
	"net/http"

	"github.com/identitycore/authgate/internal/auth"
)

// FederationProvider is an external identity provider. The OAuth/OIDC
// protocol lives behind this interface; the gateway only sees the verified
// identity returned by Exchange.
//
// Implementations: auth.FacebookProvider, auth.OIDCProvider.
type FederationProvider interface {
	// Name is the provider key used in routes and stored on external logins.
	Name() string

	// BeginHandshake redirects the browser to the provider. The handshake
	// state is kept in a short-lived cookie.
	BeginHandshake(w http.ResponseWriter, r *http.Request)

	// Exchange handles the provider callback: verifies state, redeems the
	// authorization code and returns the verified external identity.
	Exchange(w http.ResponseWriter, r *http.Request) (*auth.ExternalIdentity, error)
}

var (
	_ FederationProvider = (*auth.FacebookProvider)(nil)
	_ FederationProvider = (*auth.OIDCProvider)(nil)
)
