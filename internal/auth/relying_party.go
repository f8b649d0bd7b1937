package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/zitadel/oidc/v3/pkg/client/rp"
	httphelper "github.com/zitadel/oidc/v3/pkg/http"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"

	"github.com/identitycore/authgate/internal/config"
)

const (
	// FacebookProviderName is the provider key used in routes and external_logins.
	FacebookProviderName = "facebook"

	stateCookieName = "state"

	defaultGraphURL = "https://graph.facebook.com/me?fields=id,name,email"
)

// ErrHandshakeFailed is returned when the provider callback cannot be verified.
var ErrHandshakeFailed = errors.New("external login handshake failed")

// ExternalIdentity is the verified identity returned by a provider exchange.
type ExternalIdentity struct {
	ProviderName   string
	ProviderUserID string
	Email          string
	Name           string
	// EmailVerified is true when the provider vouches for Email.
	EmailVerified bool
}

// CookieKeys builds the zitadel cookie handler used for the handshake state
// cookie. Random keys are generated when none are configured, which
// invalidates in-flight handshakes on restart.
func CookieKeys(cfg config.CookieConfig) (*httphelper.CookieHandler, error) {
	hashKey := []byte(cfg.HashKey)
	blockKey := []byte(cfg.BlockKey)

	var err error
	if len(hashKey) == 0 {
		if hashKey, err = generateRandomBytes(32); err != nil {
			return nil, fmt.Errorf("failed to generate cookie hash key: %w", err)
		}
	}
	if len(blockKey) == 0 {
		if blockKey, err = generateRandomBytes(32); err != nil {
			return nil, fmt.Errorf("failed to generate cookie block key: %w", err)
		}
	}

	var opts []httphelper.CookieHandlerOpt
	if !cfg.Secure {
		opts = append(opts, httphelper.WithUnsecure())
	}
	return httphelper.NewCookieHandler(hashKey, blockKey, opts...), nil
}

// FacebookProvider performs the OAuth 2.0 handshake against Facebook and
// reads the user's profile from the Graph API.
type FacebookProvider struct {
	rp       rp.RelyingParty
	graphURL string
}

// FacebookOption customises a FacebookProvider.
type FacebookOption func(*facebookOptions)

type facebookOptions struct {
	endpoint oauth2.Endpoint
	graphURL string
}

// WithFacebookEndpoints overrides the OAuth and Graph endpoints.
func WithFacebookEndpoints(endpoint oauth2.Endpoint, graphURL string) FacebookOption {
	return func(o *facebookOptions) {
		o.endpoint = endpoint
		o.graphURL = graphURL
	}
}

// NewFacebookProvider creates the Facebook relying party.
func NewFacebookProvider(cfg *config.FacebookConfig, redirectURI string, cookies *httphelper.CookieHandler, opts ...FacebookOption) (*FacebookProvider, error) {
	if cfg == nil {
		return nil, errors.New("facebook is not configured")
	}

	o := facebookOptions{endpoint: facebook.Endpoint, graphURL: defaultGraphURL}
	for _, opt := range opts {
		opt(&o)
	}

	oauthConfig := &oauth2.Config{
		ClientID:     cfg.AppID,
		ClientSecret: cfg.AppSecret,
		RedirectURL:  redirectURI,
		Scopes:       []string{"email", "public_profile"},
		Endpoint:     o.endpoint,
	}

	relyingParty, err := rp.NewRelyingPartyOAuth(oauthConfig, rp.WithCookieHandler(cookies))
	if err != nil {
		return nil, fmt.Errorf("failed to create facebook relying party: %w", err)
	}

	return &FacebookProvider{rp: relyingParty, graphURL: o.graphURL}, nil
}

// Name returns the provider key.
func (p *FacebookProvider) Name() string { return FacebookProviderName }

// BeginHandshake redirects the browser to the Facebook consent page.
func (p *FacebookProvider) BeginHandshake(w http.ResponseWriter, r *http.Request) {
	rp.AuthURLHandler(uuid.NewString, p.rp)(w, r)
}

// Exchange verifies the callback state, redeems the code and fetches the profile.
func (p *FacebookProvider) Exchange(w http.ResponseWriter, r *http.Request) (*ExternalIdentity, error) {
	tokens, err := exchangeCode[*oidc.IDTokenClaims](w, r, p.rp)
	if err != nil {
		return nil, err
	}

	client := p.rp.OAuthConfig().Client(r.Context(), tokens.Token)
	profile, err := fetchGraphProfile(r.Context(), client, p.graphURL)
	if err != nil {
		return nil, err
	}

	return &ExternalIdentity{
		ProviderName:   FacebookProviderName,
		ProviderUserID: profile.ID,
		Email:          profile.Email,
		Name:           profile.Name,
		// Facebook only returns confirmed addresses.
		EmailVerified: profile.Email != "",
	}, nil
}

type graphProfile struct {
	ID    string `mapstructure:"id"`
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`
}

func fetchGraphProfile(ctx context.Context, client *http.Client, url string) (*graphProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build graph request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: graph request: %v", ErrHandshakeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: graph status %d", ErrHandshakeFailed, resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode graph profile: %v", ErrHandshakeFailed, err)
	}

	var profile graphProfile
	if err := mapstructure.Decode(raw, &profile); err != nil {
		return nil, fmt.Errorf("%w: decode graph profile: %v", ErrHandshakeFailed, err)
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("%w: graph profile has no id", ErrHandshakeFailed)
	}
	return &profile, nil
}

// OIDCProvider signs users in against a generic OpenID Connect issuer.
type OIDCProvider struct {
	name       string
	rp         rp.RelyingParty
	trustEmail bool
}

// NewOIDCProvider performs discovery against the issuer and creates the relying party.
func NewOIDCProvider(ctx context.Context, cfg *config.OIDCConfig, redirectURI string, cookies *httphelper.CookieHandler) (*OIDCProvider, error) {
	if cfg == nil {
		return nil, errors.New("oidc provider is not configured")
	}

	options := []rp.Option{
		rp.WithCookieHandler(cookies),
		rp.WithVerifierOpts(rp.WithIssuedAtMaxAge(10 * time.Second)),
	}

	relyingParty, err := rp.NewRelyingPartyOIDC(ctx, cfg.Issuer, cfg.ClientID, cfg.ClientSecret, redirectURI,
		cfg.Scopes, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC relying party: %w", err)
	}

	return &OIDCProvider{name: cfg.Name, rp: relyingParty, trustEmail: cfg.TrustEmail}, nil
}

// Name returns the provider key.
func (p *OIDCProvider) Name() string { return p.name }

// BeginHandshake redirects the browser to the issuer's authorization endpoint.
func (p *OIDCProvider) BeginHandshake(w http.ResponseWriter, r *http.Request) {
	rp.AuthURLHandler(uuid.NewString, p.rp)(w, r)
}

// Exchange verifies the callback, redeems the code and maps the ID token claims.
func (p *OIDCProvider) Exchange(w http.ResponseWriter, r *http.Request) (*ExternalIdentity, error) {
	tokens, err := exchangeCode[*oidc.IDTokenClaims](w, r, p.rp)
	if err != nil {
		return nil, err
	}
	claims := tokens.IDTokenClaims
	if claims == nil || claims.Subject == "" {
		return nil, fmt.Errorf("%w: id token has no subject", ErrHandshakeFailed)
	}

	identity := &ExternalIdentity{
		ProviderName:   p.name,
		ProviderUserID: claims.Subject,
		Email:          claims.Email,
		Name:           claims.Name,
		EmailVerified:  p.trustEmail && bool(claims.EmailVerified),
	}

	// Some issuers keep the email out of the ID token.
	if identity.Email == "" {
		info, err := rp.Userinfo[*oidc.UserInfo](r.Context(), tokens.AccessToken, tokens.TokenType, claims.Subject, p.rp)
		if err == nil && info != nil {
			identity.Email = info.Email
			identity.EmailVerified = p.trustEmail && bool(info.EmailVerified)
		}
	}
	return identity, nil
}

// exchangeCode checks the state cookie set by AuthURLHandler, clears it and
// redeems the authorization code.
func exchangeCode[C oidc.IDClaims](w http.ResponseWriter, r *http.Request, relyingParty rp.RelyingParty) (*oidc.Tokens[C], error) {
	if errParam := r.FormValue("error"); errParam != "" {
		return nil, fmt.Errorf("%w: provider returned %s", ErrHandshakeFailed, errParam)
	}

	if _, err := relyingParty.CookieHandler().CheckQueryCookie(r, stateCookieName); err != nil {
		return nil, fmt.Errorf("%w: state mismatch: %v", ErrHandshakeFailed, err)
	}
	relyingParty.CookieHandler().DeleteCookie(w, stateCookieName)

	code := r.FormValue("code")
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", ErrHandshakeFailed)
	}

	tokens, err := rp.CodeExchange[C](r.Context(), code, relyingParty)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange: %v", ErrHandshakeFailed, err)
	}
	return tokens, nil
}

// generateRandomBytes creates a slice of random bytes of a specified size.
func generateRandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	_, err := io.ReadFull(rand.Reader, b)
	if err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}
