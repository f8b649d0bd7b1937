package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/db/models"
	"github.com/identitycore/authgate/internal/policy"
	"github.com/identitycore/authgate/internal/services/iam"
)

const (
	testCookieName  = "authgate.session"
	testBearerToken = "good-bearer-token"
)

var testExpiry = time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)

// mockGateway is a hand-written gatewayService. Sessions and the bearer
// token are looked up in maps; policies are evaluated by a real sealed set.
type mockGateway struct {
	mu sync.Mutex

	sessions map[string]*auth.Principal // session token → principal
	bearer   *auth.Principal
	policies *policy.Set

	signInResult *iam.SignInResult
	signInErr    error
	signInEmail  string
	signInMeta   iam.SessionMetadata

	externalResult   *iam.SignInResult
	externalErr      error
	externalIdentity *auth.ExternalIdentity

	signUpUser *models.User
	signUpErr  error
	signUpReq  iam.SignUpRequest

	confirmErr    error
	confirmUserID string
	confirmToken  string

	token    string
	tokenErr error

	providers map[string]iam.FederationProvider
	signedOut []*auth.Principal
}

func newMockGateway(t *testing.T) *mockGateway {
	t.Helper()
	set := policy.NewSet()
	require.NoError(t, policy.RegisterDefaults(set))
	set.Seal()
	return &mockGateway{
		sessions:  map[string]*auth.Principal{},
		policies:  set,
		providers: map[string]iam.FederationProvider{},
	}
}

func (m *mockGateway) AuthenticateRequest(_ context.Context, req iam.AuthRequest) (*auth.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range req.Cookies {
		if c.Name != testCookieName {
			continue
		}
		if p, ok := m.sessions[c.Value]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("unknown session: %w", auth.ErrSessionExpired)
	}
	if h := req.Headers.Get("Authorization"); h != "" {
		if h == "Bearer "+testBearerToken && m.bearer != nil {
			return m.bearer, nil
		}
		return nil, fmt.Errorf("bearer: %w", auth.ErrInvalidToken)
	}
	return nil, auth.ErrNoCredential
}

func (m *mockGateway) Authorize(_ context.Context, principal *auth.Principal, policyName string) error {
	allowed, err := m.policies.Evaluate(policyName, principal)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("policy %q: %w", policyName, auth.ErrPolicyDenied)
	}
	return nil
}

func (m *mockGateway) PasswordSignIn(_ context.Context, email, _ string, meta iam.SessionMetadata) (*iam.SignInResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signInEmail = email
	m.signInMeta = meta
	return m.signInResult, m.signInErr
}

func (m *mockGateway) ExternalSignIn(_ context.Context, identity *auth.ExternalIdentity, _ iam.SessionMetadata) (*iam.SignInResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.externalIdentity = identity
	return m.externalResult, m.externalErr
}

func (m *mockGateway) SignOut(_ context.Context, principal *auth.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signedOut = append(m.signedOut, principal)
	for token, p := range m.sessions {
		if p == principal {
			delete(m.sessions, token)
		}
	}
	return nil
}

func (m *mockGateway) Provider(name string) (iam.FederationProvider, error) {
	p, ok := m.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", iam.ErrUnknownProvider, name)
	}
	return p, nil
}

func (m *mockGateway) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

func (m *mockGateway) SignUp(_ context.Context, req iam.SignUpRequest) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signUpReq = req
	return m.signUpUser, m.signUpErr
}

func (m *mockGateway) ConfirmEmail(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmUserID = userID
	m.confirmToken = token
	return m.confirmErr
}

func (m *mockGateway) IssueToken(_ context.Context, _, _ string) (string, time.Time, error) {
	if m.tokenErr != nil {
		return "", time.Time{}, m.tokenErr
	}
	return m.token, testExpiry, nil
}

// mockProvider is a hand-written iam.FederationProvider.
type mockProvider struct {
	name        string
	identity    *auth.ExternalIdentity
	exchangeErr error
	began       int
}

func (p *mockProvider) Name() string { return p.name }

func (p *mockProvider) BeginHandshake(w http.ResponseWriter, r *http.Request) {
	p.began++
	http.Redirect(w, r, "https://idp.example.com/authorize?state=xyz", http.StatusFound)
}

func (p *mockProvider) Exchange(_ http.ResponseWriter, _ *http.Request) (*auth.ExternalIdentity, error) {
	return p.identity, p.exchangeErr
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(viper.New())
	require.NoError(t, err)
	return cfg
}

func memberPrincipal() *auth.Principal {
	return &auth.Principal{
		UserID:    "u-member",
		Email:     "a@x.com",
		Roles:     []string{"Member"},
		Claims:    []auth.Claim{{Type: policy.DepartmentClaim, Value: "Tech"}},
		Method:    auth.MethodSession,
		SessionID: "s-1",
	}
}

func adminPrincipal() *auth.Principal {
	return &auth.Principal{
		UserID: "u-admin",
		Email:  "admin@x.com",
		Roles:  []string{"Admin"},
		Claims: []auth.Claim{{Type: policy.DepartmentClaim, Value: "IT"}},
		Method: auth.MethodBearer,
	}
}
