package iam

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/policy"
	"github.com/identitycore/authgate/internal/repository"
)

type testEnv struct {
	svc           *iamService
	cfg           *config.Config
	clock         *fakeClock
	store         *mockIdentityStore
	sessions      *mockSessionRepository
	confirmations *mockConfirmationRepository
	email         *mockEmailSender
	tokens        *auth.TokenService
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	clock := newFakeClock()
	policies := policy.NewSet()
	require.NoError(t, policy.RegisterDefaults(policies))
	policies.Seal()

	tokens, err := auth.NewTokenService(cfg.Tokens, auth.WithClock(clock.Now))
	require.NoError(t, err)

	env := &testEnv{
		cfg:           cfg,
		clock:         clock,
		store:         newMockIdentityStore(),
		sessions:      newMockSessionRepository(),
		confirmations: newMockConfirmationRepository(),
		email:         &mockEmailSender{},
		tokens:        tokens,
	}

	svc, err := newIAMService(IAMServiceDependencies{
		Store:         env.store,
		Sessions:      env.sessions,
		Confirmations: env.confirmations,
		Policies:      policies,
		Tokens:        tokens,
		Providers: []FederationProvider{
			&mockProvider{name: "Facebook"},
		},
		Email: env.email,
	}, IAMServiceConfig{Config: cfg, Now: clock.Now})
	require.NoError(t, err)
	env.svc = svc

	t.Cleanup(svc.sessions.Wait)
	return env
}

// sessionRequest builds an AuthRequest carrying the session cookie.
func (e *testEnv) sessionRequest(token string) AuthRequest {
	return AuthRequest{Cookies: cookies(e.cfg.Cookie.Name, token)}
}

// TestScenario_MemberTech covers sign-in and policy evaluation for a
// confirmed Member of the Tech department.
func TestScenario_MemberTech(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("a@x.com", "pw1", true, []string{"Member"}, map[string]string{"Department": "Tech"})
	ctx := context.Background()

	result, err := env.svc.PasswordSignIn(ctx, "a@x.com", "pw1", SessionMetadata{})
	require.NoError(t, err)
	require.NotEmpty(t, result.SessionToken)
	assert.Equal(t, auth.MethodPassword, result.Principal.Method)

	principal, err := env.svc.AuthenticateRequest(ctx, env.sessionRequest(result.SessionToken))
	require.NoError(t, err)
	assert.Equal(t, auth.MethodSession, principal.Method)
	assert.Equal(t, []string{"Member"}, principal.Roles)
	assert.Equal(t, []string{"Tech"}, principal.ClaimValues("Department"))

	assert.NoError(t, env.svc.Authorize(ctx, principal, policy.MemberDep))

	err = env.svc.Authorize(ctx, principal, policy.AdminDep)
	assert.ErrorIs(t, err, auth.ErrPolicyDenied)
}

func TestAuthorize_UnknownPolicy(t *testing.T) {
	env := newTestEnv(t)
	p := &auth.Principal{UserID: "u1", Roles: []string{"Admin"}, Claims: []auth.Claim{{Type: "Department", Value: "IT"}}}

	err := env.svc.Authorize(context.Background(), p, "NoSuchPolicy")
	assert.ErrorIs(t, err, auth.ErrUnknownPolicy)
	assert.False(t, errors.Is(err, auth.ErrPolicyDenied))
}

func TestPasswordSignIn_Failures(t *testing.T) {
	tests := []struct {
		name     string
		seed     func(s *mockIdentityStore)
		email    string
		password string
		wantErr  error
	}{
		{
			name:     "unknown user looks like wrong password",
			seed:     func(s *mockIdentityStore) {},
			email:    "nobody@x.com",
			password: "pw1",
			wantErr:  auth.ErrInvalidCredentials,
		},
		{
			name: "wrong password",
			seed: func(s *mockIdentityStore) {
				s.addUser("a@x.com", "pw1", true, nil, nil)
			},
			email:    "a@x.com",
			password: "nope1",
			wantErr:  auth.ErrInvalidCredentials,
		},
		{
			name: "unconfirmed email",
			seed: func(s *mockIdentityStore) {
				s.addUser("a@x.com", "pw1", false, nil, nil)
			},
			email:    "a@x.com",
			password: "pw1",
			wantErr:  auth.ErrEmailNotConfirmed,
		},
		{
			name: "federated-only user has no password",
			seed: func(s *mockIdentityStore) {
				s.addUser("a@x.com", "", true, nil, nil)
			},
			email:    "a@x.com",
			password: "pw1",
			wantErr:  auth.ErrInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.seed(env.store)

			result, err := env.svc.PasswordSignIn(context.Background(), tt.email, tt.password, SessionMetadata{})
			assert.Nil(t, result)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, env.sessions.sessions, "no session for a failed sign-in")
		})
	}
}

func TestPasswordSignIn_CaseInsensitiveEmail(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("a@x.com", "pw1", true, nil, nil)

	_, err := env.svc.PasswordSignIn(context.Background(), "A@X.COM", "pw1", SessionMetadata{})
	assert.NoError(t, err)
}

func TestSignOut_RevokesSession(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("a@x.com", "pw1", true, nil, nil)
	ctx := context.Background()

	result, err := env.svc.PasswordSignIn(ctx, "a@x.com", "pw1", SessionMetadata{})
	require.NoError(t, err)

	principal, err := env.svc.AuthenticateRequest(ctx, env.sessionRequest(result.SessionToken))
	require.NoError(t, err)

	require.NoError(t, env.svc.SignOut(ctx, principal))

	_, err = env.svc.AuthenticateRequest(ctx, env.sessionRequest(result.SessionToken))
	assert.ErrorIs(t, err, auth.ErrSessionExpired)

	// Bearer principals carry no session
	assert.NoError(t, env.svc.SignOut(ctx, &auth.Principal{UserID: "u1", Method: auth.MethodBearer}))
	assert.NoError(t, env.svc.SignOut(ctx, nil))
}

func TestSetPassword_RevokesSessions(t *testing.T) {
	env := newTestEnv(t)
	user := env.store.addUser("a@x.com", "pw1", true, []string{"Member"}, nil)
	ctx := context.Background()

	first, err := env.svc.PasswordSignIn(ctx, "a@x.com", "pw1", SessionMetadata{})
	require.NoError(t, err)
	second, err := env.svc.PasswordSignIn(ctx, "a@x.com", "pw1", SessionMetadata{})
	require.NoError(t, err)
	other := env.store.addUser("b@x.com", "pw1", true, nil, nil)
	kept, err := env.svc.PasswordSignIn(ctx, "b@x.com", "pw1", SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, env.svc.SetPassword(ctx, "A@x.com", "newpw2"))

	for _, token := range []string{first.SessionToken, second.SessionToken} {
		_, err = env.svc.AuthenticateRequest(ctx, env.sessionRequest(token))
		assert.ErrorIs(t, err, auth.ErrSessionExpired)
	}
	principal, err := env.svc.AuthenticateRequest(ctx, env.sessionRequest(kept.SessionToken))
	require.NoError(t, err)
	assert.Equal(t, other.ID, principal.UserID)

	_, err = env.svc.PasswordSignIn(ctx, "a@x.com", "pw1", SessionMetadata{})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	result, err := env.svc.PasswordSignIn(ctx, "a@x.com", "newpw2", SessionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, user.ID, result.Principal.UserID)
}

func TestSetPassword_Rejected(t *testing.T) {
	env := newTestEnv(t)
	user := env.store.addUser("a@x.com", "pw1", true, nil, nil)
	before := *env.store.user(user.ID).PasswordHash
	ctx := context.Background()

	assert.ErrorIs(t, env.svc.SetPassword(ctx, "a@x.com", "abcdef"), ErrPasswordRejected)
	assert.ErrorIs(t, env.svc.SetPassword(ctx, "nobody@x.com", "newpw2"), repository.ErrNotFound)
	assert.Equal(t, before, *env.store.user(user.ID).PasswordHash)
}

func TestIssueToken(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser("a@x.com", "pw1", true, []string{"Admin"}, map[string]string{"Department": "IT"})
	ctx := context.Background()

	token, expiresAt, err := env.svc.IssueToken(ctx, "a@x.com", "pw1")
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Add(time.Hour), expiresAt)

	req := AuthRequest{Headers: bearerHeader(token), Secure: true}
	principal, err := env.svc.AuthenticateRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, auth.MethodBearer, principal.Method)
	assert.Equal(t, "a@x.com", principal.Email)
	assert.NoError(t, env.svc.Authorize(ctx, principal, policy.AdminDep))

	_, _, err = env.svc.IssueToken(ctx, "a@x.com", "wrong1")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestIssueToken_Disabled(t *testing.T) {
	env := newTestEnv(t)
	env.svc.tokens = nil

	_, _, err := env.svc.IssueToken(context.Background(), "a@x.com", "pw1")
	assert.ErrorIs(t, err, ErrTokensDisabled)
}

func TestSignUp_ConfirmEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.svc.SignUp(ctx, SignUpRequest{
		Email:      "new@x.com",
		Password:   "pw1",
		Role:       "Member",
		Department: "Tech",
	})
	require.NoError(t, err)

	stored := env.store.user(user.ID)
	assert.False(t, stored.EmailConfirmed)
	assert.True(t, stored.HasPassword())

	rc, err := env.store.GetRolesAndClaims(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Member"}, rc.Roles)
	require.Len(t, rc.Claims, 1)
	assert.Equal(t, policy.DepartmentClaim, rc.Claims[0].ClaimType)
	assert.Equal(t, "Tech", rc.Claims[0].ClaimValue)

	require.Len(t, env.email.sent, 1)
	assert.Equal(t, "new@x.com", env.email.sent[0].To)
	assert.Contains(t, env.email.sent[0].Body, "http://localhost:8080/Identity/ConfirmEmail?")

	// Unconfirmed users cannot sign in yet
	_, err = env.svc.PasswordSignIn(ctx, "new@x.com", "pw1", SessionMetadata{})
	assert.ErrorIs(t, err, auth.ErrEmailNotConfirmed)

	token := env.email.confirmationToken()
	require.NotEmpty(t, token)

	assert.ErrorIs(t, env.svc.ConfirmEmail(ctx, "someone-else", token), ErrInvalidConfirmation)
	// The mismatched attempt above consumed the token
	assert.ErrorIs(t, env.svc.ConfirmEmail(ctx, user.ID, token), ErrInvalidConfirmation)
}

func TestConfirmEmail_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.svc.SignUp(ctx, SignUpRequest{Email: "new@x.com", Password: "pw1"})
	require.NoError(t, err)

	token := env.email.confirmationToken()
	require.NoError(t, env.svc.ConfirmEmail(ctx, user.ID, token))
	assert.True(t, env.store.user(user.ID).EmailConfirmed)

	_, err = env.svc.PasswordSignIn(ctx, "new@x.com", "pw1", SessionMetadata{})
	assert.NoError(t, err)

	// Single use
	assert.ErrorIs(t, env.svc.ConfirmEmail(ctx, user.ID, token), ErrInvalidConfirmation)
}

func TestConfirmEmail_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.svc.SignUp(ctx, SignUpRequest{Email: "new@x.com", Password: "pw1"})
	require.NoError(t, err)

	env.clock.Advance(ConfirmationTokenLifetime)
	assert.ErrorIs(t, env.svc.ConfirmEmail(ctx, user.ID, env.email.confirmationToken()), ErrInvalidConfirmation)
	assert.ErrorIs(t, env.svc.ConfirmEmail(ctx, user.ID, ""), ErrInvalidConfirmation)
}

func TestSignUp_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		req     SignUpRequest
		wantErr error
	}{
		{
			name:    "password without digit",
			req:     SignUpRequest{Email: "new@x.com", Password: "abcdef"},
			wantErr: ErrPasswordRejected,
		},
		{
			name:    "password too short",
			req:     SignUpRequest{Email: "new@x.com", Password: "a1"},
			wantErr: ErrPasswordRejected,
		},
		{
			name:    "bad email",
			req:     SignUpRequest{Email: "not-an-email", Password: "pw1"},
			wantErr: ErrInvalidEmail,
		},
		{
			name:    "duplicate email",
			req:     SignUpRequest{Email: "A@x.com", Password: "pw1"},
			wantErr: ErrEmailTaken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.store.addUser("a@x.com", "pw1", true, nil, nil)

			_, err := env.svc.SignUp(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSignUp_GrantFailureLeavesNoUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	storeErr := errors.New("constraint failed")
	env.store.failGrants = storeErr

	req := SignUpRequest{Email: "new@x.com", Password: "pw1", Role: "Member", Department: "Tech"}
	_, err := env.svc.SignUp(ctx, req)
	require.ErrorIs(t, err, storeErr)

	assert.Zero(t, env.store.userCount())
	assert.Empty(t, env.email.sent)
	_, err = env.store.FindByEmail(ctx, "new@x.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// The address is still free for a retry
	user, err := env.svc.SignUp(ctx, req)
	require.NoError(t, err)
	rc, err := env.store.GetRolesAndClaims(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Member"}, rc.Roles)
	assert.Len(t, env.email.sent, 1)
}

func TestProviders(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, []string{"facebook"}, env.svc.Providers())

	p, err := env.svc.Provider("facebook")
	require.NoError(t, err)
	assert.Equal(t, "Facebook", p.Name())

	_, err = env.svc.Provider("twitter")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestNewIAMService_RequiresDependencies(t *testing.T) {
	_, err := NewIAMService(IAMServiceDependencies{}, IAMServiceConfig{Config: testConfig()})
	assert.Error(t, err)

	_, err = NewIAMService(IAMServiceDependencies{
		Store:         newMockIdentityStore(),
		Sessions:      newMockSessionRepository(),
		Confirmations: newMockConfirmationRepository(),
		Policies:      policy.NewSet(),
		Providers:     []FederationProvider{&mockProvider{name: "a"}, &mockProvider{name: "A"}},
	}, IAMServiceConfig{Config: testConfig()})
	assert.ErrorContains(t, err, "duplicate external login provider")
}
