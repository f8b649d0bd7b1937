package iam

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/db/models"
)

func facebookIdentity(id, email string, verified bool) *auth.ExternalIdentity {
	return &auth.ExternalIdentity{
		ProviderName:   auth.FacebookProviderName,
		ProviderUserID: id,
		Email:          email,
		Name:           "Test User",
		EmailVerified:  verified,
	}
}

func TestExternalSignIn_CreatesAndLinksUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.ExternalSignIn(ctx, facebookIdentity("fb-1", "new@x.com", true), SessionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, auth.MethodFederated, result.Principal.Method)
	assert.Equal(t, "facebook", result.Principal.Provider)
	assert.NotEmpty(t, result.SessionToken)

	user, err := env.store.FindByExternalLogin(ctx, "facebook", "fb-1")
	require.NoError(t, err)
	assert.Equal(t, result.Principal.UserID, user.ID)
	assert.True(t, user.EmailConfirmed)
	assert.False(t, user.HasPassword())
	assert.Empty(t, env.email.sent)

	// Second sign-in reuses the link
	again, err := env.svc.ExternalSignIn(ctx, facebookIdentity("fb-1", "new@x.com", true), SessionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.Principal.UserID)
	assert.Len(t, env.store.users, 1)

	// The federated session resolves like any other
	principal, err := env.svc.AuthenticateRequest(ctx, env.sessionRequest(again.SessionToken))
	require.NoError(t, err)
	assert.Equal(t, "facebook", principal.Provider)
}

func TestExternalSignIn_LinksExistingLocalUser(t *testing.T) {
	env := newTestEnv(t)
	local := env.store.addUser("a@x.com", "pw1", true, []string{"Member"}, map[string]string{"Department": "Tech"})

	result, err := env.svc.ExternalSignIn(context.Background(), facebookIdentity("fb-2", "A@x.com", true), SessionMetadata{})
	require.NoError(t, err)
	assert.Equal(t, local.ID, result.Principal.UserID)
	assert.Equal(t, []string{"Member"}, result.Principal.Roles)
	assert.Equal(t, []string{"Tech"}, result.Principal.ClaimValues("Department"))
}

func TestExternalSignIn_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		seed     func(env *testEnv)
		identity *auth.ExternalIdentity
		wantErr  error
		// wantMailTo is the address a confirmation link goes to, if any.
		wantMailTo string
	}{
		{
			name:       "unverified email creates unconfirmed user",
			seed:       func(env *testEnv) {},
			identity:   facebookIdentity("fb-3", "new@x.com", false),
			wantErr:    auth.ErrEmailNotConfirmed,
			wantMailTo: "new@x.com",
		},
		{
			name: "unverified email matching a local account",
			seed: func(env *testEnv) {
				env.store.addUser("a@x.com", "", true, nil, nil)
			},
			identity: facebookIdentity("fb-4", "a@x.com", false),
			wantErr:  auth.ErrInvalidCredentials,
		},
		{
			name:     "no email",
			seed:     func(env *testEnv) {},
			identity: facebookIdentity("fb-5", "", true),
			wantErr:  auth.ErrInvalidCredentials,
		},
		{
			name:     "missing provider user id",
			seed:     func(env *testEnv) {},
			identity: facebookIdentity("", "new@x.com", true),
			wantErr:  auth.ErrInvalidCredentials,
		},
		{
			name: "locked out linked user",
			seed: func(env *testEnv) {
				u := env.store.addUser("a@x.com", "", true, nil, nil)
				end := env.clock.Now().Add(5 * time.Minute)
				env.store.users[u.ID].LockoutEnd = &end
				require.NoError(t, env.store.LinkExternalIdentity(context.Background(), &models.ExternalLogin{
					Provider: "facebook", ProviderUserID: "fb-6", UserID: u.ID,
				}))
			},
			identity: facebookIdentity("fb-6", "a@x.com", true),
			wantErr:  auth.ErrLockedOut,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.seed(env)

			result, err := env.svc.ExternalSignIn(context.Background(), tt.identity, SessionMetadata{})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, result)
			assert.Empty(t, env.sessions.sessions)

			if tt.wantMailTo == "" {
				assert.Empty(t, env.email.sent)
				return
			}
			require.Len(t, env.email.sent, 1)
			assert.Equal(t, tt.wantMailTo, env.email.sent[0].To)
			assert.Contains(t, env.email.sent[0].Body, "/Identity/ConfirmEmail?")
			assert.NotEmpty(t, env.email.confirmationToken())
		})
	}
}

func TestExternalSignIn_NilIdentity(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.ExternalSignIn(context.Background(), nil, SessionMetadata{})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}
