package server

import (
	"context"
	"time"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/db/models"
	"github.com/identitycore/authgate/internal/services/iam"
)

// gatewayService defines the exact IAM methods used by server handlers.
// This interface provides compile-time proof that iam.Service satisfies
// all requirements without the server reaching into repositories.
type gatewayService interface {
	// Request path (used by the middleware chain)
	AuthenticateRequest(ctx context.Context, req iam.AuthRequest) (*auth.Principal, error)
	Authorize(ctx context.Context, principal *auth.Principal, policyName string) error

	// Interactive sign-in
	PasswordSignIn(ctx context.Context, email, password string, meta iam.SessionMetadata) (*iam.SignInResult, error)
	ExternalSignIn(ctx context.Context, identity *auth.ExternalIdentity, meta iam.SessionMetadata) (*iam.SignInResult, error)
	SignOut(ctx context.Context, principal *auth.Principal) error
	Provider(name string) (iam.FederationProvider, error)
	Providers() []string

	// Account lifecycle
	SignUp(ctx context.Context, req iam.SignUpRequest) (*models.User, error)
	ConfirmEmail(ctx context.Context, userID, token string) error

	// Bearer tokens
	IssueToken(ctx context.Context, email, password string) (string, time.Time, error)
}

// Compile-time assertion: iam.Service must implement gatewayService.
var _ gatewayService = (iam.Service)(nil)
