package iam

import (
	"context"
	"errors"
	"time"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/db/models"
)

var (
	// ErrTokensDisabled is returned by IssueToken when no signing key is configured.
	ErrTokensDisabled = errors.New("bearer tokens are not configured")
	// ErrUnknownProvider is returned for a federation provider name that is not configured.
	ErrUnknownProvider = errors.New("unknown external login provider")
	// ErrInvalidConfirmation is returned for an unknown, used or expired confirmation token.
	ErrInvalidConfirmation = errors.New("invalid or expired confirmation token")
	// ErrPasswordRejected wraps password acceptance rule violations.
	ErrPasswordRejected = errors.New("password does not meet requirements")
	// ErrInvalidEmail wraps email format violations.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrEmailTaken is returned by SignUp when an account already uses the email.
	ErrEmailTaken = errors.New("email address is already registered")
)

// ConfirmationTokenLifetime bounds how long an email confirmation link stays valid.
const ConfirmationTokenLifetime = 24 * time.Hour

// SignInResult is a successful interactive sign-in.
type SignInResult struct {
	Principal    *auth.Principal
	SessionToken string
	ExpiresAt    time.Time
}

// SignUpRequest is a new local account.
type SignUpRequest struct {
	Email      string
	Password   string
	Role       string
	Department string
}

// EmailSender delivers outbound mail.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Service is the authentication and policy gateway.
//
// This service centralizes:
//   - Authentication (request path - performance critical)
//   - Authorization (request path - pure policy evaluation)
//   - Interactive sign-in (password and federated) and sign-out
//   - Account lifecycle (sign-up, email confirmation)
//   - Bearer token issuance
type Service interface {
	// =========================================================================
	// Authentication (Request Path - Performance Critical)
	// =========================================================================

	// AuthenticateRequest tries the registered authenticators in order:
	//   1. SessionAuthenticator (checks cookie)
	//   2. BearerAuthenticator (checks Authorization header)
	//
	// A presented credential that fails is remembered and the next
	// authenticator is tried. The first success wins.
	//
	// Returns:
	//   - (principal, nil): Authentication successful
	//   - (nil, first failure): credentials were presented but none succeeded
	//   - (nil, auth.ErrNoCredential): nothing was presented
	AuthenticateRequest(ctx context.Context, req AuthRequest) (*auth.Principal, error)

	// =========================================================================
	// Authorization (Request Path - Read-Only)
	// =========================================================================

	// Authorize evaluates the named policy against principal.
	//
	// Returns nil when allowed, auth.ErrPolicyDenied when the policy does not
	// match, auth.ErrUnknownPolicy when no such policy is registered.
	Authorize(ctx context.Context, principal *auth.Principal, policyName string) error

	// =========================================================================
	// Interactive Sign-In
	// =========================================================================

	// PasswordSignIn validates local credentials and creates a session.
	PasswordSignIn(ctx context.Context, email, password string, meta SessionMetadata) (*SignInResult, error)

	// ExternalSignIn signs in a verified external identity, linking or
	// creating the local user, and creates a session. Lockout and email
	// confirmation rules apply as for local credentials.
	ExternalSignIn(ctx context.Context, identity *auth.ExternalIdentity, meta SessionMetadata) (*SignInResult, error)

	// SignOut revokes the principal's session, if any.
	SignOut(ctx context.Context, principal *auth.Principal) error

	// Provider returns the configured federation provider by name.
	Provider(name string) (FederationProvider, error)

	// Providers lists configured federation provider names.
	Providers() []string

	// =========================================================================
	// Account Lifecycle
	// =========================================================================

	// SignUp creates a local user with a role and a Department claim and
	// sends an email confirmation link.
	SignUp(ctx context.Context, req SignUpRequest) (*models.User, error)

	// ConfirmEmail consumes a confirmation token issued to userID.
	ConfirmEmail(ctx context.Context, userID, token string) error

	// SetPassword replaces the password of the user with email and revokes
	// every session the user holds. Bearer tokens stay valid until expiry.
	SetPassword(ctx context.Context, email, password string) error

	// =========================================================================
	// Bearer Tokens
	// =========================================================================

	// IssueToken validates local credentials and returns a signed bearer token.
	IssueToken(ctx context.Context, email, password string) (string, time.Time, error)

	// =========================================================================
	// Lifecycle
	// =========================================================================

	// Wait blocks until background session updates have finished.
	Wait()
}
