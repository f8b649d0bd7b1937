package iam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/db/models"
	"github.com/identitycore/authgate/internal/logging"
	"github.com/identitycore/authgate/internal/policy"
	"github.com/identitycore/authgate/internal/repository"
	"github.com/identitycore/authgate/internal/telemetry"
)

// iamService implements the Service interface.
//
// It coordinates the identity store, the credential validator, the session
// manager, the token service and the sealed policy set.
type iamService struct {
	store         repository.IdentityStore
	confirmations repository.EmailConfirmationRepository

	credentials *CredentialValidator
	sessions    *SessionManager
	claims      *ClaimsCache
	tokens      *auth.TokenService // nil when bearer tokens are disabled
	policies    *policy.Set
	providers   map[string]FederationProvider
	email       EmailSender

	// Authenticators in priority order
	authenticators []Authenticator

	cfg     *config.Config
	now     func() time.Time
	metrics *telemetry.AuthMetrics
	logger  *slog.Logger
}

// IAMServiceDependencies contains all dependencies for IAM service construction.
type IAMServiceDependencies struct {
	Store         repository.IdentityStore
	Sessions      repository.SessionRepository
	Confirmations repository.EmailConfirmationRepository

	// Policies must be sealed before serving.
	Policies *policy.Set

	// Tokens is optional; nil disables bearer authentication and IssueToken.
	Tokens *auth.TokenService

	Providers []FederationProvider
	Email     EmailSender

	Metrics *telemetry.AuthMetrics // optional
	Logger  *slog.Logger           // optional
}

// IAMServiceConfig contains configuration for IAM service construction.
// Separated from dependencies to clearly distinguish config from runtime dependencies.
type IAMServiceConfig struct {
	Config *config.Config

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// NewIAMService creates the gateway with all dependencies.
func NewIAMService(deps IAMServiceDependencies, cfg IAMServiceConfig) (Service, error) {
	svc, err := newIAMService(deps, cfg)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func newIAMService(deps IAMServiceDependencies, cfg IAMServiceConfig) (*iamService, error) {
	if cfg.Config == nil {
		return nil, errors.New("iam: config is required")
	}
	if deps.Store == nil || deps.Sessions == nil || deps.Confirmations == nil {
		return nil, errors.New("iam: identity store, session and confirmation repositories are required")
	}
	if deps.Policies == nil {
		return nil, errors.New("iam: policy set is required")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.OrDiscard(deps.Logger)

	providers := make(map[string]FederationProvider, len(deps.Providers))
	for _, p := range deps.Providers {
		key := strings.ToLower(p.Name())
		if _, dup := providers[key]; dup {
			return nil, fmt.Errorf("iam: duplicate external login provider %q", p.Name())
		}
		providers[key] = p
	}

	claims := NewClaimsCache(deps.Store, cfg.Config.ClaimsCache)
	svc := &iamService{
		store:         deps.Store,
		confirmations: deps.Confirmations,
		credentials:   NewCredentialValidator(deps.Store, cfg.Config, now, logger),
		sessions:      NewSessionManager(deps.Sessions, deps.Store, claims, cfg.Config, now, logger),
		claims:        claims,
		tokens:        deps.Tokens,
		policies:      deps.Policies,
		providers:     providers,
		email:         deps.Email,
		cfg:           cfg.Config,
		now:           now,
		metrics:       deps.Metrics,
		logger:        logger,
	}
	svc.authenticators = initializeAuthenticators(cfg.Config, svc)

	return svc, nil
}

// initializeAuthenticators creates and registers authenticators.
//
// Authenticator priority:
//  1. SessionAuthenticator (checks the session cookie)
//  2. BearerAuthenticator (checks Authorization: Bearer header), only when tokens are configured
func initializeAuthenticators(cfg *config.Config, svc *iamService) []Authenticator {
	authenticators := []Authenticator{
		NewSessionAuthenticator(cfg.Cookie.Name, svc.sessions),
	}
	if svc.tokens != nil {
		authenticators = append(authenticators, NewBearerAuthenticator(svc.tokens, cfg.Tokens.RequireHTTPS))
	}
	return authenticators
}

// Wait drains the session manager's asynchronous last-used updates.
func (s *iamService) Wait() {
	s.sessions.Wait()
}

// AuthenticateRequest tries each authenticator in sequence.
//
// Algorithm:
//   - If authenticator returns (nil, nil): no credentials, try next
//   - If authenticator returns (nil, error): remember the first failure, try next
//   - If authenticator returns (principal, nil): success, stop and return principal
//   - After the list: the first failure, or auth.ErrNoCredential
func (s *iamService) AuthenticateRequest(ctx context.Context, req AuthRequest) (*auth.Principal, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIAM, "iam.AuthenticateRequest",
		attribute.Int("authenticator_count", len(s.authenticators)),
	)
	defer span.End()
	start := time.Now()

	var firstErr error
	for i, authenticator := range s.authenticators {
		principal, err := authenticator.Authenticate(ctx, req)
		if err != nil {
			telemetry.AddEvent(span, "authentication.failed",
				attribute.Int("authenticator_index", i),
				attribute.String("code", auth.PublicCode(err)),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if principal != nil {
			span.SetAttributes(
				attribute.String(telemetry.AttrPrincipalID, principal.UserID),
				attribute.String(telemetry.AttrPrincipalMethod, string(principal.Method)),
				attribute.Int("authenticator_index", i),
			)
			telemetry.AddEvent(span, "authentication.succeeded")
			s.metrics.RecordAuth(ctx, string(principal.Method), true, sinceMs(start))
			return principal, nil
		}
		// principal == nil && err == nil: no credentials for this authenticator, try next
	}

	if firstErr != nil {
		telemetry.RecordError(span, firstErr)
		s.metrics.RecordAuth(ctx, "request", false, sinceMs(start))
		return nil, firstErr
	}

	telemetry.AddEvent(span, "authentication.no_credentials")
	return nil, auth.ErrNoCredential
}

// Authorize evaluates a named policy. Evaluation is pure: it reads the
// principal and the sealed policy set only.
func (s *iamService) Authorize(ctx context.Context, principal *auth.Principal, policyName string) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIAM, "iam.Authorize",
		attribute.String(telemetry.AttrPolicyName, policyName),
	)
	defer span.End()

	allowed, err := s.policies.Evaluate(policyName, principal)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	span.SetAttributes(attribute.Bool(telemetry.AttrPolicyAllowed, allowed))
	s.metrics.RecordPolicyDecision(ctx, policyName, allowed)
	if !allowed {
		return fmt.Errorf("%w: policy %q", auth.ErrPolicyDenied, policyName)
	}
	return nil
}

// PasswordSignIn validates local credentials and creates a session.
func (s *iamService) PasswordSignIn(ctx context.Context, email, password string, meta SessionMetadata) (*SignInResult, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIAM, "iam.PasswordSignIn",
		attribute.String(telemetry.AttrAuthMethod, string(auth.MethodPassword)),
	)
	defer span.End()
	start := time.Now()

	principal, err := s.validatePassword(ctx, email, password, auth.MethodPassword)
	if err != nil {
		s.recordSignInFailure(ctx, span, auth.MethodPassword, err, start)
		return nil, err
	}

	result, err := s.startSession(ctx, principal, meta)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String(telemetry.AttrPrincipalID, principal.UserID))
	s.metrics.RecordAuth(ctx, string(auth.MethodPassword), true, sinceMs(start))
	s.logger.Info("password sign-in", "user_id", principal.UserID)
	return result, nil
}

// ExternalSignIn resolves the local user for a verified external identity.
//
// Resolution order:
//  1. An existing (provider, provider_user_id) link
//  2. A user with the same email, linked now when the provider verified the email
//  3. A new user without a password, linked now; its email is confirmed when
//     the provider verified it
//
// The resolved user must then pass the same lockout and email confirmation
// checks as a local sign-in.
func (s *iamService) ExternalSignIn(ctx context.Context, identity *auth.ExternalIdentity, meta SessionMetadata) (*SignInResult, error) {
	if identity == nil {
		return nil, fmt.Errorf("%w: missing external identity", auth.ErrInvalidCredentials)
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIAM, "iam.ExternalSignIn",
		attribute.String(telemetry.AttrAuthMethod, string(auth.MethodFederated)),
		attribute.String(telemetry.AttrProvider, identity.ProviderName),
	)
	defer span.End()
	start := time.Now()

	user, err := s.resolveExternalUser(ctx, identity)
	if err == nil {
		err = s.credentials.CanSignIn(user)
	}
	if err != nil {
		s.recordSignInFailure(ctx, span, auth.MethodFederated, err, start)
		return nil, err
	}

	rc, err := s.rolesAndClaims(ctx, user.ID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	principal := NewPrincipal(user, rc, auth.MethodFederated)
	principal.Provider = identity.ProviderName

	result, err := s.startSession(ctx, principal, meta)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String(telemetry.AttrPrincipalID, principal.UserID))
	s.metrics.RecordAuth(ctx, string(auth.MethodFederated), true, sinceMs(start))
	s.logger.Info("external sign-in", "user_id", principal.UserID, "provider", identity.ProviderName)
	return result, nil
}

func (s *iamService) resolveExternalUser(ctx context.Context, identity *auth.ExternalIdentity) (*models.User, error) {
	if identity.ProviderName == "" || identity.ProviderUserID == "" {
		return nil, fmt.Errorf("%w: incomplete external identity", auth.ErrInvalidCredentials)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	user, err := s.store.FindByExternalLogin(ctx, identity.ProviderName, identity.ProviderUserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup external login: %w", err)
	}

	if identity.Email == "" {
		return nil, fmt.Errorf("%w: provider %s returned no email", auth.ErrInvalidCredentials, identity.ProviderName)
	}

	created := false
	user, err = s.store.FindByEmail(ctx, identity.Email)
	switch {
	case err == nil:
		if !identity.EmailVerified {
			return nil, fmt.Errorf("%w: unverified provider email matches an existing account", auth.ErrInvalidCredentials)
		}
	case errors.Is(err, repository.ErrNotFound):
		user = &models.User{
			Email:          identity.Email,
			EmailConfirmed: identity.EmailVerified,
			LockoutEnabled: true,
		}
		if err := s.store.CreateUser(ctx, user); err != nil {
			return nil, fmt.Errorf("create external user: %w", err)
		}
		created = true
		s.logger.Info("created user from external login", "user_id", user.ID, "provider", identity.ProviderName)
	default:
		return nil, fmt.Errorf("lookup user by email: %w", err)
	}

	if err := s.store.LinkExternalIdentity(ctx, &models.ExternalLogin{
		Provider:       identity.ProviderName,
		ProviderUserID: identity.ProviderUserID,
		UserID:         user.ID,
		Email:          identity.Email,
	}); err != nil {
		return nil, fmt.Errorf("link external login: %w", err)
	}

	if created && !user.EmailConfirmed {
		if err := s.sendConfirmation(ctx, user); err != nil {
			s.logger.Error("failed to send confirmation email", "user_id", user.ID, "error", err)
		}
	}
	return user, nil
}

// SignOut revokes the principal's session. Bearer principals have no
// server-side state and sign-out is a no-op for them.
func (s *iamService) SignOut(ctx context.Context, principal *auth.Principal) error {
	if principal == nil || principal.SessionID == "" {
		return nil
	}
	if err := s.sessions.Revoke(ctx, principal.SessionID); err != nil {
		return err
	}
	s.claims.Invalidate(principal.UserID)
	return nil
}

// Provider returns the configured federation provider by name.
func (s *iamService) Provider(name string) (FederationProvider, error) {
	p, ok := s.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Providers lists configured federation provider names.
func (s *iamService) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SignUp creates a local user and sends a confirmation link.
func (s *iamService) SignUp(ctx context.Context, req SignUpRequest) (*models.User, error) {
	email := strings.TrimSpace(req.Email)
	if err := auth.ValidateEmail(email); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEmail, err)
	}
	if err := auth.ValidatePassword(s.cfg.Password, req.Password); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPasswordRejected, err)
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	user := &models.User{
		Email:          email,
		PasswordHash:   &hash,
		LockoutEnabled: true,
	}
	var grants repository.RolesAndClaims
	if role := strings.TrimSpace(req.Role); role != "" {
		grants.Roles = append(grants.Roles, role)
	}
	if dep := strings.TrimSpace(req.Department); dep != "" {
		grants.Claims = append(grants.Claims, models.UserClaim{ClaimType: policy.DepartmentClaim, ClaimValue: dep})
	}
	if err := s.store.CreateUserWithGrants(ctx, user, grants); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	if err := s.sendConfirmation(ctx, user); err != nil {
		// The account exists; the operator CLI can confirm it.
		s.logger.Error("failed to send confirmation email", "user_id", user.ID, "error", err)
	}

	s.logger.Info("user signed up", "user_id", user.ID, "role", req.Role)
	return user, nil
}

func (s *iamService) sendConfirmation(ctx context.Context, user *models.User) error {
	token, tokenHash, err := auth.GenerateSessionToken()
	if err != nil {
		return err
	}

	if err := s.confirmations.Create(ctx, &models.EmailConfirmation{
		UserID:    user.ID,
		TokenHash: tokenHash,
		ExpiresAt: s.now().Add(ConfirmationTokenLifetime),
	}); err != nil {
		return fmt.Errorf("store confirmation token: %w", err)
	}

	if s.email == nil {
		return errors.New("no email sender configured")
	}

	link := s.confirmationLink(user.ID, token)
	body := fmt.Sprintf("Please confirm your email address by opening this link:\n\n%s\n\nThe link expires in %s.\n",
		link, ConfirmationTokenLifetime)
	return s.email.Send(ctx, user.Email, "Confirm your email", body)
}

func (s *iamService) confirmationLink(userID, token string) string {
	q := url.Values{}
	q.Set("userId", userID)
	q.Set("token", token)
	return s.cfg.ServerURL + "/Identity/ConfirmEmail?" + q.Encode()
}

// ConfirmEmail consumes a confirmation token. The token must belong to userID.
func (s *iamService) ConfirmEmail(ctx context.Context, userID, token string) error {
	if userID == "" || token == "" {
		return ErrInvalidConfirmation
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	confirmation, err := s.confirmations.Consume(ctx, auth.HashToken(token), s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidConfirmation
		}
		return fmt.Errorf("consume confirmation token: %w", err)
	}
	if confirmation.UserID != userID {
		return ErrInvalidConfirmation
	}

	if err := s.store.ConfirmEmail(ctx, userID); err != nil {
		return fmt.Errorf("confirm email: %w", err)
	}
	s.logger.Info("email confirmed", "user_id", userID)
	return nil
}

// SetPassword validates and hashes password, stores it for the user and
// signs the user out everywhere.
func (s *iamService) SetPassword(ctx context.Context, email, password string) error {
	if err := auth.ValidatePassword(s.cfg.Password, password); err != nil {
		return fmt.Errorf("%w: %w", ErrPasswordRejected, err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("find user: %w", err)
	}
	if err := s.store.SetPasswordHash(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	if err := s.sessions.RevokeAll(ctx, user.ID); err != nil {
		return err
	}
	s.claims.Invalidate(user.ID)

	s.logger.Info("password changed", "user_id", user.ID)
	return nil
}

// IssueToken validates local credentials and signs a bearer token carrying
// the user's roles and claims.
func (s *iamService) IssueToken(ctx context.Context, email, password string) (string, time.Time, error) {
	if s.tokens == nil {
		return "", time.Time{}, ErrTokensDisabled
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerIAM, "iam.IssueToken")
	defer span.End()
	start := time.Now()

	principal, err := s.validatePassword(ctx, email, password, auth.MethodBearer)
	if err != nil {
		s.recordSignInFailure(ctx, span, auth.MethodBearer, err, start)
		return "", time.Time{}, err
	}

	token, expiresAt, err := s.tokens.Issue(principal)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", time.Time{}, err
	}
	s.metrics.RecordAuth(ctx, "token", true, sinceMs(start))
	return token, expiresAt, nil
}

func (s *iamService) validatePassword(ctx context.Context, email, password string, method auth.AuthMethod) (*auth.Principal, error) {
	user, err := s.credentials.Validate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	rc, err := s.rolesAndClaims(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return NewPrincipal(user, rc, method), nil
}

// rolesAndClaims reads fresh roles and claims for an interactive sign-in and
// primes the cache for the session requests that follow.
func (s *iamService) rolesAndClaims(ctx context.Context, userID string) (*repository.RolesAndClaims, error) {
	s.claims.Invalidate(userID)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.claims.Get(ctx, userID)
}

func (s *iamService) startSession(ctx context.Context, principal *auth.Principal, meta SessionMetadata) (*SignInResult, error) {
	token, expiresAt, err := s.sessions.Issue(ctx, principal, meta)
	if err != nil {
		return nil, err
	}
	return &SignInResult{Principal: principal, SessionToken: token, ExpiresAt: expiresAt}, nil
}

func (s *iamService) recordSignInFailure(ctx context.Context, span trace.Span, method auth.AuthMethod, err error, start time.Time) {
	code := auth.PublicCode(err)
	telemetry.AddEvent(span, "signin.failed", attribute.String("code", code))
	if errors.Is(err, auth.ErrLockedOut) {
		s.metrics.RecordLockout(ctx)
	}
	s.metrics.RecordAuth(ctx, string(method), false, sinceMs(start))
	s.logger.Info("sign-in failed", "method", method, "code", code)
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
