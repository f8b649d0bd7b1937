package iam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/db/models"
	"github.com/identitycore/authgate/internal/logging"
	"github.com/identitycore/authgate/internal/repository"
)

// CredentialValidator checks local email/password credentials and keeps the
// lockout counters in the identity store.
//
// Algorithm:
//  1. Find the user by normalized email. Unknown users burn a bcrypt
//     comparison and fail exactly like a wrong password.
//  2. An active lockout fails with ErrLockedOut before the password is checked.
//  3. A wrong password increments the failure counter in one SQL statement.
//     Reaching the threshold sets lockout_end and fails with ErrLockedOut.
//  4. A correct password resets the counter, then email confirmation is checked.
type CredentialValidator struct {
	store        repository.IdentityStore
	lockout      config.LockoutConfig
	requireEmail bool
	storeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewCredentialValidator creates a validator from the lockout and sign-in settings in cfg.
func NewCredentialValidator(store repository.IdentityStore, cfg *config.Config, now func() time.Time, logger *slog.Logger) *CredentialValidator {
	if now == nil {
		now = time.Now
	}
	return &CredentialValidator{
		store:        store,
		lockout:      cfg.Lockout,
		requireEmail: cfg.SignIn.RequireConfirmedEmail,
		storeTimeout: cfg.StoreTimeout,
		now:          now,
		logger:       logging.OrDiscard(logger),
	}
}

// Validate returns the user for a correct email/password pair.
//
// Errors: auth.ErrInvalidCredentials, auth.ErrLockedOut,
// auth.ErrEmailNotConfirmed, or a wrapped store error.
func (v *CredentialValidator) Validate(ctx context.Context, email, password string) (*models.User, error) {
	user, err := v.findUser(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			auth.BurnPasswordCheck(password)
			return nil, auth.ErrInvalidCredentials
		}
		return nil, err
	}

	now := v.now()
	if user.IsLockedOut(now) {
		return nil, fmt.Errorf("%w: until %s", auth.ErrLockedOut, user.LockoutEnd.UTC().Format(time.RFC3339))
	}

	if !auth.CheckPassword(passwordHash(user), password) {
		return nil, v.recordFailure(ctx, user, now)
	}

	if err := v.recordSuccess(ctx, user); err != nil {
		return nil, err
	}

	if v.requireEmail && !user.EmailConfirmed {
		return nil, auth.ErrEmailNotConfirmed
	}
	return user, nil
}

// CanSignIn applies the account-state checks shared by every sign-in path:
// an active lockout and, when required, an unconfirmed email.
func (v *CredentialValidator) CanSignIn(user *models.User) error {
	if user.IsLockedOut(v.now()) {
		return auth.ErrLockedOut
	}
	if v.requireEmail && !user.EmailConfirmed {
		return auth.ErrEmailNotConfirmed
	}
	return nil
}

func (v *CredentialValidator) findUser(ctx context.Context, email string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, v.storeTimeout)
	defer cancel()
	return v.store.FindByEmail(ctx, email)
}

// recordFailure counts a wrong password. Federated-only users and users with
// lockout disabled are not counted.
func (v *CredentialValidator) recordFailure(ctx context.Context, user *models.User, now time.Time) error {
	if !user.LockoutEnabled || !user.HasPassword() {
		return auth.ErrInvalidCredentials
	}

	ctx, cancel := context.WithTimeout(ctx, v.storeTimeout)
	defer cancel()

	state, err := v.store.UpdateLockoutState(ctx, user.ID, repository.LockoutChange{
		MaxFailedAttempts: v.lockout.MaxFailedAccessAttempts,
		LockoutEnd:        now.Add(v.lockout.DefaultLockoutTimeSpan),
	})
	if err != nil {
		return fmt.Errorf("record failed sign-in: %w", err)
	}

	if state.LockedOutAt(now) {
		v.logger.Warn("account locked out",
			"user_id", user.ID,
			"lockout_end", state.LockoutEnd.UTC(),
		)
		return auth.ErrLockedOut
	}
	return auth.ErrInvalidCredentials
}

// recordSuccess always writes so a failure recorded concurrently with this
// sign-in is cleared as well.
func (v *CredentialValidator) recordSuccess(ctx context.Context, user *models.User) error {
	ctx, cancel := context.WithTimeout(ctx, v.storeTimeout)
	defer cancel()

	if _, err := v.store.UpdateLockoutState(ctx, user.ID, repository.LockoutChange{Succeeded: true}); err != nil {
		return fmt.Errorf("reset failed sign-in count: %w", err)
	}
	return nil
}

func passwordHash(user *models.User) string {
	if user.PasswordHash == nil {
		return ""
	}
	return *user.PasswordHash
}
