package repository

import (
	"context"
	"errors"
	"time"

	"github.com/identitycore/authgate/internal/db/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert violates a unique constraint.
	ErrConflict = errors.New("already exists")
)

// LockoutChange describes the outcome of one password check.
type LockoutChange struct {
	// Succeeded resets the counter and clears any lockout.
	Succeeded bool
	// MaxFailedAttempts is the failure count that triggers a lockout.
	MaxFailedAttempts int
	// LockoutEnd is applied when this failure reaches MaxFailedAttempts.
	LockoutEnd time.Time
}

// LockoutState is the user's lockout columns after an update.
type LockoutState struct {
	AccessFailedCount int
	LockoutEnd        *time.Time
}

// LockedOutAt reports whether the state blocks sign-in at now.
func (s LockoutState) LockedOutAt(now time.Time) bool {
	return s.LockoutEnd != nil && s.LockoutEnd.After(now)
}

// RolesAndClaims is everything needed to rebuild a principal's authorization data.
type RolesAndClaims struct {
	Roles  []string
	Claims []models.UserClaim
}

// IdentityStore is the narrow interface the gateway uses to read and write
// user records, lockout counters, roles, claims and external logins.
type IdentityStore interface {
	// FindByEmail looks up a user case-insensitively. Returns ErrNotFound.
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByExternalLogin(ctx context.Context, provider, providerUserID string) (*models.User, error)

	// CreateUser inserts user, assigning ID and NormalizedEmail. Returns
	// ErrConflict when the email is taken.
	CreateUser(ctx context.Context, user *models.User) error
	// CreateUserWithGrants is CreateUser plus the initial roles and claims,
	// applied atomically.
	CreateUserWithGrants(ctx context.Context, user *models.User, grants RolesAndClaims) error

	// UpdateLockoutState applies change atomically in a single statement so
	// concurrent failures against one account are never lost.
	UpdateLockoutState(ctx context.Context, userID string, change LockoutChange) (LockoutState, error)

	GetRolesAndClaims(ctx context.Context, userID string) (*RolesAndClaims, error)
	AddRole(ctx context.Context, userID, role string) error
	AddClaim(ctx context.Context, userID, claimType, claimValue string) error

	// LinkExternalIdentity records a provider login for a user. Returns
	// ErrConflict when the provider account is already linked.
	LinkExternalIdentity(ctx context.Context, login *models.ExternalLogin) error

	ConfirmEmail(ctx context.Context, userID string) error
	SetPasswordHash(ctx context.Context, userID, hash string) error
}

// SessionRepository persists server-held sessions.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	// GetByTokenHash is the primary lookup for cookie authentication.
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error)
	UpdateLastUsed(ctx context.Context, id string, at time.Time) error
	Extend(ctx context.Context, id string, expiresAt time.Time) error
	Revoke(ctx context.Context, id string) error
	RevokeByUserID(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// EmailConfirmationRepository persists single-use confirmation tokens.
type EmailConfirmationRepository interface {
	Create(ctx context.Context, confirmation *models.EmailConfirmation) error
	// Consume marks the token used if it is unused and unexpired at now.
	// Returns ErrNotFound otherwise.
	Consume(ctx context.Context, tokenHash string, now time.Time) (*models.EmailConfirmation, error)
}
