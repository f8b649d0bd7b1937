package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/identitycore/authgate/internal/db/bunx"
	"github.com/identitycore/authgate/internal/db/models"
)

// BunIdentityStore implements IdentityStore using Bun ORM
type BunIdentityStore struct {
	db  *bun.DB
	now func() time.Time
}

// NewBunIdentityStore creates a new Bun-based identity store
func NewBunIdentityStore(db *bun.DB) *BunIdentityStore {
	return &BunIdentityStore{db: db, now: time.Now}
}

// FindByEmail retrieves a user by email, ignoring case
func (r *BunIdentityStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("normalized_email = ?", models.NormalizeEmail(email)).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "find user by email")
	}
	return user, nil
}

// FindByID retrieves a user by ID
func (r *BunIdentityStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "find user %s", id)
	}
	return user, nil
}

// FindByExternalLogin retrieves the user linked to a provider account
func (r *BunIdentityStore) FindByExternalLogin(ctx context.Context, provider, providerUserID string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Join("JOIN external_logins AS el ON el.user_id = u.id").
		Where("el.provider = ?", provider).
		Where("el.provider_user_id = ?", providerUserID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "find user by external login %s", provider)
	}
	return user, nil
}

// CreateUser inserts a new user
func (r *BunIdentityStore) CreateUser(ctx context.Context, user *models.User) error {
	return r.insertUser(ctx, r.db, user)
}

// CreateUserWithGrants inserts user together with its roles and claims in one
// transaction. Nothing is persisted when any insert fails.
func (r *BunIdentityStore) CreateUserWithGrants(ctx context.Context, user *models.User, grants RolesAndClaims) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := r.insertUser(ctx, tx, user); err != nil {
			return err
		}
		for _, role := range grants.Roles {
			if err := r.insertRole(ctx, tx, user.ID, role); err != nil {
				return err
			}
		}
		for _, c := range grants.Claims {
			if err := r.insertClaim(ctx, tx, user.ID, c.ClaimType, c.ClaimValue); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *BunIdentityStore) insertUser(ctx context.Context, db bun.IDB, user *models.User) error {
	if user.ID == "" {
		user.ID = bunx.NewUUIDv7()
	}
	now := r.now()
	user.NormalizedEmail = models.NormalizeEmail(user.Email)
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := db.NewInsert().
		Model(user).
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create user %s: %w", user.Email, ErrConflict)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UpdateLockoutState records a password check outcome.
//
// A failure increments access_failed_count in SQL. When the incremented value
// reaches the threshold the counter is reset and lockout_end is set, all in
// one UPDATE ... RETURNING so concurrent failures serialize on the row.
func (r *BunIdentityStore) UpdateLockoutState(ctx context.Context, userID string, change LockoutChange) (LockoutState, error) {
	user := &models.User{ID: userID}
	q := r.db.NewUpdate().
		Model(user).
		Set("updated_at = ?", r.now()).
		WherePK().
		Returning("access_failed_count, lockout_end")

	if change.Succeeded {
		q = q.
			Set("access_failed_count = 0").
			Set("lockout_end = NULL")
	} else {
		q = q.
			Set("access_failed_count = CASE WHEN access_failed_count + 1 >= ? THEN 0 ELSE access_failed_count + 1 END",
				change.MaxFailedAttempts).
			Set("lockout_end = CASE WHEN access_failed_count + 1 >= ? THEN ? ELSE lockout_end END",
				change.MaxFailedAttempts, change.LockoutEnd)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return LockoutState{}, notFound(err, "update lockout state for user %s", userID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return LockoutState{}, fmt.Errorf("update lockout state for user %s: %w", userID, ErrNotFound)
	}

	return LockoutState{AccessFailedCount: user.AccessFailedCount, LockoutEnd: user.LockoutEnd}, nil
}

// GetRolesAndClaims loads the user's roles and claims in assignment order
func (r *BunIdentityStore) GetRolesAndClaims(ctx context.Context, userID string) (*RolesAndClaims, error) {
	var roles []models.UserRole
	err := r.db.NewSelect().
		Model(&roles).
		Where("user_id = ?", userID).
		Order("created_at ASC", "role ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("get user roles: %w", err)
	}

	var claims []models.UserClaim
	err = r.db.NewSelect().
		Model(&claims).
		Where("user_id = ?", userID).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("get user claims: %w", err)
	}

	result := &RolesAndClaims{Roles: make([]string, 0, len(roles)), Claims: claims}
	for _, ur := range roles {
		result.Roles = append(result.Roles, ur.Role)
	}
	return result, nil
}

// AddRole assigns a role. Assigning a role twice is a no-op.
func (r *BunIdentityStore) AddRole(ctx context.Context, userID, role string) error {
	return r.insertRole(ctx, r.db, userID, role)
}

func (r *BunIdentityStore) insertRole(ctx context.Context, db bun.IDB, userID, role string) error {
	_, err := db.NewInsert().
		Model(&models.UserRole{UserID: userID, Role: role, CreatedAt: r.now()}).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("add role %s: %w", role, err)
	}
	return nil
}

// AddClaim attaches a claim. An identical (type, value) pair is not duplicated.
func (r *BunIdentityStore) AddClaim(ctx context.Context, userID, claimType, claimValue string) error {
	return r.insertClaim(ctx, r.db, userID, claimType, claimValue)
}

func (r *BunIdentityStore) insertClaim(ctx context.Context, db bun.IDB, userID, claimType, claimValue string) error {
	exists, err := db.NewSelect().
		Model((*models.UserClaim)(nil)).
		Where("user_id = ?", userID).
		Where("claim_type = ?", claimType).
		Where("claim_value = ?", claimValue).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("check claim %s: %w", claimType, err)
	}
	if exists {
		return nil
	}

	_, err = db.NewInsert().
		Model(&models.UserClaim{
			ID:         bunx.NewUUIDv7(),
			UserID:     userID,
			ClaimType:  claimType,
			ClaimValue: claimValue,
			CreatedAt:  r.now(),
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("add claim %s: %w", claimType, err)
	}
	return nil
}

// LinkExternalIdentity records a provider login for a user
func (r *BunIdentityStore) LinkExternalIdentity(ctx context.Context, login *models.ExternalLogin) error {
	if login.ID == "" {
		login.ID = bunx.NewUUIDv7()
	}
	login.CreatedAt = r.now()

	_, err := r.db.NewInsert().
		Model(login).
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("link %s login: %w", login.Provider, ErrConflict)
		}
		return fmt.Errorf("link %s login: %w", login.Provider, err)
	}
	return nil
}

// ConfirmEmail marks the user's email as confirmed
func (r *BunIdentityStore) ConfirmEmail(ctx context.Context, userID string) error {
	return r.updateUser(ctx, userID, "confirm email", "email_confirmed = ?", true)
}

// SetPasswordHash replaces the user's password hash
func (r *BunIdentityStore) SetPasswordHash(ctx context.Context, userID, hash string) error {
	return r.updateUser(ctx, userID, "set password", "password_hash = ?", hash)
}

func (r *BunIdentityStore) updateUser(ctx context.Context, userID, op, set string, value any) error {
	res, err := r.db.NewUpdate().
		Model((*models.User)(nil)).
		Set(set, value).
		Set("updated_at = ?", r.now()).
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s for user %s: %w", op, userID, ErrNotFound)
	}
	return nil
}
