package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/identitycore/authgate/internal/db/bunx"
	"github.com/identitycore/authgate/internal/db/models"
)

// BunEmailConfirmationRepository implements EmailConfirmationRepository using Bun ORM
type BunEmailConfirmationRepository struct {
	db *bun.DB
}

// NewBunEmailConfirmationRepository creates a new Bun-based confirmation token repository
func NewBunEmailConfirmationRepository(db *bun.DB) *BunEmailConfirmationRepository {
	return &BunEmailConfirmationRepository{db: db}
}

// Create stores a confirmation token hash
func (r *BunEmailConfirmationRepository) Create(ctx context.Context, confirmation *models.EmailConfirmation) error {
	if confirmation.ID == "" {
		confirmation.ID = bunx.NewUUIDv7()
	}
	_, err := r.db.NewInsert().
		Model(confirmation).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create email confirmation: %w", err)
	}
	return nil
}

// Consume marks an unused, unexpired token as used and returns it.
// The guard is part of the UPDATE so a token can be consumed only once.
func (r *BunEmailConfirmationRepository) Consume(ctx context.Context, tokenHash string, now time.Time) (*models.EmailConfirmation, error) {
	confirmation := new(models.EmailConfirmation)
	_, err := r.db.NewUpdate().
		Model(confirmation).
		Set("used_at = ?", now).
		Where("token_hash = ?", tokenHash).
		Where("used_at IS NULL").
		Where("expires_at > ?", now).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, notFound(err, "consume email confirmation")
	}
	if confirmation.ID == "" {
		return nil, fmt.Errorf("consume email confirmation: %w", ErrNotFound)
	}
	return confirmation, nil
}
