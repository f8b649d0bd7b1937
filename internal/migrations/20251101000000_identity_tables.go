package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/identitycore/authgate/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20251101000000, down_20251101000000)
}

// up_20251101000000 creates users, roles, claims and external logins
func up_20251101000000(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating users table...")
	_, err := db.NewCreateTable().
		Model((*models.User)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating user_roles table...")
	_, err = db.NewCreateTable().
		Model((*models.UserRole)(nil)).
		IfNotExists().
		ForeignKey(`(user_id) REFERENCES users(id) ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create user_roles table: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating user_claims table...")
	_, err = db.NewCreateTable().
		Model((*models.UserClaim)(nil)).
		IfNotExists().
		ForeignKey(`(user_id) REFERENCES users(id) ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create user_claims table: %w", err)
	}
	_, err = db.NewCreateIndex().
		Model((*models.UserClaim)(nil)).
		Index("idx_user_claims_user_id").
		Column("user_id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create user_claims index: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating external_logins table...")
	_, err = db.NewCreateTable().
		Model((*models.ExternalLogin)(nil)).
		IfNotExists().
		ForeignKey(`(user_id) REFERENCES users(id) ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create external_logins table: %w", err)
	}
	fmt.Println(" OK")

	return nil
}

// down_20251101000000 drops identity tables in reverse order
func down_20251101000000(ctx context.Context, db *bun.DB) error {
	return dropTables(ctx, db, "external_logins", "user_claims", "user_roles", "users")
}
