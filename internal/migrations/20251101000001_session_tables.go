package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/identitycore/authgate/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20251101000001, down_20251101000001)
}

// up_20251101000001 creates sessions and email confirmation tokens
func up_20251101000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating sessions table...")
	_, err := db.NewCreateTable().
		Model((*models.Session)(nil)).
		IfNotExists().
		ForeignKey(`(user_id) REFERENCES users(id) ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	_, err = db.NewCreateIndex().
		Model((*models.Session)(nil)).
		Index("idx_sessions_user_id").
		Column("user_id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create sessions index: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating email_confirmations table...")
	_, err = db.NewCreateTable().
		Model((*models.EmailConfirmation)(nil)).
		IfNotExists().
		ForeignKey(`(user_id) REFERENCES users(id) ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create email_confirmations table: %w", err)
	}
	fmt.Println(" OK")

	return nil
}

// down_20251101000001 drops session tables
func down_20251101000001(ctx context.Context, db *bun.DB) error {
	return dropTables(ctx, db, "email_confirmations", "sessions")
}
