package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/identitycore/authgate/internal/db/bunx"
	"github.com/identitycore/authgate/internal/migrations"
)

// setupTestDB opens a private in-memory SQLite database with all migrations applied.
func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := bunx.NewDB(ctx, dsn, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	migrator := migrate.NewMigrator(db, migrations.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)

	return db
}
