package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun/migrate"

	"github.com/identitycore/authgate/cmd/cmdutil"
	"github.com/identitycore/authgate/internal/db/bunx"
	"github.com/identitycore/authgate/internal/migrations"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the identity store schema and its migrations.`,
}

// withMigrator opens the identity store and hands a migrator to fn.
func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *migrate.Migrator) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := cmdutil.OpenDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer bunx.Close(db)

	return fn(ctx, migrate.NewMigrator(db, migrations.Migrations))
}

// withMigrationLock runs fn while holding the migration lock.
func withMigrationLock(ctx context.Context, m *migrate.Migrator, fn func() error) error {
	if err := m.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := m.Unlock(ctx); err != nil {
			logger.Warn("failed to release migration lock", "error", err)
		}
	}()
	return fn()
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize migration tables",
	Long:  `Creates the migration tracking tables in the database. Run this once during initial setup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Migrator) error {
			if err := m.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migration tables initialized")
			return nil
		})
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Creates the migration tables when missing and applies all pending migrations under the migration lock.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Migrator) error {
			if err := m.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			return withMigrationLock(ctx, m, func() error {
				group, err := m.Migrate(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				if group.IsZero() {
					fmt.Fprintln(cmd.OutOrStdout(), "No new migrations to apply")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied migration group %d: %s\n", group.ID, group.Migrations)
				return nil
			})
		})
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Migrator) error {
			ms, err := m.MigrationsWithStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Migrations:")
			for _, mig := range ms {
				status := "pending"
				if mig.GroupID > 0 {
					status = fmt.Sprintf("applied (group %d)", mig.GroupID)
				}
				fmt.Fprintf(out, "  %s: %s\n", mig.Name, status)
			}
			return nil
		})
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Rollback last migration group",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Migrator) error {
			return withMigrationLock(ctx, m, func() error {
				group, err := m.Rollback(ctx)
				if err != nil {
					return fmt.Errorf("rollback failed: %w", err)
				}
				if group.IsZero() {
					fmt.Fprintln(cmd.OutOrStdout(), "No migrations to rollback")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled back migration group %d\n", group.ID)
				return nil
			})
		})
	},
}

var dbLockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manually acquire migration lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Migrator) error {
			if err := m.Lock(ctx); err != nil {
				return fmt.Errorf("failed to acquire migration lock: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migration lock acquired; run 'db unlock' when finished")
			return nil
		})
	},
}

var dbUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Force release migration lock",
	Long:  `Force releases the migration lock. Use this if a migration crashed while holding the lock.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(ctx context.Context, m *migrate.Migrator) error {
			if err := m.Unlock(ctx); err != nil {
				return fmt.Errorf("failed to release migration lock: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migration lock released")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)
	dbCmd.AddCommand(dbLockCmd)
	dbCmd.AddCommand(dbUnlockCmd)
}
