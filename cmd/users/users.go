package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/identitycore/authgate/cmd/cmdutil"
	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/db/bunx"
	"github.com/identitycore/authgate/internal/db/models"
	"github.com/identitycore/authgate/internal/repository"
)

// UsersCmd is the parent command for user management operations
var UsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage local user accounts",
	Long:  `Commands for creating users and managing their roles, claims, confirmation and lockout state directly against the identity store.`,
}

// withStore loads configuration, opens the identity store and hands it to fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, store *repository.BunIdentityStore) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := cmdutil.OpenDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer bunx.Close(db)

	return fn(ctx, cfg, repository.NewBunIdentityStore(db))
}

// findUser resolves a user by email with a readable error.
func findUser(ctx context.Context, store repository.IdentityStore, email string) (*models.User, error) {
	user, err := store.FindByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("no user with email %q", email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return user, nil
}

func init() {
	createCmd.Flags().StringVar(&emailFlag, "email", "", "Email address of the user (required)")
	createCmd.Flags().StringVar(&passwordFlag, "password", "", "Password for the user (use --stdin to avoid shell history)")
	createCmd.Flags().StringSliceVar(&rolesInput, "role", []string{}, "Role(s) to assign to the user")
	createCmd.Flags().StringVar(&departmentFlag, "department", "", "Value of the Department claim")
	createCmd.Flags().BoolVar(&confirmedFlag, "confirmed", false, "Mark the email address as confirmed")
	createCmd.Flags().BoolVar(&stdinFlag, "stdin", false, "Read password from stdin instead of --password flag")

	setPasswordCmd.Flags().StringVar(&passwordFlag, "password", "", "New password (use --stdin to avoid shell history)")
	setPasswordCmd.Flags().BoolVar(&stdinFlag, "stdin", false, "Read password from stdin instead of --password flag")

	for _, c := range []*cobra.Command{confirmCmd, unlockCmd, addRoleCmd, addClaimCmd, setPasswordCmd} {
		c.Flags().StringVar(&targetEmail, "email", "", "Email address of the user (required)")
		_ = c.MarkFlagRequired("email")
	}

	UsersCmd.AddCommand(createCmd)
	UsersCmd.AddCommand(confirmCmd)
	UsersCmd.AddCommand(unlockCmd)
	UsersCmd.AddCommand(addRoleCmd)
	UsersCmd.AddCommand(addClaimCmd)
	UsersCmd.AddCommand(setPasswordCmd)
}
