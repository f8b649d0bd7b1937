package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/repository"
)

var targetEmail string

var confirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Mark a user's email address as confirmed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, _ *config.Config, store *repository.BunIdentityStore) error {
			user, err := findUser(ctx, store, targetEmail)
			if err != nil {
				return err
			}
			if user.EmailConfirmed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already confirmed\n", user.Email)
				return nil
			}
			if err := store.ConfirmEmail(ctx, user.ID); err != nil {
				return fmt.Errorf("failed to confirm email: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Confirmed %s\n", user.Email)
			return nil
		})
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Clear a user's lockout and failed attempt counter",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, _ *config.Config, store *repository.BunIdentityStore) error {
			user, err := findUser(ctx, store, targetEmail)
			if err != nil {
				return err
			}
			if _, err := store.UpdateLockoutState(ctx, user.ID, repository.LockoutChange{Succeeded: true}); err != nil {
				return fmt.Errorf("failed to reset lockout: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unlocked %s\n", user.Email)
			return nil
		})
	},
}

var addRoleCmd = &cobra.Command{
	Use:   "add-role ROLE",
	Short: "Assign a role to a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, _ *config.Config, store *repository.BunIdentityStore) error {
			user, err := findUser(ctx, store, targetEmail)
			if err != nil {
				return err
			}
			if err := store.AddRole(ctx, user.ID, args[0]); err != nil {
				return fmt.Errorf("failed to assign role '%s': %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Assigned role '%s' to %s\n", args[0], user.Email)
			return nil
		})
	},
}

var addClaimCmd = &cobra.Command{
	Use:     "add-claim TYPE=VALUE",
	Short:   "Attach a claim to a user",
	Example: `  authgate users add-claim --email alice@example.com Department=Tech`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		claimType, claimValue, ok := strings.Cut(args[0], "=")
		if !ok || strings.TrimSpace(claimType) == "" || claimValue == "" {
			return fmt.Errorf("claim must be TYPE=VALUE, got %q", args[0])
		}
		claimType = strings.TrimSpace(claimType)

		return withStore(cmd, func(ctx context.Context, _ *config.Config, store *repository.BunIdentityStore) error {
			user, err := findUser(ctx, store, targetEmail)
			if err != nil {
				return err
			}
			if err := store.AddClaim(ctx, user.ID, claimType, claimValue); err != nil {
				return fmt.Errorf("failed to add claim: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Added claim %s=%s to %s\n", claimType, claimValue, user.Email)
			return nil
		})
	},
}
