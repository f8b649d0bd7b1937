package users

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/identitycore/authgate/cmd/cmdutil"
	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/repository"
	"github.com/identitycore/authgate/internal/services/iam"
)

var setPasswordCmd = &cobra.Command{
	Use:   "set-password",
	Short: "Replace a user's password and sign them out everywhere",
	Example: `  authgate users set-password --email alice@example.com
  echo "$PASSWORD" | authgate users set-password --email alice@example.com --stdin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		bundle, err := cmdutil.NewGatewayBundle(ctx, cfg, nil, cmdutil.GatewayOptions{})
		if err != nil {
			return err
		}
		defer bundle.Close()

		return setPassword(ctx, bundle.Service, cmd.OutOrStdout(), targetEmail, password)
	},
}

type passwordSetter interface {
	SetPassword(ctx context.Context, email, password string) error
}

func setPassword(ctx context.Context, svc passwordSetter, out io.Writer, email, password string) error {
	err := svc.SetPassword(ctx, email, password)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("no user with email %q", email)
	case errors.Is(err, iam.ErrPasswordRejected):
		return fmt.Errorf("password rejected: %w", err)
	default:
		return fmt.Errorf("failed to set password: %w", err)
	}
	fmt.Fprintf(out, "✓ Password changed for %s; all sessions revoked\n", email)
	return nil
}
