package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/identitycore/authgate/cmd/cmdutil"
)

var (
	tokenEmail    string
	tokenPassword string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a local user",
	Long: `Validates the user's password exactly as POST /api/token does (including
lockout and confirmation checks) and prints a signed bearer token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Tokens.Enabled() {
			return fmt.Errorf("bearer tokens are disabled: set tokens.key")
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		bundle, err := cmdutil.NewGatewayBundle(ctx, cfg, logger, cmdutil.GatewayOptions{})
		if err != nil {
			return err
		}
		defer bundle.Close()

		token, expiresAt, err := bundle.Service.IssueToken(ctx, tokenEmail, tokenPassword)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), token)
		logger.Info("token issued", "email", tokenEmail, "expires_at", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email address of the user (required)")
	tokenCmd.Flags().StringVar(&tokenPassword, "password", "", "Password of the user (required)")
	_ = tokenCmd.MarkFlagRequired("email")
	_ = tokenCmd.MarkFlagRequired("password")
	rootCmd.AddCommand(tokenCmd)
}
