package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/identitycore/authgate/cmd/cmdutil"
	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/db/bunx"
	"github.com/identitycore/authgate/internal/repository"
	"github.com/identitycore/authgate/internal/services/iam"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect authorization policies",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the registered policies and their requirements",
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := cmdutil.LoadPolicies(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, name := range set.Names() {
			pol, _ := set.Get(name)
			reqs := make([]string, 0, len(pol.Requirements))
			for _, req := range pol.Requirements {
				reqs = append(reqs, req.String())
			}
			fmt.Fprintf(out, "%s: %s\n", name, strings.Join(reqs, " AND "))
		}
		return nil
	},
}

var policyCheckEmail string

var policyCheckCmd = &cobra.Command{
	Use:   "check POLICY",
	Short: "Evaluate a policy against a stored user's roles and claims",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := cmdutil.LoadPolicies(cfg)
		if err != nil {
			return err
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

		store := repository.NewBunIdentityStore(db)
		user, err := store.FindByEmail(ctx, policyCheckEmail)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("no user with email %q", policyCheckEmail)
		}
		if err != nil {
			return fmt.Errorf("failed to look up user: %w", err)
		}
		rc, err := store.GetRolesAndClaims(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("failed to load roles and claims: %w", err)
		}

		principal := iam.NewPrincipal(user, rc, auth.MethodSession)
		allowed, err := set.Evaluate(args[0], principal)
		if err != nil {
			return err
		}

		decision := "deny"
		if allowed {
			decision = "allow"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", args[0], user.Email, decision)
		return nil
	},
}

func init() {
	policyCheckCmd.Flags().StringVar(&policyCheckEmail, "email", "", "Email address of the user to evaluate (required)")
	_ = policyCheckCmd.MarkFlagRequired("email")

	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyCheckCmd)
	rootCmd.AddCommand(policyCmd)
}
