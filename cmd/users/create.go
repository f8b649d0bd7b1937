package users

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/db/models"
	"github.com/identitycore/authgate/internal/policy"
	"github.com/identitycore/authgate/internal/repository"
)

var (
	emailFlag      string
	passwordFlag   string
	rolesInput     []string
	departmentFlag string
	confirmedFlag  bool
	stdinFlag      bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a local user with a password",
	Example: `  authgate users create --email alice@example.com --role Member --department Tech --confirmed
  echo "$PASSWORD" | authgate users create --email ops@example.com --role Admin --department IT --stdin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if emailFlag == "" {
			return fmt.Errorf("--email flag is required")
		}
		if err := auth.ValidateEmail(emailFlag); err != nil {
			return fmt.Errorf("invalid email format: %w", err)
		}

		password, err := readPassword(cmd)
		if err != nil {
			return err
		}

		return withStore(cmd, func(ctx context.Context, cfg *config.Config, store *repository.BunIdentityStore) error {
			if err := auth.ValidatePassword(cfg.Password, password); err != nil {
				return fmt.Errorf("password rejected: %w", err)
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}

			user := &models.User{
				Email:          emailFlag,
				PasswordHash:   &hash,
				EmailConfirmed: confirmedFlag,
				LockoutEnabled: true,
			}
			grants := grantsFromFlags()
			if err := store.CreateUserWithGrants(ctx, user, grants); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					return fmt.Errorf("user with email %q already exists", emailFlag)
				}
				return fmt.Errorf("failed to create user: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, role := range grants.Roles {
				fmt.Fprintf(out, "✓ Assigned role '%s'\n", role)
			}
			fmt.Fprintln(out, "User created successfully!")
			fmt.Fprintln(out, "----------------------------------------")
			fmt.Fprintf(out, "User ID: %s\n", user.ID)
			fmt.Fprintf(out, "Email: %s\n", user.Email)
			fmt.Fprintf(out, "Confirmed: %t\n", user.EmailConfirmed)
			if len(rolesInput) > 0 {
				fmt.Fprintf(out, "Roles: %s\n", strings.Join(rolesInput, ", "))
			}
			if departmentFlag != "" {
				fmt.Fprintf(out, "%s: %s\n", policy.DepartmentClaim, departmentFlag)
			}
			fmt.Fprintln(out, "----------------------------------------")
			return nil
		})
	},
}

// readPassword takes the password from --password, stdin, or an
// interactive prompt, in that order.
func readPassword(cmd *cobra.Command) (string, error) {
	if passwordFlag != "" {
		return passwordFlag, nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && !stdinFlag && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}
	if !stdinFlag {
		return "", fmt.Errorf("password is required (use --password or --stdin)")
	}

	password, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password = strings.TrimRight(password, "\r\n")
	if password == "" {
		return "", fmt.Errorf("password is required")
	}
	return password, nil
}

// grantsFromFlags collects the --role and --department values.
func grantsFromFlags() repository.RolesAndClaims {
	var grants repository.RolesAndClaims
	for _, role := range rolesInput {
		if role = strings.TrimSpace(role); role != "" {
			grants.Roles = append(grants.Roles, role)
		}
	}
	if departmentFlag != "" {
		grants.Claims = append(grants.Claims, models.UserClaim{ClaimType: policy.DepartmentClaim, ClaimValue: departmentFlag})
	}
	return grants
}
