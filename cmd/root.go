package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/identitycore/authgate/cmd/users"
	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/logging"
)

var (
	cfg        *config.Config
	logger     *slog.Logger
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "authgate",
	Short: "Authentication and policy gateway",
	Long: `authgate authenticates requests by session cookie or bearer token,
evaluates named claim/role policies and serves the sign-in, sign-up and
external login endpoints in front of protected resources.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		logger = logging.New(os.Stderr, cfg.Debug)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "YAML configuration file")
	flags.String("db-url", "", "Database connection URL (env: AUTHGATE_DATABASE_URL)")
	flags.String("server-addr", "", "Server bind address (env: AUTHGATE_SERVER_ADDR)")
	flags.String("server-url", "", "Public base URL used in links and redirect URIs (env: AUTHGATE_SERVER_URL)")
	flags.Bool("debug", false, "Enable debug logging (env: AUTHGATE_DEBUG)")

	_ = viper.BindPFlag("database_url", flags.Lookup("db-url"))
	_ = viper.BindPFlag("server_addr", flags.Lookup("server-addr"))
	_ = viper.BindPFlag("server_url", flags.Lookup("server-url"))
	_ = viper.BindPFlag("debug", flags.Lookup("debug"))

	// Add subcommands
	rootCmd.AddCommand(users.UsersCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
