package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/identitycore/authgate/cmd/cmdutil"
	"github.com/identitycore/authgate/internal/server"
	"github.com/identitycore/authgate/internal/telemetry"
)

// sessionSweepInterval is how often expired sessions are deleted.
const sessionSweepInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP server",
	Long:  `Starts the HTTP server with the identity endpoints, the bearer token endpoint and the sample protected resources.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability, logger)
		if err != nil {
			return fmt.Errorf("initialize telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(ctx); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()

		authMetrics, err := telemetry.NewAuthMetrics()
		if err != nil {
			return fmt.Errorf("create auth metrics: %w", err)
		}
		serverMetrics, err := telemetry.NewServerMetrics()
		if err != nil {
			return fmt.Errorf("create server metrics: %w", err)
		}

		bundle, err := cmdutil.NewGatewayBundle(ctx, cfg, logger, cmdutil.GatewayOptions{
			WithProviders: true,
			Metrics:       authMetrics,
		})
		if err != nil {
			return err
		}
		defer bundle.Close()
		logger.Info("connected to database")

		// Every policy a route references must exist before we listen.
		if err := bundle.Policies.Require(server.RoutePolicies...); err != nil {
			logger.Error("route references an unregistered policy", "error", err)
			return err
		}
		logger.Info("policies sealed", "policies", bundle.Policies.Names())
		if names := bundle.Service.Providers(); len(names) > 0 {
			logger.Info("external login providers configured", "providers", names)
		}
		if !cfg.Tokens.Enabled() {
			logger.Warn("bearer tokens disabled: tokens.key is not set")
		}

		sweepCtx, cancelSweep := context.WithCancel(ctx)
		defer cancelSweep()
		go sweepExpiredSessions(sweepCtx, bundle)

		handler := server.NewH2CHandler(server.RouterOptions{
			IAMService: bundle.Service,
			Cfg:        cfg,
			Logger:     logger,
			Metrics:    serverMetrics,
		})

		// Create HTTP server
		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		// Start server in goroutine
		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("starting server", "addr", cfg.ServerAddr, "url", cfg.ServerURL)
			serverErrors <- srv.ListenAndServe()
		}()

		// Wait for interrupt signal
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			logger.Info("shutting down gracefully", "signal", sig.String())

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				_ = srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}

			logger.Info("server stopped")
			return nil
		}
	},
}

// sweepExpiredSessions deletes expired sessions until ctx is done.
func sweepExpiredSessions(ctx context.Context, bundle *cmdutil.GatewayBundle) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
			n, err := bundle.Sessions.DeleteExpired(sweepCtx, time.Now())
			cancel()
			if err != nil {
				logger.Error("expired session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("expired sessions deleted", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
