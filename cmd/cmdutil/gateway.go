package cmdutil

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/db/bunx"
	"github.com/identitycore/authgate/internal/email"
	"github.com/identitycore/authgate/internal/policy"
	"github.com/identitycore/authgate/internal/repository"
	"github.com/identitycore/authgate/internal/services/iam"
	"github.com/identitycore/authgate/internal/telemetry"
)

// GatewayOptions controls how the CLI constructs the gateway.
type GatewayOptions struct {
	// WithProviders builds the configured federation providers. Only serve
	// needs them; building an OIDC provider performs issuer discovery.
	WithProviders bool

	// Metrics is optional.
	Metrics *telemetry.AuthMetrics
}

// GatewayBundle bundles the service with its underlying DB connection so callers can
// reuse the connection for other repositories when necessary.
type GatewayBundle struct {
	Service  iam.Service
	Store    *repository.BunIdentityStore
	Sessions *repository.BunSessionRepository
	Policies *policy.Set
	DB       *bun.DB
}

// Close drains background work and releases the underlying database connection.
func (b *GatewayBundle) Close() {
	if b == nil {
		return
	}
	if b.Service != nil {
		b.Service.Wait()
	}
	if b.DB != nil {
		_ = bunx.Close(b.DB)
	}
}

// OpenDB connects to the configured identity store.
func OpenDB(ctx context.Context, cfg *config.Config) (*bun.DB, error) {
	db, err := bunx.NewDB(ctx, cfg.DatabaseURL, cfg.MaxDBConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// LoadPolicies registers the built-in policies and the optional policy
// document, then seals the set.
func LoadPolicies(cfg *config.Config) (*policy.Set, error) {
	set := policy.NewSet()
	if err := policy.RegisterDefaults(set); err != nil {
		return nil, fmt.Errorf("register default policies: %w", err)
	}
	if cfg.PolicyFile != "" {
		if err := policy.LoadFile(set, cfg.PolicyFile); err != nil {
			return nil, fmt.Errorf("load policy file: %w", err)
		}
	}
	set.Seal()
	return set, nil
}

// NewTokenService returns nil when bearer tokens are not configured.
func NewTokenService(cfg *config.Config) (*auth.TokenService, error) {
	if !cfg.Tokens.Enabled() {
		return nil, nil
	}
	tokens, err := auth.NewTokenService(cfg.Tokens)
	if err != nil {
		return nil, fmt.Errorf("configure token service: %w", err)
	}
	return tokens, nil
}

// NewProviders builds every configured federation provider.
func NewProviders(ctx context.Context, cfg *config.Config) ([]iam.FederationProvider, error) {
	if cfg.Facebook == nil && cfg.OIDC == nil {
		return nil, nil
	}

	cookies, err := auth.CookieKeys(cfg.Cookie)
	if err != nil {
		return nil, err
	}

	var providers []iam.FederationProvider
	if cfg.Facebook != nil {
		fb, err := auth.NewFacebookProvider(cfg.Facebook, cfg.FacebookRedirectURI(), cookies)
		if err != nil {
			return nil, err
		}
		providers = append(providers, fb)
	}
	if cfg.OIDC != nil {
		oidcProvider, err := auth.NewOIDCProvider(ctx, cfg.OIDC, cfg.OIDCRedirectURI(), cookies)
		if err != nil {
			return nil, err
		}
		providers = append(providers, oidcProvider)
	}
	return providers, nil
}

// NewGatewayBundle centralizes gateway construction for CLI commands.
// It wires repositories, policies, tokens and mail, and returns a ready-to-use service.
func NewGatewayBundle(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts GatewayOptions) (*GatewayBundle, error) {
	policies, err := LoadPolicies(cfg)
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenService(cfg)
	if err != nil {
		return nil, err
	}

	var providers []iam.FederationProvider
	if opts.WithProviders {
		if providers, err = NewProviders(ctx, cfg); err != nil {
			return nil, fmt.Errorf("configure external login providers: %w", err)
		}
	}

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store := repository.NewBunIdentityStore(db)
	sessions := repository.NewBunSessionRepository(db)
	service, err := iam.NewIAMService(
		iam.IAMServiceDependencies{
			Store:         store,
			Sessions:      sessions,
			Confirmations: repository.NewBunEmailConfirmationRepository(db),
			Policies:      policies,
			Tokens:        tokens,
			Providers:     providers,
			Email:         email.New(cfg.Smtp, logger),
			Metrics:       opts.Metrics,
			Logger:        logger,
		},
		iam.IAMServiceConfig{Config: cfg},
	)
	if err != nil {
		_ = bunx.Close(db)
		return nil, fmt.Errorf("failed to create gateway service: %w", err)
	}

	return &GatewayBundle{
		Service:  service,
		Store:    store,
		Sessions: sessions,
		Policies: policies,
		DB:       db,
	}, nil
}
