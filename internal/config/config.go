package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load,
// e.g. AUTHGATE_TOKENS_KEY for tokens.key.
const EnvPrefix = "AUTHGATE"

// Config holds the application configuration. It is built once by Load and
// passed by pointer into constructors; nothing mutates it afterwards.
type Config struct {
	// Database connection string (DSN). postgres:// selects PostgreSQL,
	// anything else is treated as a SQLite DSN.
	DatabaseURL string

	// Server bind address (host:port)
	ServerAddr string

	// Public base URL, used to build confirmation links and redirect URIs
	ServerURL string

	// Maximum database connection pool size
	MaxDBConnections int

	// Upper bound for a single identity store call on the request path
	StoreTimeout time.Duration

	// Enable debug logging
	Debug bool

	// Optional YAML policy document registered in addition to the built-in policies
	PolicyFile string

	Tokens        TokensConfig
	Cookie        CookieConfig
	Password      PasswordConfig
	Lockout       LockoutConfig
	SignIn        SignInConfig
	Smtp          SmtpConfig
	ClaimsCache   ClaimsCacheConfig
	Observability ObservabilityConfig

	// Federation providers. nil disables the provider.
	Facebook *FacebookConfig
	OIDC     *OIDCConfig
}

// TokensConfig configures the HS256 bearer token service.
// Bearer authentication is disabled when Key is empty.
type TokensConfig struct {
	Issuer   string
	Audience string
	Key      string
	Lifetime time.Duration

	// RequireHTTPS rejects bearer tokens presented over plain HTTP.
	// Development setups turn this off.
	RequireHTTPS bool
}

// Enabled reports whether bearer tokens can be issued and validated.
func (t TokensConfig) Enabled() bool {
	return t.Key != ""
}

// CookieConfig configures the session cookie and the browser redirect targets.
type CookieConfig struct {
	Name              string
	LoginPath         string
	AccessDeniedPath  string
	ExpireTimeSpan    time.Duration
	SlidingExpiration bool
	Secure            bool

	// Keys for the short-lived federation handshake cookies.
	// Random keys are generated per process when empty.
	HashKey  string
	BlockKey string
}

// PasswordConfig is the password acceptance policy applied when a password is set.
type PasswordConfig struct {
	RequiredLength         int
	RequireDigit           bool
	RequireNonAlphanumeric bool
	RequireLowercase       bool
	RequireUppercase       bool
}

// LockoutConfig controls account lockout after repeated password failures.
type LockoutConfig struct {
	MaxFailedAccessAttempts int
	DefaultLockoutTimeSpan  time.Duration
}

// SignInConfig holds sign-in preconditions.
type SignInConfig struct {
	RequireConfirmedEmail bool
}

// SmtpConfig configures the outbound mail relay used for email confirmation.
// Messages are written to the log when Host is empty.
type SmtpConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// ClaimsCacheConfig bounds the roles/claims cache used on the session path.
// A zero TTL disables the cache.
type ClaimsCacheConfig struct {
	TTL  time.Duration
	Size int
}

// FacebookConfig holds the Facebook application credentials.
type FacebookConfig struct {
	AppID       string
	AppSecret   string
	RedirectURI string
}

// OIDCConfig describes a generic external OpenID Connect provider
// (Keycloak, Entra ID, Okta, ...).
type OIDCConfig struct {
	Name         string
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// TrustEmail marks newly linked users as confirmed when the provider
	// reports email_verified.
	TrustEmail bool
}

// ObservabilityConfig configures OpenTelemetry export.
type ObservabilityConfig struct {
	OTLPEndpoint   string
	OTLPProtocol   string
	OTLPInsecure   bool
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "file:authgate.db?cache=shared")
	v.SetDefault("server_addr", "localhost:8080")
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("max_db_connections", 25)
	v.SetDefault("store_timeout", 5*time.Second)
	v.SetDefault("debug", false)

	v.SetDefault("tokens.lifetime", time.Hour)
	v.SetDefault("tokens.require_https", true)

	v.SetDefault("cookie.name", "authgate.session")
	v.SetDefault("cookie.login_path", "/Identity/Signin/")
	v.SetDefault("cookie.access_denied_path", "/Identity/AccessDenied/")
	v.SetDefault("cookie.expire_time_span", 10*time.Hour)
	v.SetDefault("cookie.sliding_expiration", false)
	v.SetDefault("cookie.secure", false)

	v.SetDefault("password.required_length", 3)
	v.SetDefault("password.require_digit", true)
	v.SetDefault("password.require_non_alphanumeric", false)
	v.SetDefault("password.require_lowercase", false)
	v.SetDefault("password.require_uppercase", false)

	v.SetDefault("lockout.max_failed_access_attempts", 3)
	v.SetDefault("lockout.default_lockout_time_span", 10*time.Minute)

	v.SetDefault("signin.require_confirmed_email", true)

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.from", "no-reply@localhost")

	v.SetDefault("claims_cache.ttl", 30*time.Second)
	v.SetDefault("claims_cache.size", 1024)

	v.SetDefault("oidc.name", "oidc")
	v.SetDefault("oidc.scopes", []string{"openid", "profile", "email"})

	v.SetDefault("observability.otlp_protocol", "http/protobuf")
	v.SetDefault("observability.service_name", "authgate")
	v.SetDefault("observability.environment", "development")
}

// Load reads configuration from the global viper instance: defaults, then an
// optional config file already loaded by the caller, then AUTHGATE_ prefixed
// environment variables.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom builds a Config from v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		DatabaseURL:      v.GetString("database_url"),
		ServerAddr:       v.GetString("server_addr"),
		ServerURL:        strings.TrimRight(v.GetString("server_url"), "/"),
		MaxDBConnections: v.GetInt("max_db_connections"),
		StoreTimeout:     v.GetDuration("store_timeout"),
		Debug:            v.GetBool("debug"),
		PolicyFile:       v.GetString("policy_file"),
		Tokens: TokensConfig{
			Issuer:       v.GetString("tokens.issuer"),
			Audience:     v.GetString("tokens.audience"),
			Key:          v.GetString("tokens.key"),
			Lifetime:     v.GetDuration("tokens.lifetime"),
			RequireHTTPS: v.GetBool("tokens.require_https"),
		},
		Cookie: CookieConfig{
			Name:              v.GetString("cookie.name"),
			LoginPath:         v.GetString("cookie.login_path"),
			AccessDeniedPath:  v.GetString("cookie.access_denied_path"),
			ExpireTimeSpan:    v.GetDuration("cookie.expire_time_span"),
			SlidingExpiration: v.GetBool("cookie.sliding_expiration"),
			Secure:            v.GetBool("cookie.secure"),
			HashKey:           v.GetString("cookie.hash_key"),
			BlockKey:          v.GetString("cookie.block_key"),
		},
		Password: PasswordConfig{
			RequiredLength:         v.GetInt("password.required_length"),
			RequireDigit:           v.GetBool("password.require_digit"),
			RequireNonAlphanumeric: v.GetBool("password.require_non_alphanumeric"),
			RequireLowercase:       v.GetBool("password.require_lowercase"),
			RequireUppercase:       v.GetBool("password.require_uppercase"),
		},
		Lockout: LockoutConfig{
			MaxFailedAccessAttempts: v.GetInt("lockout.max_failed_access_attempts"),
			DefaultLockoutTimeSpan:  v.GetDuration("lockout.default_lockout_time_span"),
		},
		SignIn: SignInConfig{
			RequireConfirmedEmail: v.GetBool("signin.require_confirmed_email"),
		},
		Smtp: SmtpConfig{
			Host:     v.GetString("smtp.host"),
			Port:     v.GetInt("smtp.port"),
			Username: v.GetString("smtp.username"),
			Password: v.GetString("smtp.password"),
			From:     v.GetString("smtp.from"),
		},
		ClaimsCache: ClaimsCacheConfig{
			TTL:  v.GetDuration("claims_cache.ttl"),
			Size: v.GetInt("claims_cache.size"),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint:   v.GetString("observability.otlp_endpoint"),
			OTLPProtocol:   v.GetString("observability.otlp_protocol"),
			OTLPInsecure:   v.GetBool("observability.otlp_insecure"),
			ServiceName:    v.GetString("observability.service_name"),
			ServiceVersion: v.GetString("observability.service_version"),
			Environment:    v.GetString("observability.environment"),
		},
		Facebook: loadFacebookConfig(v),
		OIDC:     loadOIDCConfig(v),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFacebookConfig accepts both the nested facebook.* keys and the flat
// FacebookAppId / FacebookAppSecret keys. Returns nil when no app id is set.
func loadFacebookConfig(v *viper.Viper) *FacebookConfig {
	appID := firstNonEmpty(v.GetString("facebook.app_id"), v.GetString("FacebookAppId"))
	if appID == "" {
		return nil
	}
	return &FacebookConfig{
		AppID:       appID,
		AppSecret:   firstNonEmpty(v.GetString("facebook.app_secret"), v.GetString("FacebookAppSecret")),
		RedirectURI: v.GetString("facebook.redirect_uri"),
	}
}

// loadOIDCConfig returns nil when no external issuer is configured.
func loadOIDCConfig(v *viper.Viper) *OIDCConfig {
	issuer := v.GetString("oidc.issuer")
	if issuer == "" {
		return nil
	}
	return &OIDCConfig{
		Name:         v.GetString("oidc.name"),
		Issuer:       issuer,
		ClientID:     v.GetString("oidc.client_id"),
		ClientSecret: v.GetString("oidc.client_secret"),
		RedirectURI:  v.GetString("oidc.redirect_uri"),
		Scopes:       v.GetStringSlice("oidc.scopes"),
		TrustEmail:   v.GetBool("oidc.trust_email"),
	}
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required"))
	}
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("store_timeout must be positive"))
	}

	if c.Tokens.Enabled() {
		if len(c.Tokens.Key) < 16 {
			errs = append(errs, errors.New("tokens.key must be at least 16 bytes"))
		}
		if c.Tokens.Issuer == "" {
			errs = append(errs, errors.New("tokens.issuer is required when tokens.key is set"))
		}
		if c.Tokens.Audience == "" {
			errs = append(errs, errors.New("tokens.audience is required when tokens.key is set"))
		}
		if c.Tokens.Lifetime <= 0 {
			errs = append(errs, errors.New("tokens.lifetime must be positive"))
		}
	}

	if c.Cookie.Name == "" {
		errs = append(errs, errors.New("cookie.name is required"))
	}
	if !strings.HasPrefix(c.Cookie.LoginPath, "/") {
		errs = append(errs, fmt.Errorf("cookie.login_path must be an absolute path, got %q", c.Cookie.LoginPath))
	}
	if !strings.HasPrefix(c.Cookie.AccessDeniedPath, "/") {
		errs = append(errs, fmt.Errorf("cookie.access_denied_path must be an absolute path, got %q", c.Cookie.AccessDeniedPath))
	}
	if c.Cookie.ExpireTimeSpan <= 0 {
		errs = append(errs, errors.New("cookie.expire_time_span must be positive"))
	}

	if c.Password.RequiredLength < 1 {
		errs = append(errs, errors.New("password.required_length must be at least 1"))
	}
	if c.Lockout.MaxFailedAccessAttempts < 1 {
		errs = append(errs, errors.New("lockout.max_failed_access_attempts must be at least 1"))
	}
	if c.Lockout.DefaultLockoutTimeSpan <= 0 {
		errs = append(errs, errors.New("lockout.default_lockout_time_span must be positive"))
	}

	if c.Facebook != nil && c.Facebook.AppSecret == "" {
		errs = append(errs, errors.New("facebook.app_secret is required when facebook.app_id is set"))
	}
	if c.OIDC != nil {
		if c.OIDC.ClientID == "" {
			errs = append(errs, errors.New("oidc.client_id is required when oidc.issuer is set"))
		}
		if c.OIDC.ClientSecret == "" {
			errs = append(errs, errors.New("oidc.client_secret is required when oidc.issuer is set"))
		}
	}

	return errors.Join(errs...)
}

// FacebookRedirectURI returns the configured callback URL or derives it from ServerURL.
func (c *Config) FacebookRedirectURI() string {
	if c.Facebook != nil && c.Facebook.RedirectURI != "" {
		return c.Facebook.RedirectURI
	}
	return c.ServerURL + "/Identity/ExternalLogin/facebook/callback"
}

// OIDCRedirectURI returns the configured callback URL or derives it from ServerURL.
func (c *Config) OIDCRedirectURI() string {
	if c.OIDC == nil {
		return ""
	}
	if c.OIDC.RedirectURI != "" {
		return c.OIDC.RedirectURI
	}
	return c.ServerURL + "/Identity/ExternalLogin/" + c.OIDC.Name + "/callback"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
