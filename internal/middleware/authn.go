package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/logging"
	"github.com/identitycore/authgate/internal/services/iam"
)

// Gateway is the slice of iam.Service the middleware chain depends on.
type Gateway interface {
	AuthenticateRequest(ctx context.Context, req iam.AuthRequest) (*auth.Principal, error)
	Authorize(ctx context.Context, principal *auth.Principal, policyName string) error
}

var _ Gateway = (iam.Service)(nil)

// Options carries what the middleware needs to write cookies and answer
// browsers with redirects.
type Options struct {
	Cookies          auth.SessionCookies
	LoginPath        string
	AccessDeniedPath string
	Logger           *slog.Logger
}

// NewOptions builds middleware options from the cookie configuration.
func NewOptions(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		Cookies:          auth.NewSessionCookies(cfg.Cookie),
		LoginPath:        cfg.Cookie.LoginPath,
		AccessDeniedPath: cfg.Cookie.AccessDeniedPath,
		Logger:           logging.OrDiscard(logger),
	}
}

func (o Options) logger() *slog.Logger {
	return logging.OrDiscard(o.Logger)
}

// Authenticate resolves the request's principal.
//
// This middleware:
//  1. Builds an iam.AuthRequest from headers and cookies
//  2. Calls gw.AuthenticateRequest, which tries the session cookie then the bearer token
//  3. Stores the principal, or the failure, on the request context
//  4. Always continues to the next handler
//
// Rejection is left to RequireAuthenticated and RequirePolicy so that
// anonymous routes keep working. A renewed sliding session has its cookie
// reissued; a dead session cookie is cleared.
func Authenticate(gw Gateway, opts Options) func(http.Handler) http.Handler {
	logger := opts.logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authReq := iam.NewAuthRequest(r)
			authReq.OnSessionRenewed = func(token string, expiresAt time.Time) {
				opts.Cookies.Set(w, r, token, expiresAt)
			}

			principal, err := gw.AuthenticateRequest(ctx, authReq)
			switch {
			case err == nil:
				ctx = auth.WithPrincipal(ctx, principal)
			case errors.Is(err, auth.ErrNoCredential):
				ctx = auth.WithAuthError(ctx, err)
			default:
				logger.Info("authentication failed",
					"method", r.Method, "path", r.URL.Path, "code", auth.PublicCode(err), "error", err)
				if errors.Is(err, auth.ErrSessionExpired) {
					opts.Cookies.Clear(w, r)
				}
				ctx = auth.WithAuthError(ctx, err)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
