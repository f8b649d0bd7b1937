package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/logging"
	authmw "github.com/identitycore/authgate/internal/middleware"
	"github.com/identitycore/authgate/internal/policy"
	"github.com/identitycore/authgate/internal/telemetry"
)

// RoutePolicies lists every policy the router mounts. serve checks them
// against the sealed policy set before listening.
var RoutePolicies = []string{policy.MemberDep, policy.AdminDep}

// RouterOptions controls the construction of the gateway HTTP router.
// IAMService and Cfg are required; other fields fall back to defaults.
type RouterOptions struct {
	IAMService    gatewayService // Compile-time verified IAM service contract
	Cfg           *config.Config
	Logger        *slog.Logger
	Metrics       *telemetry.ServerMetrics
	CORSOptions   *cors.Options
	Middleware    []func(http.Handler) http.Handler
	HealthHandler http.HandlerFunc
	ExtraRoutes   func(chi.Router)
}

// DefaultCORSOptions returns the shared development CORS policy.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"WWW-Authenticate"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter assembles a chi.Router with shared middleware, CORS policy, the
// authentication middleware and the gateway handlers mounted.
func NewRouter(opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	logger := logging.OrDiscard(opts.Logger)

	// Baseline middleware shared across entrypoints.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(requestMetrics(opts.Metrics))
	}

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	// Apply custom middleware passed from the caller.
	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	healthHandler := opts.HealthHandler
	if healthHandler == nil {
		healthHandler = defaultHealthHandler
	}
	r.Get("/health", healthHandler)

	svc := opts.IAMService
	authOpts := authmw.NewOptions(opts.Cfg, logger)

	r.Group(func(r chi.Router) {
		r.Use(authmw.Authenticate(svc, authOpts))

		// Identity endpoints are reachable anonymously.
		r.Route("/Identity", func(r chi.Router) {
			r.Post("/Signup", HandleSignUp(svc, authOpts, opts.Cfg.SignIn.RequireConfirmedEmail))
			r.Get("/ConfirmEmail", HandleConfirmEmail(svc, authOpts))
			r.Get("/Signin", HandleSignInPage(svc))
			r.Get("/Signin/", HandleSignInPage(svc))
			r.Post("/Signin", HandleSignIn(svc, authOpts))
			r.Post("/Signin/", HandleSignIn(svc, authOpts))
			r.Get("/AccessDenied", HandleAccessDenied())
			r.Get("/AccessDenied/", HandleAccessDenied())
			r.Get("/ExternalLogin/{provider}", HandleExternalLogin(svc))
			r.Get("/ExternalLogin/{provider}/callback", HandleExternalLoginCallback(svc, authOpts))
			r.With(authmw.RequireAuthenticated(authOpts)).Post("/Signout", HandleSignOut(svc, authOpts))
		})

		r.Post("/api/token", HandleIssueToken(svc, authOpts))
		r.With(authmw.RequireAuthenticated(authOpts)).Get("/api/whoami", HandleWhoAmI())

		r.With(authmw.RequirePolicy(svc, policy.MemberDep, authOpts)).Get("/Products/List", HandleProductList())
		r.With(authmw.RequirePolicy(svc, policy.AdminDep, authOpts)).Get("/Products/Admin", HandleProductAdmin())

		if opts.ExtraRoutes != nil {
			opts.ExtraRoutes(r)
		}
	})

	return r
}

// NewH2CHandler wraps the shared router with an h2c server to provide HTTP/2 over
// cleartext for clients behind a TLS-terminating proxy.
func NewH2CHandler(opts RouterOptions) http.Handler {
	router := NewRouter(opts)
	return h2c.NewHandler(router, &http2.Server{})
}

// requestMetrics records one otel measurement per request, keyed by the
// matched route pattern.
func requestMetrics(m *telemetry.ServerMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordRequest(r.Context(), r.Method, route, strconv.Itoa(status),
				float64(time.Since(start).Microseconds())/1000)
		})
	}
}
