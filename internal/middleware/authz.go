package middleware

import (
	"net/http"

	"github.com/identitycore/authgate/internal/auth"
)

// RequireAuthenticated rejects requests that Authenticate could not attach a
// principal to.
func RequireAuthenticated(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.PrincipalFromContext(r.Context()); !ok {
				opts.Fail(w, r, authenticationError(r))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePolicy authenticates and then evaluates the named policy for every
// request. Must run after Authenticate.
func RequirePolicy(gw Gateway, policyName string, opts Options) func(http.Handler) http.Handler {
	logger := opts.logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			principal, ok := auth.PrincipalFromContext(ctx)
			if !ok {
				opts.Fail(w, r, authenticationError(r))
				return
			}

			if err := gw.Authorize(ctx, principal, policyName); err != nil {
				logger.Debug("authorization failed",
					"policy", policyName, "user_id", principal.UserID, "path", r.URL.Path, "error", err)
				opts.Fail(w, r, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// authenticationError returns the failure Authenticate recorded, or
// ErrNoCredential when the middleware did not run.
func authenticationError(r *http.Request) error {
	if err := auth.AuthErrorFromContext(r.Context()); err != nil {
		return err
	}
	return auth.ErrNoCredential
}
