package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/logging"
	"github.com/identitycore/authgate/internal/middleware"
	"github.com/identitycore/authgate/internal/services/iam"
)

// SignUpRequest is the body of POST /Identity/Signup.
type SignUpRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	Role       string `json:"role"`
	Department string `json:"department"`
}

// SignUpResponse acknowledges a new account awaiting email confirmation.
type SignUpResponse struct {
	UserID               string `json:"user_id"`
	Email                string `json:"email"`
	ConfirmationRequired bool   `json:"confirmation_required"`
}

// SignInRequest is the body of POST /Identity/Signin/.
type SignInRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	ReturnURL string `json:"return_url"`
}

// SignInResponse is written to API clients after a successful sign-in.
type SignInResponse struct {
	User      PrincipalResponse `json:"user"`
	ExpiresAt int64             `json:"expires_at"`
}

// SignInPageResponse tells clients how to sign in.
type SignInPageResponse struct {
	Providers []string `json:"providers"`
	ReturnURL string   `json:"return_url,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// validationResponse adds the rule that rejected the input.
type validationResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// HandleSignUp creates a local account with a role and a Department claim,
// then mails a confirmation link.
func HandleSignUp(svc gatewayService, opts middleware.Options, requireConfirmed bool) http.HandlerFunc {
	logger := logging.OrDiscard(opts.Logger)
	return func(w http.ResponseWriter, r *http.Request) {
		var req SignUpRequest
		if err := decodeBody(w, r, &req, func(f url.Values) {
			req = SignUpRequest{
				Email:      f.Get("Email"),
				Password:   f.Get("Password"),
				Role:       f.Get("Role"),
				Department: f.Get("Department"),
			}
		}); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, codeBadRequest)
			return
		}

		user, err := svc.SignUp(r.Context(), iam.SignUpRequest{
			Email:      req.Email,
			Password:   req.Password,
			Role:       req.Role,
			Department: req.Department,
		})
		switch {
		case err == nil:
		case errors.Is(err, iam.ErrInvalidEmail):
			middleware.WriteJSON(w, http.StatusBadRequest, validationResponse{Error: codeInvalidEmail, Detail: ruleViolation(err)})
			return
		case errors.Is(err, iam.ErrPasswordRejected):
			middleware.WriteJSON(w, http.StatusBadRequest, validationResponse{Error: codePasswordRejected, Detail: ruleViolation(err)})
			return
		case errors.Is(err, iam.ErrEmailTaken):
			middleware.WriteError(w, http.StatusConflict, codeEmailTaken)
			return
		default:
			logger.Error("sign up failed", "error", err)
			middleware.WriteError(w, http.StatusInternalServerError, middleware.CodeInternal)
			return
		}

		middleware.WriteJSON(w, http.StatusCreated, SignUpResponse{
			UserID:               user.ID,
			Email:                user.Email,
			ConfirmationRequired: requireConfirmed && !user.EmailConfirmed,
		})
	}
}

// ruleViolation returns the user-facing rule message from a wrapped
// validation error ("sentinel: rule").
func ruleViolation(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}

// HandleConfirmEmail consumes the token from a confirmation link.
func HandleConfirmEmail(svc gatewayService, opts middleware.Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		err := svc.ConfirmEmail(r.Context(), q.Get("userId"), q.Get("token"))
		switch {
		case err == nil:
		case errors.Is(err, iam.ErrInvalidConfirmation):
			middleware.WriteError(w, http.StatusBadRequest, codeInvalidConfirmation)
			return
		default:
			opts.Fail(w, r, err)
			return
		}

		if middleware.IsBrowserRequest(r) {
			http.Redirect(w, r, opts.LoginPath, http.StatusFound)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]bool{"email_confirmed": true})
	}
}

// HandleSignInPage is the target of login redirects. It lists the external
// providers and echoes ReturnUrl and any previous error code.
func HandleSignInPage(svc gatewayService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		middleware.WriteJSON(w, http.StatusOK, SignInPageResponse{
			Providers: svc.Providers(),
			ReturnURL: middleware.SafeReturnURL(q.Get("ReturnUrl"), ""),
			Error:     q.Get("error"),
		})
	}
}

// HandleSignIn validates email and password and opens a session.
//
// HTML form posts are answered with a redirect: to ReturnUrl on success,
// back to the sign-in page with an error code otherwise. JSON clients get
// the principal or a 401 with the public code.
func HandleSignIn(svc gatewayService, opts middleware.Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		form := isFormPost(r)

		var req SignInRequest
		if err := decodeBody(w, r, &req, func(f url.Values) {
			req = SignInRequest{
				Email:     f.Get("Email"),
				Password:  f.Get("Password"),
				ReturnURL: f.Get("ReturnUrl"),
			}
		}); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, codeBadRequest)
			return
		}
		if req.ReturnURL == "" {
			req.ReturnURL = r.URL.Query().Get("ReturnUrl")
		}

		if req.Email == "" || req.Password == "" {
			signInFailed(w, r, opts, auth.ErrInvalidCredentials, form, req.ReturnURL)
			return
		}

		result, err := svc.PasswordSignIn(r.Context(), req.Email, req.Password, sessionMetadata(r))
		if err != nil {
			signInFailed(w, r, opts, err, form, req.ReturnURL)
			return
		}

		opts.Cookies.Set(w, r, result.SessionToken, result.ExpiresAt)
		if form {
			http.Redirect(w, r, middleware.SafeReturnURL(req.ReturnURL, "/"), http.StatusSeeOther)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, SignInResponse{
			User:      newPrincipalResponse(result.Principal),
			ExpiresAt: result.ExpiresAt.UnixMilli(),
		})
	}
}

// signInFailed answers a failed interactive sign-in.
func signInFailed(w http.ResponseWriter, r *http.Request, opts middleware.Options, err error, form bool, returnURL string) {
	if !auth.IsAuthenticationFailure(err) {
		opts.Fail(w, r, err)
		return
	}
	if form {
		http.Redirect(w, r, pathWithQuery(opts.LoginPath, map[string]string{
			"error":     auth.PublicCode(err),
			"ReturnUrl": middleware.SafeReturnURL(returnURL, ""),
		}), http.StatusSeeOther)
		return
	}
	middleware.WriteError(w, http.StatusUnauthorized, auth.PublicCode(err))
}

// HandleSignOut revokes the caller's session and clears the cookie.
func HandleSignOut(svc gatewayService, opts middleware.Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			opts.Fail(w, r, auth.ErrNoCredential)
			return
		}

		if err := svc.SignOut(r.Context(), principal); err != nil {
			opts.Fail(w, r, err)
			return
		}
		opts.Cookies.Clear(w, r)

		if isFormPost(r) || middleware.IsBrowserRequest(r) {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Signed out"))
	}
}

// HandleAccessDenied is the landing page for browsers that failed a policy.
func HandleAccessDenied() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusForbidden, map[string]string{
			"error":      auth.PublicCode(auth.ErrPolicyDenied),
			"return_url": middleware.SafeReturnURL(r.URL.Query().Get("ReturnUrl"), ""),
		})
	}
}

// HandleExternalLogin starts the handshake with the named provider.
func HandleExternalLogin(svc gatewayService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider, err := svc.Provider(chi.URLParam(r, "provider"))
		if err != nil {
			middleware.WriteError(w, http.StatusNotFound, codeUnknownProvider)
			return
		}

		if returnURL := middleware.SafeReturnURL(r.URL.Query().Get("ReturnUrl"), ""); returnURL != "" {
			setReturnURLCookie(w, r, returnURL)
		}
		provider.BeginHandshake(w, r)
	}
}

// HandleExternalLoginCallback completes the handshake, signs the external
// identity in and opens a session.
func HandleExternalLoginCallback(svc gatewayService, opts middleware.Options) http.HandlerFunc {
	logger := logging.OrDiscard(opts.Logger)
	return func(w http.ResponseWriter, r *http.Request) {
		provider, err := svc.Provider(chi.URLParam(r, "provider"))
		if err != nil {
			middleware.WriteError(w, http.StatusNotFound, codeUnknownProvider)
			return
		}
		returnURL := middleware.SafeReturnURL(popReturnURLCookie(w, r), "")

		identity, err := provider.Exchange(w, r)
		if err != nil {
			logger.Info("external login handshake failed", "provider", provider.Name(), "error", err)
			if !errors.Is(err, auth.ErrHandshakeFailed) {
				opts.Fail(w, r, err)
				return
			}
			http.Redirect(w, r, pathWithQuery(opts.LoginPath, map[string]string{
				"error":     codeHandshakeFailed,
				"ReturnUrl": returnURL,
			}), http.StatusFound)
			return
		}

		result, err := svc.ExternalSignIn(r.Context(), identity, sessionMetadata(r))
		if err != nil {
			if !auth.IsAuthenticationFailure(err) {
				opts.Fail(w, r, err)
				return
			}
			http.Redirect(w, r, pathWithQuery(opts.LoginPath, map[string]string{
				"error":     auth.PublicCode(err),
				"ReturnUrl": returnURL,
			}), http.StatusFound)
			return
		}

		opts.Cookies.Set(w, r, result.SessionToken, result.ExpiresAt)
		http.Redirect(w, r, middleware.SafeReturnURL(returnURL, "/"), http.StatusFound)
	}
}
