package server

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/middleware"
	"github.com/identitycore/authgate/internal/services/iam"
)

// PrincipalResponse represents the authenticated principal in API responses.
type PrincipalResponse struct {
	UserID     string              `json:"user_id"`
	Email      string              `json:"email,omitempty"`
	Roles      []string            `json:"roles"`
	Claims     map[string][]string `json:"claims"`
	AuthMethod string              `json:"auth_method"`
	Provider   string              `json:"provider,omitempty"`
}

func newPrincipalResponse(p *auth.Principal) PrincipalResponse {
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	return PrincipalResponse{
		UserID:     p.UserID,
		Email:      p.Email,
		Roles:      roles,
		Claims:     p.ClaimMap(),
		AuthMethod: string(p.Method),
		Provider:   p.Provider,
	}
}

// TokenRequest is the body of POST /api/token.
type TokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a signed bearer token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	ExpiresAt   int64  `json:"expires_at"`
}

// HandleIssueToken exchanges email and password for a bearer token.
func HandleIssueToken(svc gatewayService, opts middleware.Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TokenRequest
		if err := decodeBody(w, r, &req, func(f url.Values) {
			req = TokenRequest{Email: f.Get("email"), Password: f.Get("password")}
		}); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, codeBadRequest)
			return
		}
		if req.Email == "" || req.Password == "" {
			middleware.WriteError(w, http.StatusBadRequest, codeBadRequest)
			return
		}

		token, expiresAt, err := svc.IssueToken(r.Context(), req.Email, req.Password)
		switch {
		case err == nil:
		case errors.Is(err, iam.ErrTokensDisabled):
			middleware.WriteError(w, http.StatusNotFound, codeTokensDisabled)
			return
		case auth.IsAuthenticationFailure(err):
			middleware.WriteError(w, http.StatusUnauthorized, auth.PublicCode(err))
			return
		default:
			opts.Fail(w, r, err)
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		middleware.WriteJSON(w, http.StatusOK, TokenResponse{
			AccessToken: token,
			TokenType:   "Bearer",
			ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
			ExpiresAt:   expiresAt.UnixMilli(),
		})
	}
}

// HandleWhoAmI returns the authenticated principal. Mounted behind
// RequireAuthenticated.
func HandleWhoAmI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			middleware.WriteError(w, http.StatusUnauthorized, auth.PublicCode(auth.ErrNoCredential))
			return
		}
		middleware.WriteJSON(w, http.StatusOK, newPrincipalResponse(principal))
	}
}
