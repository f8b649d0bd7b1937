package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/identitycore/authgate/internal/auth"
)

// ErrorResponse is the JSON body written for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// IsBrowserRequest reports whether r came from an interactive browser rather
// than an API client: no Authorization header and an Accept header that
// asks for HTML.
func IsBrowserRequest(r *http.Request) bool {
	if r.Header.Get("Authorization") != "" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Fail writes the outcome for err.
//
//	authentication failure   browser: 302 to LoginPath      API: 401 + WWW-Authenticate
//	auth.ErrPolicyDenied     browser: 302 to AccessDenied   API: 403
//	anything else            500
//
// The body carries auth.PublicCode(err) only.
func (o Options) Fail(w http.ResponseWriter, r *http.Request, err error) {
	code := auth.PublicCode(err)
	browser := IsBrowserRequest(r)

	switch {
	case auth.IsAuthenticationFailure(err):
		if browser {
			http.Redirect(w, r, withReturnURL(o.LoginPath, r), http.StatusFound)
			return
		}
		w.Header().Set("WWW-Authenticate", bearerChallenge(err))
		WriteError(w, http.StatusUnauthorized, code)
	case errors.Is(err, auth.ErrPolicyDenied):
		if browser {
			http.Redirect(w, r, withReturnURL(o.AccessDeniedPath, r), http.StatusFound)
			return
		}
		WriteError(w, http.StatusForbidden, code)
	default:
		o.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal)
	}
}

// CodeInternal is the public code for every unclassified failure.
const CodeInternal = "internal_error"

func bearerChallenge(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		return `Bearer error="invalid_token"`
	case errors.Is(err, auth.ErrTokenExpired):
		return `Bearer error="invalid_token", error_description="token expired"`
	default:
		return "Bearer"
	}
}

func withReturnURL(path string, r *http.Request) string {
	return path + "?" + url.Values{"ReturnUrl": {r.URL.RequestURI()}}.Encode()
}

// SafeReturnURL returns target when it is a local absolute path, otherwise
// fallback. Open redirects to other hosts are refused.
func SafeReturnURL(target, fallback string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return fallback
	}
	u, err := url.Parse(target)
	if err != nil || u.IsAbs() || u.Host != "" {
		return fallback
	}
	return target
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse with the given status.
func WriteError(w http.ResponseWriter, status int, code string) {
	WriteJSON(w, status, ErrorResponse{Error: code})
}
