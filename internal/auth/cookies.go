package auth

import (
	"net/http"
	"time"

	"github.com/identitycore/authgate/internal/config"
)

// SessionCookies writes and clears the session cookie.
type SessionCookies struct {
	name   string
	secure bool
}

// NewSessionCookies creates a cookie writer from the cookie configuration.
func NewSessionCookies(cfg config.CookieConfig) SessionCookies {
	return SessionCookies{name: cfg.Name, secure: cfg.Secure}
}

// Set writes the session cookie with an absolute expiry.
func (c SessionCookies) Set(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   c.secure || IsHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the session cookie on the client.
func (c SessionCookies) Clear(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure || IsHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
}

// IsHTTPS reports whether r arrived over TLS, directly or through a proxy
// that sets X-Forwarded-Proto.
func IsHTTPS(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	return r.Header.Get("X-Forwarded-Proto") == "https"
}
