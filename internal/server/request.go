package server

import (
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/services/iam"
)

// maxBodyBytes bounds JSON and form bodies.
const maxBodyBytes = 64 << 10

// returnURLCookieName carries ReturnUrl across an external login round trip.
const returnURLCookieName = "authgate.return_url"

// isFormPost reports whether r carries an HTML form body.
func isFormPost(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data"
}

// decodeBody fills dst from a JSON body, or from form fields via formFields
// for HTML form posts.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, formFields func(url.Values)) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if isFormPost(r) {
		if err := r.ParseForm(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}
		formFields(r.PostForm)
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return nil
}

// sessionMetadata records who opened a session.
func sessionMetadata(r *http.Request) iam.SessionMetadata {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return iam.SessionMetadata{UserAgent: r.UserAgent(), IPAddress: ip}
}

// setReturnURLCookie remembers where to send the browser after an external login.
func setReturnURLCookie(w http.ResponseWriter, r *http.Request, returnURL string) {
	http.SetCookie(w, &http.Cookie{
		Name:     returnURLCookieName,
		Value:    url.QueryEscape(returnURL),
		Path:     "/",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   auth.IsHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
}

// popReturnURLCookie reads and clears the cookie set by setReturnURLCookie.
func popReturnURLCookie(w http.ResponseWriter, r *http.Request) string {
	cookie, err := r.Cookie(returnURLCookieName)
	if err != nil {
		return ""
	}
	http.SetCookie(w, &http.Cookie{
		Name:     returnURLCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   auth.IsHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
	value, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		return ""
	}
	return value
}

// pathWithQuery appends non-empty query parameters to path.
func pathWithQuery(path string, params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	if len(q) == 0 {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}
