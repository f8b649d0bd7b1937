package auth

import "errors"

// Authentication and authorization outcomes. Every failure surfaced by the
// gateway wraps exactly one of these.
var (
	// ErrInvalidCredentials covers both an unknown account and a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrLockedOut is returned while an account's lockout end is in the future.
	ErrLockedOut = errors.New("account locked out")

	// ErrEmailNotConfirmed is returned after a correct password when the
	// account's email has not been confirmed.
	ErrEmailNotConfirmed = errors.New("email not confirmed")

	// ErrTokenExpired is returned for a correctly signed token used outside [iat, exp).
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken is returned for a token with a bad signature, issuer or audience.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSessionExpired is returned for an expired, revoked or unknown session cookie.
	ErrSessionExpired = errors.New("session expired")

	// ErrNoCredential is returned when a request carries neither a session cookie nor a bearer token.
	ErrNoCredential = errors.New("no credential presented")

	// ErrUnknownPolicy is returned when a policy name was never registered.
	ErrUnknownPolicy = errors.New("unknown policy")

	// ErrPolicyDenied is returned when an authenticated principal fails a policy.
	ErrPolicyDenied = errors.New("policy denied")
)

var authenticationFailures = []error{
	ErrInvalidCredentials,
	ErrLockedOut,
	ErrEmailNotConfirmed,
	ErrTokenExpired,
	ErrInvalidToken,
	ErrSessionExpired,
	ErrNoCredential,
}

// IsAuthenticationFailure reports whether err means "who are you?" went
// unanswered, as opposed to an authorization or internal failure.
func IsAuthenticationFailure(err error) bool {
	for _, target := range authenticationFailures {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// PublicCode maps err to the stable code written to clients. Internal error
// text never leaves the process.
func PublicCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrLockedOut):
		return "locked_out"
	case errors.Is(err, ErrEmailNotConfirmed):
		return "email_not_confirmed"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrNoCredential):
		return "unauthenticated"
	case errors.Is(err, ErrPolicyDenied):
		return "forbidden"
	default:
		return "internal_error"
	}
}
