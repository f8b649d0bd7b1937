package server

import "errors"

var (
	// ErrMalformedBody is returned when a request body cannot be decoded
	ErrMalformedBody = errors.New("malformed request body")

	// ErrMissingCredentials is returned when email or password is empty
	ErrMissingCredentials = errors.New("email and password are required")
)

// Public codes for request-level failures that are not authentication outcomes.
const (
	codeBadRequest          = "bad_request"
	codeInvalidEmail        = "invalid_email"
	codePasswordRejected    = "password_rejected"
	codeEmailTaken          = "email_taken"
	codeInvalidConfirmation = "invalid_confirmation"
	codeUnknownProvider     = "unknown_provider"
	codeTokensDisabled      = "tokens_disabled"
	codeHandshakeFailed     = "external_login_failed"
)
