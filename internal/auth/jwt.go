package auth

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/xenitab/go-oidc-middleware/oidctoken"
	"github.com/xenitab/go-oidc-middleware/options"

	"github.com/identitycore/authgate/internal/config"
)

// TokenClaims is the claim set carried by bearer tokens.
type TokenClaims struct {
	jwt.RegisteredClaims
	Email  string              `json:"email,omitempty"`
	Roles  []string            `json:"roles,omitempty"`
	Claims map[string][]string `json:"claims,omitempty"`
}

// Principal maps validated claims to a bearer principal.
func (c *TokenClaims) Principal() *Principal {
	p := &Principal{
		UserID: c.Subject,
		Email:  c.Email,
		Roles:  append([]string(nil), c.Roles...),
		Method: MethodBearer,
	}

	// Map iteration order is random; sort types so principals compare equal.
	types := make([]string, 0, len(c.Claims))
	for t := range c.Claims {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		for _, v := range c.Claims[t] {
			p.Claims = append(p.Claims, Claim{Type: t, Value: v})
		}
	}
	return p
}

// TokenService issues and validates HS256 bearer tokens.
type TokenService struct {
	issuer   string
	audience string
	key      []byte
	lifetime time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

// TokenOption customises a TokenService.
type TokenOption func(*TokenService)

// WithClock overrides the time source used for issuance and validation.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTokenService creates a token service from the tokens configuration.
func NewTokenService(cfg config.TokensConfig, opts ...TokenOption) (*TokenService, error) {
	if !cfg.Enabled() {
		return nil, errors.New("tokens.key is not configured")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("tokens.issuer and tokens.audience are required")
	}

	s := &TokenService{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		key:      []byte(cfg.Key),
		lifetime: cfg.Lifetime,
		now:      time.Now,
	}
	if s.lifetime <= 0 {
		s.lifetime = time.Hour
	}
	for _, opt := range opts {
		opt(s)
	}

	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	return s, nil
}

// Issue signs a token for p. Returns the token string and its expiry.
func (s *TokenService) Issue(p *Principal) (string, time.Time, error) {
	if p == nil || p.UserID == "" {
		return "", time.Time{}, errors.New("principal with user id is required")
	}

	// NumericDate has second precision; truncate so exp-iat is exactly the lifetime.
	now := s.now().Truncate(time.Second)
	expiresAt := now.Add(s.lifetime)

	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.UserID,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		Email:  p.Email,
		Roles:  p.Roles,
		Claims: p.ClaimMap(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses and verifies tokenString. Signature, issuer and audience
// failures yield ErrInvalidToken; a token used outside [iat, exp) yields
// ErrTokenExpired.
func (s *TokenService) Validate(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		return nil, classifyTokenError(err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// classifyTokenError maps jwt validation errors onto the gateway taxonomy.
// Signature problems are checked first; jwt verifies the signature before
// any time-based claim.
func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}

// bearerTokenStrings is the default extraction strategy: "Authorization: Bearer <token>".
var bearerTokenStrings = [][]options.TokenStringOption{{}}

// BearerTokenFromHeader extracts the bearer token from request headers.
// Returns an empty string when no Authorization bearer value is present.
func BearerTokenFromHeader(header http.Header) string {
	if header == nil || header.Get("Authorization") == "" {
		return ""
	}
	token, err := oidctoken.GetTokenString(header.Get, bearerTokenStrings)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(token)
}
