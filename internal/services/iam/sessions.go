package iam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/db/models"
	"github.com/identitycore/authgate/internal/logging"
	"github.com/identitycore/authgate/internal/repository"
)

// SessionMetadata is request information recorded with a new session.
type SessionMetadata struct {
	UserAgent string
	IPAddress string
}

// ValidatedSession is the result of a successful session lookup.
type ValidatedSession struct {
	Principal *auth.Principal
	ExpiresAt time.Time
	// Renewed is true when a sliding session was extended during validation.
	Renewed bool
}

// SessionManager issues, validates and revokes server-held sessions.
//
// The cookie carries an opaque random token. Only its SHA256 hash is stored,
// so a leaked sessions table cannot be replayed as cookies.
type SessionManager struct {
	sessions     repository.SessionRepository
	store        repository.IdentityStore
	claims       *ClaimsCache
	lifetime     time.Duration
	sliding      bool
	storeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	// pending tracks asynchronous last-used updates.
	pending sync.WaitGroup
}

// NewSessionManager creates a session manager using the cookie settings in cfg.
func NewSessionManager(
	sessions repository.SessionRepository,
	store repository.IdentityStore,
	claims *ClaimsCache,
	cfg *config.Config,
	now func() time.Time,
	logger *slog.Logger,
) *SessionManager {
	if now == nil {
		now = time.Now
	}
	lifetime := cfg.Cookie.ExpireTimeSpan
	if lifetime <= 0 {
		lifetime = auth.SessionDuration
	}
	return &SessionManager{
		sessions:     sessions,
		store:        store,
		claims:       claims,
		lifetime:     lifetime,
		sliding:      cfg.Cookie.SlidingExpiration,
		storeTimeout: cfg.StoreTimeout,
		now:          now,
		logger:       logging.OrDiscard(logger),
	}
}

// Issue creates a session for principal and returns the cookie token and
// its absolute expiry.
func (m *SessionManager) Issue(ctx context.Context, principal *auth.Principal, meta SessionMetadata) (string, time.Time, error) {
	token, tokenHash, err := auth.GenerateSessionToken()
	if err != nil {
		return "", time.Time{}, err
	}

	now := m.now()
	session := &models.Session{
		TokenHash:  tokenHash,
		UserID:     principal.UserID,
		AuthMethod: string(principal.Method),
		Provider:   principal.Provider,
		UserAgent:  meta.UserAgent,
		IPAddress:  meta.IPAddress,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.lifetime),
	}

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	if err := m.sessions.Create(ctx, session); err != nil {
		return "", time.Time{}, fmt.Errorf("create session: %w", err)
	}

	return token, session.ExpiresAt, nil
}

// Validate resolves a cookie token to a principal.
//
// Unknown, revoked and expired sessions all fail with auth.ErrSessionExpired
// so the client cannot tell them apart. Roles and claims are read from the
// store (through the claims cache) on every call.
func (m *SessionManager) Validate(ctx context.Context, token string) (*ValidatedSession, error) {
	session, err := m.lookup(ctx, auth.HashToken(token))
	if err != nil {
		return nil, err
	}

	now := m.now()
	if err := auth.ValidateSession(auth.SessionState{
		IssuedAt:  session.CreatedAt,
		ExpiresAt: session.ExpiresAt,
		Revoked:   session.Revoked,
	}, now); err != nil {
		return nil, err
	}

	user, rc, err := m.loadUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	principal := NewPrincipal(user, rc, auth.MethodSession)
	principal.SessionID = session.ID
	principal.Provider = session.Provider

	result := &ValidatedSession{Principal: principal, ExpiresAt: session.ExpiresAt}
	if m.sliding {
		expiresAt, renewed := auth.SlideExpiry(auth.SessionState{ExpiresAt: session.ExpiresAt}, m.lifetime, now)
		if renewed {
			if err := m.extend(ctx, session.ID, expiresAt); err != nil {
				m.logger.Warn("failed to extend session", "session_id", session.ID, "error", err)
			} else {
				result.ExpiresAt = expiresAt
				result.Renewed = true
			}
		}
	}

	m.touch(ctx, session.ID, now)
	return result, nil
}

// Revoke marks a session revoked. Revoking an unknown session is not an error.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	if err := m.sessions.Revoke(ctx, sessionID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAll revokes every session held by userID.
func (m *SessionManager) RevokeAll(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	if err := m.sessions.RevokeByUserID(ctx, userID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

// Wait blocks until pending last-used updates have finished.
func (m *SessionManager) Wait() {
	m.pending.Wait()
}

func (m *SessionManager) lookup(ctx context.Context, tokenHash string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	session, err := m.sessions.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown session", auth.ErrSessionExpired)
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	return session, nil
}

func (m *SessionManager) loadUser(ctx context.Context, userID string) (*models.User, *repository.RolesAndClaims, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	user, err := m.store.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: user no longer exists", auth.ErrSessionExpired)
		}
		return nil, nil, fmt.Errorf("lookup session user: %w", err)
	}

	rc, err := m.claims.Get(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, rc, nil
}

func (m *SessionManager) extend(ctx context.Context, sessionID string, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	return m.sessions.Extend(ctx, sessionID, expiresAt)
}

// touch records last use without holding up the request. The update gets its
// own timeout and survives request cancellation.
func (m *SessionManager) touch(ctx context.Context, sessionID string, at time.Time) {
	bg := context.WithoutCancel(ctx)
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		ctx, cancel := context.WithTimeout(bg, m.storeTimeout)
		defer cancel()
		if err := m.sessions.UpdateLastUsed(ctx, sessionID, at); err != nil {
			m.logger.Debug("failed to update session last use", "session_id", sessionID, "error", err)
		}
	}()
}
