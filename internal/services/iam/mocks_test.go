package iam

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/config"
	"github.com/identitycore/authgate/internal/db/models"
	"github.com/identitycore/authgate/internal/repository"
)

// fakeClock is a settable clock shared by the service under test and its mocks.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *config.Config {
	return &config.Config{
		ServerURL:    "http://localhost:8080",
		StoreTimeout: 5 * time.Second,
		Tokens: config.TokensConfig{
			Issuer:   "https://authgate.test",
			Audience: "products-api",
			Key:      "0123456789abcdef0123456789abcdef",
			Lifetime: time.Hour,
		},
		Cookie: config.CookieConfig{
			Name:             "authgate.session",
			LoginPath:        "/Identity/Signin/",
			AccessDeniedPath: "/Identity/AccessDenied/",
			ExpireTimeSpan:   10 * time.Hour,
		},
		Password: config.PasswordConfig{
			RequiredLength: 3,
			RequireDigit:   true,
		},
		Lockout: config.LockoutConfig{
			MaxFailedAccessAttempts: 3,
			DefaultLockoutTimeSpan:  10 * time.Minute,
		},
		SignIn: config.SignInConfig{RequireConfirmedEmail: true},
		ClaimsCache: config.ClaimsCacheConfig{
			TTL:  30 * time.Second,
			Size: 16,
		},
	}
}

// mockIdentityStore is an in-memory IdentityStore. UpdateLockoutState applies
// the same transition as the SQL statement under a mutex.
type mockIdentityStore struct {
	mu       sync.Mutex
	users    map[string]*models.User // id → user
	roles    map[string][]string
	claims   map[string][]models.UserClaim
	logins   map[string]string // provider|providerUserID → user id
	rcReads  int
	failNext error
	// failGrants fails the next CreateUserWithGrants carrying any grant,
	// leaving nothing behind as the transaction would.
	failGrants error
}

func newMockIdentityStore() *mockIdentityStore {
	return &mockIdentityStore{
		users:  make(map[string]*models.User),
		roles:  make(map[string][]string),
		claims: make(map[string][]models.UserClaim),
		logins: make(map[string]string),
	}
}

func (m *mockIdentityStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	key := models.NormalizeEmail(email)
	for _, u := range m.users {
		if u.NormalizedEmail == key {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("find user %s: %w", email, repository.ErrNotFound)
}

func (m *mockIdentityStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("find user %s: %w", id, repository.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *mockIdentityStore) FindByExternalLogin(ctx context.Context, provider, providerUserID string) (*models.User, error) {
	m.mu.Lock()
	id, ok := m.logins[provider+"|"+providerUserID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("find external login: %w", repository.ErrNotFound)
	}
	return m.FindByID(ctx, id)
}

func (m *mockIdentityStore) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.NormalizedEmail = models.NormalizeEmail(user.Email)
	for _, u := range m.users {
		if u.NormalizedEmail == user.NormalizedEmail {
			return fmt.Errorf("create user: %w", repository.ErrConflict)
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *mockIdentityStore) CreateUserWithGrants(ctx context.Context, user *models.User, grants repository.RolesAndClaims) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(grants.Roles)+len(grants.Claims) > 0 && m.failGrants != nil {
		err := m.failGrants
		m.failGrants = nil
		return fmt.Errorf("add role: %w", err)
	}
	key := models.NormalizeEmail(user.Email)
	for _, u := range m.users {
		if u.NormalizedEmail == key {
			return fmt.Errorf("create user: %w", repository.ErrConflict)
		}
	}
	user.NormalizedEmail = key
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	cp := *user
	m.users[user.ID] = &cp
	m.roles[user.ID] = append(m.roles[user.ID], grants.Roles...)
	for _, c := range grants.Claims {
		m.claims[user.ID] = append(m.claims[user.ID], models.UserClaim{UserID: user.ID, ClaimType: c.ClaimType, ClaimValue: c.ClaimValue})
	}
	return nil
}

func (m *mockIdentityStore) UpdateLockoutState(ctx context.Context, userID string, change repository.LockoutChange) (repository.LockoutState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return repository.LockoutState{}, repository.ErrNotFound
	}
	if change.Succeeded {
		u.AccessFailedCount = 0
		u.LockoutEnd = nil
	} else if u.AccessFailedCount+1 >= change.MaxFailedAttempts {
		end := change.LockoutEnd
		u.AccessFailedCount = 0
		u.LockoutEnd = &end
	} else {
		u.AccessFailedCount++
	}
	return repository.LockoutState{AccessFailedCount: u.AccessFailedCount, LockoutEnd: u.LockoutEnd}, nil
}

func (m *mockIdentityStore) GetRolesAndClaims(ctx context.Context, userID string) (*repository.RolesAndClaims, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rcReads++
	return &repository.RolesAndClaims{
		Roles:  append([]string(nil), m.roles[userID]...),
		Claims: append([]models.UserClaim(nil), m.claims[userID]...),
	}, nil
}

func (m *mockIdentityStore) AddRole(ctx context.Context, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[userID] = append(m.roles[userID], role)
	return nil
}

func (m *mockIdentityStore) AddClaim(ctx context.Context, userID, claimType, claimValue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[userID] = append(m.claims[userID], models.UserClaim{UserID: userID, ClaimType: claimType, ClaimValue: claimValue})
	return nil
}

func (m *mockIdentityStore) LinkExternalIdentity(ctx context.Context, login *models.ExternalLogin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := login.Provider + "|" + login.ProviderUserID
	if _, ok := m.logins[key]; ok {
		return fmt.Errorf("link external login: %w", repository.ErrConflict)
	}
	m.logins[key] = login.UserID
	return nil
}

func (m *mockIdentityStore) ConfirmEmail(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	u.EmailConfirmed = true
	return nil
}

func (m *mockIdentityStore) SetPasswordHash(ctx context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	u.PasswordHash = &hash
	return nil
}

// user returns a copy of the stored user.
func (m *mockIdentityStore) user(id string) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.users[id]
}

func (m *mockIdentityStore) rolesAndClaimsReads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rcReads
}

func (m *mockIdentityStore) userCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

func (m *mockIdentityStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

// addUser seeds a user with a bcrypt password, roles and claims.
func (m *mockIdentityStore) addUser(email, password string, confirmed bool, roles []string, claims map[string]string) *models.User {
	u := &models.User{
		Email:          email,
		EmailConfirmed: confirmed,
		LockoutEnabled: true,
	}
	if password != "" {
		hash, err := auth.HashPassword(password)
		if err != nil {
			panic(err)
		}
		u.PasswordHash = &hash
	}
	if err := m.CreateUser(context.Background(), u); err != nil {
		panic(err)
	}
	for _, r := range roles {
		_ = m.AddRole(context.Background(), u.ID, r)
	}
	for t, v := range claims {
		_ = m.AddClaim(context.Background(), u.ID, t, v)
	}
	return u
}

// mockSessionRepository for testing
type mockSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*models.Session // tokenHash → session
	touched  map[string]time.Time
}

func newMockSessionRepository() *mockSessionRepository {
	return &mockSessionRepository{
		sessions: make(map[string]*models.Session),
		touched:  make(map[string]time.Time),
	}
}

func (m *mockSessionRepository) Create(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	cp := *session
	m.sessions[session.TokenHash] = &cp
	return nil
}

func (m *mockSessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[tokenHash]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, fmt.Errorf("get session by token: %w", repository.ErrNotFound)
}

func (m *mockSessionRepository) byID(id string) *models.Session {
	for _, s := range m.sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (m *mockSessionRepository) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byID(id)
	if s == nil {
		return repository.ErrNotFound
	}
	s.LastUsedAt = &at
	m.touched[id] = at
	return nil
}

func (m *mockSessionRepository) Extend(ctx context.Context, id string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byID(id)
	if s == nil {
		return repository.ErrNotFound
	}
	s.ExpiresAt = expiresAt
	return nil
}

func (m *mockSessionRepository) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byID(id)
	if s == nil {
		return repository.ErrNotFound
	}
	s.Revoked = true
	return nil
}

func (m *mockSessionRepository) RevokeByUserID(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID {
			s.Revoked = true
		}
	}
	return nil
}

func (m *mockSessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, s := range m.sessions {
		if s.ExpiresAt.Before(before) {
			delete(m.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (m *mockSessionRepository) session(id string) models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.byID(id)
}

func (m *mockSessionRepository) lastTouched(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.touched[id]
	return at, ok
}

// mockConfirmationRepository for testing
type mockConfirmationRepository struct {
	mu    sync.Mutex
	items map[string]*models.EmailConfirmation // tokenHash → confirmation
}

func newMockConfirmationRepository() *mockConfirmationRepository {
	return &mockConfirmationRepository{items: make(map[string]*models.EmailConfirmation)}
}

func (m *mockConfirmationRepository) Create(ctx context.Context, c *models.EmailConfirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.items[c.TokenHash] = &cp
	return nil
}

func (m *mockConfirmationRepository) Consume(ctx context.Context, tokenHash string, now time.Time) (*models.EmailConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[tokenHash]
	if !ok || c.UsedAt != nil || !now.Before(c.ExpiresAt) {
		return nil, repository.ErrNotFound
	}
	c.UsedAt = &now
	cp := *c
	return &cp, nil
}

// mockEmailSender records sent messages.
type mockEmailSender struct {
	mu   sync.Mutex
	sent []sentEmail
}

type sentEmail struct {
	To, Subject, Body string
}

func (m *mockEmailSender) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentEmail{To: to, Subject: subject, Body: body})
	return nil
}

// confirmationToken extracts the token query parameter from the last message.
func (m *mockEmailSender) confirmationToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	body := m.sent[len(m.sent)-1].Body
	i := strings.Index(body, "token=")
	if i < 0 {
		return ""
	}
	token := body[i+len("token="):]
	if j := strings.IndexAny(token, "&\n "); j >= 0 {
		token = token[:j]
	}
	return token
}

// mockAuthenticator for testing
type mockAuthenticator struct {
	principal *auth.Principal
	err       error
	calls     int
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, req AuthRequest) (*auth.Principal, error) {
	m.calls++
	return m.principal, m.err
}

// mockProvider is a FederationProvider with a fixed identity.
type mockProvider struct {
	name     string
	identity *auth.ExternalIdentity
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) BeginHandshake(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://idp.test/authorize", http.StatusFound)
}

func (m *mockProvider) Exchange(w http.ResponseWriter, r *http.Request) (*auth.ExternalIdentity, error) {
	return m.identity, nil
}
