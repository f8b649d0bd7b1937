package models

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// User is a local account. Federated-only users have no PasswordHash.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID                string     `bun:"id,pk,type:uuid"`
	Email             string     `bun:"email,notnull"`
	NormalizedEmail   string     `bun:"normalized_email,notnull,unique"` // upper-cased Email, used for lookup
	PasswordHash      *string    `bun:"password_hash"`                   // bcrypt hash
	EmailConfirmed    bool       `bun:"email_confirmed,notnull,default:false"`
	AccessFailedCount int        `bun:"access_failed_count,notnull,default:0"`
	LockoutEnd        *time.Time `bun:"lockout_end"`
	LockoutEnabled    bool       `bun:"lockout_enabled,notnull,default:true"`
	CreatedAt         time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

// IsLockedOut reports whether the lockout end is still in the future at now.
func (u *User) IsLockedOut(now time.Time) bool {
	if u == nil || !u.LockoutEnabled || u.LockoutEnd == nil {
		return false
	}
	return u.LockoutEnd.After(now)
}

// HasPassword reports whether the user can sign in with a local password.
func (u *User) HasPassword() bool {
	return u != nil && u.PasswordHash != nil && *u.PasswordHash != ""
}

// NormalizeEmail returns the lookup key for an email address.
func NormalizeEmail(email string) string {
	return strings.ToUpper(strings.TrimSpace(email))
}

// UserRole assigns a role name to a user. Role names are case-sensitive.
type UserRole struct {
	bun.BaseModel `bun:"table:user_roles,alias:ur"`

	UserID    string    `bun:"user_id,pk,type:uuid"`
	Role      string    `bun:"role,pk"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// UserClaim attaches a (type, value) pair to a user.
type UserClaim struct {
	bun.BaseModel `bun:"table:user_claims,alias:uc"`

	ID         string    `bun:"id,pk,type:uuid"`
	UserID     string    `bun:"user_id,notnull,type:uuid"`
	ClaimType  string    `bun:"claim_type,notnull"`
	ClaimValue string    `bun:"claim_value,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// ExternalLogin links a provider account to a local user.
// (Provider, ProviderUserID) is unique.
type ExternalLogin struct {
	bun.BaseModel `bun:"table:external_logins,alias:el"`

	ID             string    `bun:"id,pk,type:uuid"`
	Provider       string    `bun:"provider,notnull,unique:external_logins_provider_user"`
	ProviderUserID string    `bun:"provider_user_id,notnull,unique:external_logins_provider_user"`
	UserID         string    `bun:"user_id,notnull,type:uuid"`
	Email          string    `bun:"email"`
	CreatedAt      time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// Session is a server-held authenticated context referenced by the session
// cookie. Only the SHA256 hash of the cookie token is stored.
type Session struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	ID         string     `bun:"id,pk,type:uuid"`
	TokenHash  string     `bun:"token_hash,notnull,unique"`
	UserID     string     `bun:"user_id,notnull,type:uuid"`
	AuthMethod string     `bun:"auth_method,notnull"` // password | federated
	Provider   string     `bun:"provider"`
	UserAgent  string     `bun:"user_agent"`
	IPAddress  string     `bun:"ip_address"`
	CreatedAt  time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	ExpiresAt  time.Time  `bun:"expires_at,notnull"`
	LastUsedAt *time.Time `bun:"last_used_at"`
	Revoked    bool       `bun:"revoked,notnull,default:false"`
}

// EmailConfirmation is a single-use email confirmation token.
type EmailConfirmation struct {
	bun.BaseModel `bun:"table:email_confirmations,alias:ec"`

	ID        string     `bun:"id,pk,type:uuid"`
	UserID    string     `bun:"user_id,notnull,type:uuid"`
	TokenHash string     `bun:"token_hash,notnull,unique"`
	ExpiresAt time.Time  `bun:"expires_at,notnull"`
	UsedAt    *time.Time `bun:"used_at"`
	CreatedAt time.Time  `bun:"created_at,notnull,default:current_timestamp"`
}
