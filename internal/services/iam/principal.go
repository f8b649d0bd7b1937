package iam

import (
	"github.com/identitycore/authgate/internal/auth"
	"github.com/identitycore/authgate/internal/db/models"
	"github.com/identitycore/authgate/internal/repository"
)

// NewPrincipal builds the request principal from a user record and its
// resolved roles and claims.
//
// The returned Principal is treated as immutable. Roles and claims are
// copied so later cache updates never leak into an in-flight request.
func NewPrincipal(user *models.User, rc *repository.RolesAndClaims, method auth.AuthMethod) *auth.Principal {
	p := &auth.Principal{
		UserID: user.ID,
		Email:  user.Email,
		Method: method,
	}
	if rc == nil {
		return p
	}

	p.Roles = append([]string(nil), rc.Roles...)
	if len(rc.Claims) > 0 {
		p.Claims = make([]auth.Claim, 0, len(rc.Claims))
		for _, c := range rc.Claims {
			p.Claims = append(p.Claims, auth.Claim{Type: c.ClaimType, Value: c.ClaimValue})
		}
	}
	return p
}
