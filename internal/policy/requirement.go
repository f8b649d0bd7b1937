package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/go-bexpr"

	"github.com/identitycore/authgate/internal/auth"
)

// Kind identifies a requirement descriptor.
type Kind string

const (
	// KindRole requires the principal to hold a role.
	KindRole Kind = "role"
	// KindClaim requires a claim of a type with one of the allowed values.
	KindClaim Kind = "claim"
	// KindAuthenticated requires only an authenticated principal.
	KindAuthenticated Kind = "authenticated"
	// KindExpression evaluates a go-bexpr expression over the principal.
	KindExpression Kind = "expression"
)

// Requirement is a single (kind, parameters) predicate descriptor.
// Build them with RequireRole, RequireClaim, RequireAuthenticated and
// RequireExpression.
type Requirement struct {
	Kind      Kind
	Role      string
	ClaimType string
	Values    []string
	Expr      string

	evaluator *bexpr.Evaluator
}

// RequireRole returns a requirement satisfied when the principal holds role.
// Role names compare case-sensitively.
func RequireRole(role string) Requirement {
	return Requirement{Kind: KindRole, Role: role}
}

// RequireClaim returns a requirement satisfied when the principal has a claim
// of claimType whose value is one of values. The claim type compares
// case-insensitively, values case-sensitively.
func RequireClaim(claimType string, values ...string) Requirement {
	return Requirement{Kind: KindClaim, ClaimType: claimType, Values: values}
}

// RequireAuthenticated returns a requirement satisfied by any principal.
func RequireAuthenticated() Requirement {
	return Requirement{Kind: KindAuthenticated}
}

// RequireExpression returns a requirement evaluated with go-bexpr against
// the principal's fields: user_id, email, method, roles and claims
// (a map of claim type to values), e.g. `"Admin" in roles and claims.Department contains "IT"`.
func RequireExpression(expr string) Requirement {
	return Requirement{Kind: KindExpression, Expr: expr}
}

// compile validates the descriptor and prepares expression evaluators.
func (r Requirement) compile() (Requirement, error) {
	switch r.Kind {
	case KindRole:
		if strings.TrimSpace(r.Role) == "" {
			return r, fmt.Errorf("role requirement needs a role")
		}
	case KindClaim:
		if strings.TrimSpace(r.ClaimType) == "" {
			return r, fmt.Errorf("claim requirement needs a claim type")
		}
		if len(r.Values) == 0 {
			return r, fmt.Errorf("claim requirement %q needs at least one allowed value", r.ClaimType)
		}
		r.Values = slices.Clone(r.Values)
	case KindAuthenticated:
	case KindExpression:
		if strings.TrimSpace(r.Expr) == "" {
			return r, fmt.Errorf("expression requirement needs an expression")
		}
		evaluator, err := bexpr.CreateEvaluator(r.Expr)
		if err != nil {
			return r, fmt.Errorf("invalid expression %q: %w", r.Expr, err)
		}
		r.evaluator = evaluator
	default:
		return r, fmt.Errorf("unknown requirement kind %q", r.Kind)
	}
	return r, nil
}

// satisfied reports whether p meets the requirement. p is never modified.
func (r Requirement) satisfied(p *auth.Principal) bool {
	if p == nil {
		return false
	}
	switch r.Kind {
	case KindRole:
		return p.HasRole(r.Role)
	case KindClaim:
		return p.HasClaim(r.ClaimType, r.Values...)
	case KindAuthenticated:
		return p.UserID != ""
	case KindExpression:
		if r.evaluator == nil {
			return false
		}
		matches, err := r.evaluator.Evaluate(expressionData(p))
		if err != nil {
			// Missing selectors (e.g. an absent claim type) deny.
			return false
		}
		return matches
	default:
		return false
	}
}

func expressionData(p *auth.Principal) map[string]any {
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	return map[string]any{
		"user_id": p.UserID,
		"email":   p.Email,
		"method":  string(p.Method),
		"roles":   roles,
		"claims":  p.ClaimMap(),
	}
}

// String renders the requirement for operator output.
func (r Requirement) String() string {
	switch r.Kind {
	case KindRole:
		return fmt.Sprintf("role(%s)", r.Role)
	case KindClaim:
		return fmt.Sprintf("claim(%s in [%s])", r.ClaimType, strings.Join(r.Values, ", "))
	case KindAuthenticated:
		return "authenticated"
	case KindExpression:
		return fmt.Sprintf("expression(%s)", r.Expr)
	default:
		return string(r.Kind)
	}
}
