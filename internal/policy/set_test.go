package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/identitycore/authgate/internal/auth"
)

func principal(roles []string, claims ...auth.Claim) *auth.Principal {
	return &auth.Principal{UserID: "user-1", Roles: roles, Claims: claims, Method: auth.MethodSession}
}

func department(value string) auth.Claim {
	return auth.Claim{Type: DepartmentClaim, Value: value}
}

func defaultSet(t *testing.T) *Set {
	t.Helper()
	s := NewSet()
	require.NoError(t, RegisterDefaults(s))
	s.Seal()
	return s
}

func TestDefaults_TruthTable(t *testing.T) {
	s := defaultSet(t)

	tests := []struct {
		name      string
		principal *auth.Principal
		adminDep  bool
		memberDep bool
	}{
		{name: "admin in IT", principal: principal([]string{"Admin"}, department("IT")), adminDep: true},
		{name: "admin in Tech", principal: principal([]string{"Admin"}, department("Tech"))},
		{name: "member in IT", principal: principal([]string{"Member"}, department("IT")), memberDep: true},
		{name: "member in Tech", principal: principal([]string{"Member"}, department("Tech")), memberDep: true},
		{name: "member in Sales", principal: principal([]string{"Member"}, department("Sales"))},
		{name: "admin and member in IT", principal: principal([]string{"Admin", "Member"}, department("IT")), adminDep: true, memberDep: true},
		{name: "role case differs", principal: principal([]string{"admin"}, department("IT"))},
		{name: "department value case differs", principal: principal([]string{"Admin"}, department("it"))},
		{name: "claim type case differs", principal: principal([]string{"Admin"}, auth.Claim{Type: "department", Value: "IT"}), adminDep: true},
		{name: "no claims", principal: principal([]string{"Admin", "Member"})},
		{name: "nothing", principal: principal(nil)},
		{name: "nil principal", principal: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := s.Evaluate(AdminDep, tt.principal)
			require.NoError(t, err)
			assert.Equal(t, tt.adminDep, ok, "AdminDep")

			ok, err = s.Evaluate(MemberDep, tt.principal)
			require.NoError(t, err)
			assert.Equal(t, tt.memberDep, ok, "MemberDep")
		})
	}
}

func TestEvaluate_UnknownPolicy(t *testing.T) {
	s := defaultSet(t)

	ok, err := s.Evaluate("NoSuchPolicy", principal([]string{"Admin"}, department("IT")))
	require.ErrorIs(t, err, auth.ErrUnknownPolicy)
	assert.NotErrorIs(t, err, auth.ErrPolicyDenied)
	assert.False(t, ok)
}

func TestEvaluate_DoesNotMutatePrincipal(t *testing.T) {
	s := defaultSet(t)
	p := principal([]string{"Member"}, department("Tech"))
	before := *p
	before.Roles = append([]string(nil), p.Roles...)
	before.Claims = append([]auth.Claim(nil), p.Claims...)

	_, err := s.Evaluate(MemberDep, p)
	require.NoError(t, err)
	assert.Equal(t, before, *p)
}

func TestRegister(t *testing.T) {
	t.Run("duplicate", func(t *testing.T) {
		s := NewSet()
		require.NoError(t, s.Register("P", RequireRole("A")))
		require.ErrorIs(t, s.Register("P", RequireRole("B")), ErrDuplicatePolicy)
	})

	t.Run("sealed", func(t *testing.T) {
		s := NewSet()
		s.Seal()
		require.ErrorIs(t, s.Register("P", RequireRole("A")), ErrSealed)
	})

	t.Run("invalid descriptors", func(t *testing.T) {
		s := NewSet()
		assert.Error(t, s.Register("", RequireRole("A")))
		assert.Error(t, s.Register("P", RequireRole("")))
		assert.Error(t, s.Register("P", RequireClaim("Department")))
		assert.Error(t, s.Register("P", RequireExpression("roles ==")))
		assert.Error(t, s.Register("P", Requirement{Kind: "group"}))
		assert.Empty(t, s.Names())
	})

	t.Run("empty requirement list denies", func(t *testing.T) {
		s := NewSet()
		require.NoError(t, s.Register("Empty"))
		ok, err := s.Evaluate("Empty", principal([]string{"Admin"}, department("IT")))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRequirement_AuthenticatedAndExpression(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Register("Any", RequireAuthenticated()))
	require.NoError(t, s.Register("ITAdmin", RequireExpression(`"Admin" in roles and claims.Department contains "IT"`)))
	require.NoError(t, s.Register("SessionOnly", RequireExpression(`method == "session"`)))
	s.Seal()

	ok, err := s.Evaluate("Any", principal(nil))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Evaluate("Any", &auth.Principal{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Evaluate("ITAdmin", principal([]string{"Admin"}, department("IT")))
	require.NoError(t, err)
	assert.True(t, ok)

	// Missing claim type is an evaluation error, which denies.
	ok, err = s.Evaluate("ITAdmin", principal([]string{"Admin"}))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Evaluate("SessionOnly", &auth.Principal{UserID: "u", Method: auth.MethodBearer})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequire(t *testing.T) {
	s := defaultSet(t)
	require.NoError(t, s.Require(AdminDep, MemberDep))

	err := s.Require(AdminDep, "Missing", "AlsoMissing")
	require.ErrorIs(t, err, auth.ErrUnknownPolicy)
	assert.Contains(t, err.Error(), "Missing")
	assert.Contains(t, err.Error(), "AlsoMissing")

	assert.Equal(t, []string{AdminDep, MemberDep}, s.Names())
}
