package policy

const (
	// AdminDep requires the Admin role and the IT department.
	AdminDep = "AdminDep"
	// MemberDep requires the Member role and the IT or Tech department.
	MemberDep = "MemberDep"

	// DepartmentClaim is the claim type assigned at signup.
	DepartmentClaim = "Department"
)

// RegisterDefaults registers the built-in policies.
func RegisterDefaults(s *Set) error {
	if err := s.Register(AdminDep,
		RequireRole("Admin"),
		RequireClaim(DepartmentClaim, "IT"),
	); err != nil {
		return err
	}
	return s.Register(MemberDep,
		RequireRole("Member"),
		RequireClaim(DepartmentClaim, "IT", "Tech"),
	)
}
