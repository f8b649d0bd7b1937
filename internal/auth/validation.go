package auth

import (
	"fmt"
	"strings"
)

// ValidateEmail validates email format (basic RFC 5322 check)
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return fmt.Errorf("email is empty")
	}

	// Basic validation: contains @ and domain
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email format: missing @")
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return fmt.Errorf("invalid email format: multiple @ symbols")
	}

	local := parts[0]
	domain := parts[1]

	if local == "" {
		return fmt.Errorf("invalid email format: empty local part")
	}

	if domain == "" {
		return fmt.Errorf("invalid email format: empty domain")
	}

	if !strings.Contains(domain, ".") {
		return fmt.Errorf("invalid email format: domain missing TLD")
	}

	if strings.ContainsAny(email, " \t\r\n") {
		return fmt.Errorf("invalid email format: contains whitespace")
	}

	return nil
}
