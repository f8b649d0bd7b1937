package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/identitycore/authgate/internal/config"
)

// PasswordHashCost is the bcrypt work factor for newly stored password hashes.
const PasswordHashCost = 12

// dummyHash is compared against when no account matches, so a lookup miss
// costs the same as a wrong password.
var dummyHash = mustHash("authgate-dummy-password-0")

// HashPassword returns the bcrypt hash stored in users.password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordHashCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash. A nil or empty hash
// never matches but still costs one bcrypt comparison.
func CheckPassword(hash, password string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// BurnPasswordCheck performs a throwaway comparison for unknown accounts.
func BurnPasswordCheck(password string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

// ValidatePassword checks password against the configured acceptance rules.
// All violations are reported together.
func ValidatePassword(rules config.PasswordConfig, password string) error {
	var errs []error

	if len([]rune(password)) < rules.RequiredLength {
		errs = append(errs, fmt.Errorf("password must be at least %d characters", rules.RequiredLength))
	}
	if rules.RequireDigit && !strings.ContainsFunc(password, unicode.IsDigit) {
		errs = append(errs, errors.New("password must contain a digit"))
	}
	if rules.RequireLowercase && !strings.ContainsFunc(password, unicode.IsLower) {
		errs = append(errs, errors.New("password must contain a lowercase letter"))
	}
	if rules.RequireUppercase && !strings.ContainsFunc(password, unicode.IsUpper) {
		errs = append(errs, errors.New("password must contain an uppercase letter"))
	}
	if rules.RequireNonAlphanumeric && !strings.ContainsFunc(password, isNonAlphanumeric) {
		errs = append(errs, errors.New("password must contain a non-alphanumeric character"))
	}

	return errors.Join(errs...)
}

func isNonAlphanumeric(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func mustHash(password string) []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordHashCost)
	if err != nil {
		panic(err)
	}
	return hash
}
