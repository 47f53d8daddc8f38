package identity

import (
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/coverline/dispatch-core/internal/errs"
)

// HashPassword hashes a password with bcrypt at the configured cost (the
// spec requires cost >= 12; the teacher imports golang.org/x/crypto but
// never wires it to a hashing call, so this is the first real use).
func HashPassword(password string, cost int) (string, error) {
	if cost < 12 {
		cost = 12
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", errs.Wrap(errs.CodeSysInternal, "failed to hash password", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePasswordPolicy enforces: >= 8 chars, mixed case, digit, special.
func ValidatePasswordPolicy(password string) error {
	if len(password) < 8 {
		return errs.New(errs.CodeAuthInvalidCredentials, "password must be at least 8 characters")
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSpecial {
		return errs.New(errs.CodeAuthInvalidCredentials, "password must contain upper, lower, digit, and special characters")
	}
	return nil
}
