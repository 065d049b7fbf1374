package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the policy floor for new passwords.
const MinPasswordLength = 8

const passwordSymbols = "!@#$%^&*()_+-=[]{}|;:,.<>?"

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with a stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// ValidatePasswordStrength enforces the password policy: minimum length plus
// at least one uppercase, lowercase, digit and symbol. Pure, no I/O.
func ValidatePasswordStrength(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters long", ErrValidation, MinPasswordLength)
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, c := range password {
		switch {
		case unicode.IsUpper(c):
			hasUpper = true
		case unicode.IsLower(c):
			hasLower = true
		case unicode.IsDigit(c):
			hasDigit = true
		case strings.ContainsRune(passwordSymbols, c):
			hasSymbol = true
		}
	}
	switch {
	case !hasUpper:
		return fmt.Errorf("%w: password must contain at least one uppercase letter", ErrValidation)
	case !hasLower:
		return fmt.Errorf("%w: password must contain at least one lowercase letter", ErrValidation)
	case !hasDigit:
		return fmt.Errorf("%w: password must contain at least one number", ErrValidation)
	case !hasSymbol:
		return fmt.Errorf("%w: password must contain at least one special character", ErrValidation)
	}
	return nil
}
