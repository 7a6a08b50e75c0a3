// Package auth guards the admin endpoints: bcrypt credentials and a
// per-client limit on failed attempts.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptCost is the cost factor used by the hash-password command
	BcryptCost = 12

	// MinPasswordLength is the minimum allowed admin password length
	MinPasswordLength = 8
)

var (
	// ErrInvalidCredentials is returned for a wrong user name or password
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrEmptyPassword is returned when no password is supplied
	ErrEmptyPassword = errors.New("password cannot be empty")
)

// HashPassword hashes an admin password for ADMIN_PASSWORD_HASH
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword compares a password with a bcrypt hash
func VerifyPassword(password, hash string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	if hash == "" {
		return errors.New("hash cannot be empty")
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("failed to verify password: %w", err)
	}
	return nil
}

// Credentials is the single configured admin account
type Credentials struct {
	Username     string
	PasswordHash string
}

// Check verifies a user name and password pair against the account.
func (c Credentials) Check(username, password string) error {
	if c.Username == "" || c.PasswordHash == "" {
		return ErrInvalidCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username)) == 1

	// Always run bcrypt so a wrong user name costs the same as a wrong password.
	err := VerifyPassword(password, c.PasswordHash)
	if !userOK {
		return ErrInvalidCredentials
	}
	if errors.Is(err, ErrEmptyPassword) {
		return ErrInvalidCredentials
	}
	return err
}

// ValidatePasswordStrength reports whether a password is strong and lists
// suggestions for improving it
func ValidatePasswordStrength(password string) (isStrong bool, warnings []string) {
	if len(password) < MinPasswordLength {
		return false, []string{fmt.Sprintf("Password should be at least %d characters", MinPasswordLength)}
	}

	var lower, upper, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}

	classes := 0
	for _, c := range []struct {
		ok   bool
		hint string
	}{
		{lower, "Consider adding lowercase letters"},
		{upper, "Consider adding uppercase letters"},
		{digit, "Consider adding numbers"},
		{special, "Consider adding special characters (!@#$%^&*)"},
	} {
		if c.ok {
			classes++
			continue
		}
		warnings = append(warnings, c.hint)
	}

	if len(password) < 12 {
		warnings = append(warnings, "For better security, use at least 12 characters")
	}

	return classes >= 3 && len(password) >= 12, warnings
}
