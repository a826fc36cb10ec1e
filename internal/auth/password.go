package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength is the shortest password accepted at enrollment.
	MinPasswordLength = 8
	// MaxPasswordLength is the bcrypt input limit; longer input would be
	// silently truncated.
	MaxPasswordLength = 72
)

// ErrPasswordPolicy reports a password outside the accepted length range.
var ErrPasswordPolicy = errors.New("password does not meet policy")

// CheckPasswordPolicy validates a password chosen at enrollment.
func CheckPasswordPolicy(password string) error {
	switch {
	case len(password) < MinPasswordLength:
		return fmt.Errorf("%w: must be at least %d characters", ErrPasswordPolicy, MinPasswordLength)
	case len(password) > MaxPasswordLength:
		return fmt.Errorf("%w: must be at most %d bytes", ErrPasswordPolicy, MaxPasswordLength)
	}
	return nil
}

// HashPassword returns the bcrypt hash stored on the account row.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: empty", ErrPasswordPolicy)
	}
	if len(password) > MaxPasswordLength {
		return "", fmt.Errorf("%w: must be at most %d bytes", ErrPasswordPolicy, MaxPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks password against a stored hash. Any mismatch,
// including a malformed hash, is ErrUnauthorized.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrUnauthorized
	}
	return nil
}
