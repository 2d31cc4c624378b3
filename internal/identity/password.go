package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/medrex/ehr-access/pkg/rbac"
)

// MinPasswordLength is the shortest password accepted at registration or change
const MinPasswordLength = 12

// PasswordManager hashes and verifies passwords with bcrypt
type PasswordManager struct {
	cost int
}

// NewPasswordManager creates a password manager with the default bcrypt cost
func NewPasswordManager() *PasswordManager {
	return &PasswordManager{cost: bcrypt.DefaultCost}
}

// NewPasswordManagerWithCost is used by tests to keep hashing fast
func NewPasswordManagerWithCost(cost int) *PasswordManager {
	return &PasswordManager{cost: cost}
}

// HashPassword hashes a password using bcrypt
func (pm *PasswordManager) HashPassword(password string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), pm.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

// VerifyPassword verifies a password against its hash
func (pm *PasswordManager) VerifyPassword(hashedPassword, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, fmt.Errorf("failed to verify password: %w", err)
	}
	return true, nil
}

// ValidatePassword enforces the minimum password policy
func (pm *PasswordManager) ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return rbac.ValidationFailure(rbac.ErrorCodeWeakPassword, "password",
			fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	if len(password) > 72 {
		return rbac.ValidationFailure(rbac.ErrorCodeWeakPassword, "password", "password exceeds 72 bytes")
	}
	return nil
}

// GenerateRandomPassword generates a random password of specified length
func (pm *PasswordManager) GenerateRandomPassword(length int) (string, error) {
	if length < MinPasswordLength {
		return "", fmt.Errorf("password length must be at least %d characters", MinPasswordLength)
	}

	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"
	password := make([]byte, length)

	for i := range password {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("failed to generate random character: %w", err)
		}
		password[i] = charset[num.Int64()]
	}

	return string(password), nil
}
