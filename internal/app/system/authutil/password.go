package authutil

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 72 // bcrypt input limit in bytes
	BcryptCost        = 12
)

var (
	ErrPasswordTooShort = errors.New("Password must be at least 8 characters.")
	ErrPasswordTooLong  = errors.New("Password must be at most 72 bytes.")
	ErrPasswordCommon   = errors.New("Password is too common; choose another.")
)

// Compared case-insensitively. Entries shorter than MinPasswordLength
// could never match and are not listed.
var commonPasswords = setOf(
	"12345678", "123456789", "1234567890", "11111111", "00000000",
	"password", "password1", "password123", "passw0rd",
	"qwerty123", "qwertyuiop", "iloveyou", "sunshine", "football",
	"baseball", "superman", "letmein1", "welcome1", "admin123",
	"employee", "attendance", "stratashift",
)

func setOf(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// ValidatePassword enforces the length bounds and rejects common passwords.
func ValidatePassword(password string) error {
	switch {
	case len(password) < MinPasswordLength:
		return ErrPasswordTooShort
	case len(password) > MaxPasswordLength:
		return ErrPasswordTooLong
	}
	if _, common := commonPasswords[strings.ToLower(password)]; common {
		return ErrPasswordCommon
	}
	return nil
}

// HashPassword returns the bcrypt hash of a validated password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	return string(b), err
}

// CheckPassword reports whether password matches hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

var decoyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("decoy"), BcryptCost)
	return h
})

// SpendCompare costs as much as a real CheckPassword. Sign-in handlers call
// it for unknown login IDs so timing does not reveal which ones exist.
func SpendCompare(password string) {
	_ = bcrypt.CompareHashAndPassword(decoyHash(), []byte(password))
}
