// internal/app/system/authutil/authutil.go
// Package authutil resolves and checks the identity fields of user accounts:
// which value is the login ID for each auth method, and password rules.
package authutil

// Terminology: User Identifiers
//   - UserID / userID / user_id: The MongoDB ObjectID (_id) that uniquely identifies a user record
//   - LoginID / loginID / login_id: The human-readable string users type to log in

import (
	"errors"

	"github.com/dalemusser/stratashift/internal/app/system/inputval"
	"github.com/dalemusser/stratashift/internal/app/system/normalize"
	"github.com/dalemusser/stratashift/internal/domain/models"
)

// EmailIsLogin returns true if the given auth method uses email as the login identity.
func EmailIsLogin(method string) bool {
	return method == models.AuthGoogle
}

// IdentityInput holds the raw identity fields of a create or edit request.
type IdentityInput struct {
	Method   string
	LoginID  string
	Email    string
	Password string
	IsEdit   bool // If true, password is optional (leave blank to keep existing)
}

// Identity holds the validated fields ready for storage.
type Identity struct {
	Method       string
	LoginID      string  // login_id to store (LoginID or Email depending on method)
	Email        *string // set if provided
	PasswordHash *string // bcrypt hash, set if a password was provided
}

// Validation errors
var (
	ErrUnknownMethod    = errors.New("Authentication method must be password or google.")
	ErrEmailRequired    = errors.New("Email is required for Google sign-in.")
	ErrInvalidEmail     = errors.New("Please enter a valid email address.")
	ErrLoginIDRequired  = errors.New("Login ID is required.")
	ErrPasswordRequired = errors.New("Password is required for password authentication.")
)

// ResolveIdentity validates in according to its auth method and returns the
// fields to store. For google the email is the login ID; for password a
// login ID is required and a password is required on create.
func ResolveIdentity(in IdentityInput) (*Identity, error) {
	method := normalize.AuthMethod(in.Method)
	if method == "" {
		method = models.AuthPassword
	}
	if !inputval.IsValidAuthMethod(method) {
		return nil, ErrUnknownMethod
	}

	out := &Identity{Method: method}
	email := normalize.Email(in.Email)
	if email != "" {
		if !inputval.IsValidEmail(email) {
			return nil, ErrInvalidEmail
		}
		out.Email = &email
	}

	if EmailIsLogin(method) {
		if email == "" {
			return nil, ErrEmailRequired
		}
		out.LoginID = email
		return out, nil
	}

	out.LoginID = normalize.LoginID(in.LoginID)
	if out.LoginID == "" {
		return nil, ErrLoginIDRequired
	}
	if in.Password == "" {
		if !in.IsEdit {
			return nil, ErrPasswordRequired
		}
		return out, nil
	}
	if err := ValidatePassword(in.Password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	out.PasswordHash = &hash
	return out, nil
}
