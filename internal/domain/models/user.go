// internal/domain/models/user.go
package models

// Terminology: User Identifiers
//   - UserID / userID / user_id: The MongoDB ObjectID (_id) that uniquely identifies a user record
//   - LoginID / loginID / login_id: The human-readable string users type to log in

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// User is an employee or an admin.
//
// Auth fields:
//   - LoginID: What the user types to identify themselves (stored lowercase)
//   - LoginIDCI: Case/diacritic-insensitive version for matching (folded)
//   - Email: Contact email (stored lowercase); verified through email OTP
//   - AuthMethod: password or google
type User struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	FullName   string             `bson:"full_name" json:"full_name"`
	FullNameCI string             `bson:"full_name_ci" json:"-"` // lowercase, diacritics-stripped

	LoginID       string  `bson:"login_id" json:"login_id"`
	LoginIDCI     string  `bson:"login_id_ci" json:"-"`
	Email         *string `bson:"email" json:"email"`
	EmailVerified bool    `bson:"email_verified" json:"email_verified"`
	AuthMethod    string  `bson:"auth_method" json:"auth_method"`

	PasswordHash *string `bson:"password_hash,omitempty" json:"-"` // bcrypt hash

	Role   string `bson:"role" json:"role"`
	Status string `bson:"status" json:"status"`

	// Work settings. ShiftStart ("HH:MM") overrides the default shift start.
	Department string  `bson:"department,omitempty" json:"department,omitempty"`
	ShiftStart *string `bson:"shift_start,omitempty" json:"shift_start,omitempty"`

	// Admin TOTP. MFAPendingSecret holds an enrolled secret until the first
	// code confirms it.
	MFAEnabled       bool    `bson:"mfa_enabled" json:"mfa_enabled"`
	MFASecret        *string `bson:"mfa_secret,omitempty" json:"-"`
	MFAPendingSecret *string `bson:"mfa_pending_secret,omitempty" json:"-"`
	// MFALastStep is the TOTP time step of the last accepted code.
	MFALastStep      int64   `bson:"mfa_last_step,omitempty" json:"-"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// IsActive reports whether the account may sign in.
func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// User roles
const (
	RoleAdmin    = "admin"
	RoleEmployee = "employee"
)

// User statuses
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Auth methods
const (
	AuthPassword = "password"
	AuthGoogle   = "google"
)

// AllRoles returns all valid user roles.
func AllRoles() []string {
	return []string{RoleAdmin, RoleEmployee}
}

// IsValidRole checks if a role is valid.
func IsValidRole(role string) bool {
	return role == RoleAdmin || role == RoleEmployee
}

// IsValidStatus checks if a status is valid.
func IsValidStatus(status string) bool {
	return status == StatusActive || status == StatusDisabled
}

// IsValidAuthMethod checks if an auth method is supported.
func IsValidAuthMethod(method string) bool {
	return method == AuthPassword || method == AuthGoogle
}
