// Package normalize canonicalizes user-supplied strings before they are
// stored or compared.
package normalize

import "strings"

// Email trims and lowercases an address.
func Email(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// LoginID is the stored form of a sign-in identifier. Employees may sign in
// with an email or a badge number; both are matched case-insensitively.
func LoginID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Name trims a display name and collapses runs of inner whitespace, so
// "Ana  Lima" and "Ana Lima" are stored the same way.
func Name(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Code strips the spaces and hyphens people paste into one-time codes
// ("123 456", "123-456").
func Code(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}

// AuthMethod, Status and Role are enum-like tokens.
func AuthMethod(s string) string { return token(s) }

// Status normalizes a user status ("active", "disabled").
func Status(s string) string { return token(s) }

// Role normalizes a role ("employee", "admin").
func Role(s string) string { return token(s) }

func token(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
