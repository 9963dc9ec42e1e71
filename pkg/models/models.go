package models

import "time"

// Purpose separates e-mail verification OTPs from password reset OTPs
// that share the same storage shape.
type Purpose string

const (
	PurposeEmailVerification Purpose = "email_verification"
	PurposePasswordReset     Purpose = "password_reset"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeEmailVerification || p == PurposePasswordReset
}

// OTP is one outstanding or historical one-time-code challenge.
// The plaintext code is never stored, only its hash.
type OTP struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	CodeHash       string    `json:"-"`
	Purpose        Purpose   `json:"purpose"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Used           bool      `json:"used"`
	FailedAttempts int       `json:"failed_attempts"`

	// LockedUntil, when set and in the future, rejects all verification
	// attempts against this record regardless of code correctness.
	LockedUntil *time.Time `json:"locked_until,omitempty"`

	// ResetToken is minted at most once, on successful verification of a
	// password reset OTP, and nulled out after the password change.
	ResetToken          string     `json:"-"`
	ResetTokenExpiresAt *time.Time `json:"-"`

	// Version is the optimistic concurrency token checked by Store.Update.
	Version int `json:"-"`
}

// User is an account in the user directory.
type User struct {
	ID             int64      `json:"id"`
	Email          string     `json:"email"`
	DisplayName    string     `json:"display_name"`
	PhoneNumber    string     `json:"phone_number,omitempty"`
	Role           string     `json:"role"`
	PasswordHash   string     `json:"-"`
	EmailConfirmed bool       `json:"email_confirmed"`
	CreatedAt      time.Time  `json:"created_at"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
}

// DirectoryStats is the summary reported on the admin dashboard.
type DirectoryStats struct {
	TotalUsers     int `json:"total_users"`
	ConfirmedUsers int `json:"confirmed_users"`
}
