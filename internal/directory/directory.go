package directory

import (
	"context"
	"errors"
	"unicode"

	"github.com/buildify/otpflow/pkg/models"
)

var (
	// ErrNotExist is thrown when a user is looked up by an unknown e-mail.
	ErrNotExist = errors.New("the user does not exist")

	// ErrExists is thrown on creating a user with a taken e-mail address.
	ErrExists = errors.New("the e-mail address is already in use")

	// ErrWeakPassword is thrown when a password fails the policy.
	ErrWeakPassword = errors.New("password must be at least 8 characters and contain a letter and a digit")
)

// Known roles. New accounts default to RoleBuyer.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleAdmin  = "admin"
)

// Directory is the user directory the OTP workflows act against.
type Directory interface {
	// FindByEmail looks a user up by e-mail address.
	FindByEmail(ctx context.Context, email string) (models.User, error)

	// Create registers a new user with a hashed password. The password
	// policy is enforced here.
	Create(ctx context.Context, u *models.User, password string) error

	// ConfirmEmail flips the user's e-mail confirmed flag.
	ConfirmEmail(ctx context.Context, id int64) error

	// ResetPassword replaces the user's credential. The password policy
	// is enforced here.
	ResetPassword(ctx context.Context, email, newPassword string) error

	// AssignRole sets the user's role.
	AssignRole(ctx context.Context, id int64, role string) error

	// UpdateLastLogin stamps the user's last login time.
	UpdateLastLogin(ctx context.Context, id int64) error

	// Stats returns the directory totals for the admin summary.
	Stats(ctx context.Context) (models.DirectoryStats, error)

	// Ping checks if the directory is reachable.
	Ping(ctx context.Context) error
}

// ValidRole reports whether role is assignable at registration.
// Admin is provisioned out of band, never via the public API.
func ValidRole(role string) bool {
	return role == RoleBuyer || role == RoleSeller
}

// ValidatePassword enforces the credential policy: at least 8
// characters with at least one letter and one digit.
func ValidatePassword(pw string) error {
	if len(pw) < 8 {
		return ErrWeakPassword
	}
	var letter, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !letter || !digit {
		return ErrWeakPassword
	}
	return nil
}
