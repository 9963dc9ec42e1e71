package store

import (
	"context"
	"errors"

	"github.com/buildify/otpflow/pkg/models"
)

// ErrNotExist is thrown when an OTP (requested by e-mail / purpose or
// by reset token) does not exist.
var ErrNotExist = errors.New("the OTP does not exist")

// ErrConflict is thrown by Update when the record was modified
// concurrently (version mismatch). Callers re-fetch and retry.
var ErrConflict = errors.New("the OTP was modified concurrently")

// Store represents a storage backend where OTP records are stored.
type Store interface {
	// GetActive returns the newest record for (email, purpose) that has
	// been neither used nor superseded. Expiry and lockout are not
	// evaluated here; the workflow engine owns those checks.
	GetActive(ctx context.Context, email string, purpose models.Purpose) (models.OTP, error)

	// GetByResetToken returns the record carrying the given reset token.
	// The lookup is exact-match.
	GetByResetToken(ctx context.Context, token string) (models.OTP, error)

	// Insert persists a new record. The record's ID and Version must be
	// set by the caller (Version starts at 1).
	Insert(ctx context.Context, otp *models.OTP) error

	// Update persists the mutable fields of an existing record, guarded
	// by the record's Version. On success the Version is bumped on the
	// passed record; on a lost race ErrConflict is returned.
	Update(ctx context.Context, otp *models.OTP) error

	// InvalidateAll marks every active record for (email, purpose) as
	// superseded. Used records are left alone so an outstanding reset
	// token survives a fresh issuance.
	InvalidateAll(ctx context.Context, email string, purpose models.Purpose) error

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error
}
