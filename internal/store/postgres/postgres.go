package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/buildify/otpflow/internal/store"
	"github.com/buildify/otpflow/pkg/models"

	// Postgres driver.
	_ "github.com/lib/pq"
)

// Postgres implements a PostgreSQL Store. Concurrency control is
// optimistic: UPDATEs are guarded by a version column and lost races
// surface as store.ErrConflict.
type Postgres struct {
	db   *sql.DB
	conf Conf
}

// Conf contains PostgreSQL configuration fields.
type Conf struct {
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// New returns a Postgres implementation of store.
func New(c Conf) (*Postgres, error) {
	db, err := sql.Open("postgres", c.DSN)
	if err != nil {
		return nil, fmt.Errorf("error opening DB: %w", err)
	}
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.ConnMaxLifetime)
	}

	return &Postgres{db: db, conf: c}, nil
}

// NewWithDB wraps an existing DB handle. Used when the store shares a
// connection pool with the user directory.
func NewWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Ping checks if the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// GetActive returns the newest non-used, non-superseded record for
// (email, purpose).
func (p *Postgres) GetActive(ctx context.Context, email string, purpose models.Purpose) (models.OTP, error) {
	const q = `
		SELECT id, email, code_hash, purpose, issued_at, expires_at, used,
		       failed_attempts, locked_until, reset_token, reset_token_expires_at, version
		FROM otps
		WHERE email = $1 AND purpose = $2 AND NOT used AND NOT superseded
		ORDER BY issued_at DESC
		LIMIT 1
	`
	return p.scanOne(p.db.QueryRowContext(ctx, q, email, string(purpose)))
}

// GetByResetToken returns the record carrying the given reset token.
func (p *Postgres) GetByResetToken(ctx context.Context, token string) (models.OTP, error) {
	const q = `
		SELECT id, email, code_hash, purpose, issued_at, expires_at, used,
		       failed_attempts, locked_until, reset_token, reset_token_expires_at, version
		FROM otps
		WHERE reset_token = $1
	`
	return p.scanOne(p.db.QueryRowContext(ctx, q, token))
}

// Insert persists a new record.
func (p *Postgres) Insert(ctx context.Context, otp *models.OTP) error {
	const q = `
		INSERT INTO otps
			(id, email, code_hash, purpose, issued_at, expires_at, used,
			 failed_attempts, locked_until, reset_token, reset_token_expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)
	`
	if _, err := p.db.ExecContext(ctx, q,
		otp.ID, otp.Email, otp.CodeHash, string(otp.Purpose),
		otp.IssuedAt, otp.ExpiresAt, otp.Used, otp.FailedAttempts,
		nullTime(otp.LockedUntil), otp.ResetToken, nullTime(otp.ResetTokenExpiresAt),
		otp.Version); err != nil {
		return fmt.Errorf("otp insert: %w", err)
	}
	return nil
}

// Update persists the mutable fields of a record guarded by its version.
func (p *Postgres) Update(ctx context.Context, otp *models.OTP) error {
	const q = `
		UPDATE otps
		SET used = $3,
		    failed_attempts = $4,
		    locked_until = $5,
		    reset_token = NULLIF($6, ''),
		    reset_token_expires_at = $7,
		    version = version + 1
		WHERE id = $1 AND version = $2
	`
	res, err := p.db.ExecContext(ctx, q,
		otp.ID, otp.Version, otp.Used, otp.FailedAttempts,
		nullTime(otp.LockedUntil), otp.ResetToken, nullTime(otp.ResetTokenExpiresAt))
	if err != nil {
		return fmt.Errorf("otp update: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("otp update: %w", err)
	}
	if n == 0 {
		return store.ErrConflict
	}

	otp.Version++
	return nil
}

// InvalidateAll marks all active records for (email, purpose) as
// superseded. Used records are untouched so an outstanding reset token
// survives a fresh issuance.
func (p *Postgres) InvalidateAll(ctx context.Context, email string, purpose models.Purpose) error {
	const q = `
		UPDATE otps
		SET superseded = TRUE
		WHERE email = $1 AND purpose = $2 AND NOT used AND NOT superseded
	`
	if _, err := p.db.ExecContext(ctx, q, email, string(purpose)); err != nil {
		return fmt.Errorf("otp invalidate: %w", err)
	}
	return nil
}

func (p *Postgres) scanOne(row *sql.Row) (models.OTP, error) {
	var (
		out      models.OTP
		purpose  string
		locked   sql.NullTime
		token    sql.NullString
		tokenExp sql.NullTime
	)
	err := row.Scan(&out.ID, &out.Email, &out.CodeHash, &purpose,
		&out.IssuedAt, &out.ExpiresAt, &out.Used, &out.FailedAttempts,
		&locked, &token, &tokenExp, &out.Version)
	if err == sql.ErrNoRows {
		return out, store.ErrNotExist
	}
	if err != nil {
		return out, fmt.Errorf("otp scan: %w", err)
	}

	out.Purpose = models.Purpose(purpose)
	if locked.Valid {
		t := locked.Time
		out.LockedUntil = &t
	}
	if token.Valid {
		out.ResetToken = token.String
	}
	if tokenExp.Valid {
		t := tokenExp.Time
		out.ResetTokenExpiresAt = &t
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
