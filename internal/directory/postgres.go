package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/buildify/otpflow/pkg/models"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"
)

// Postgres implements Directory against a PostgreSQL users table.
type Postgres struct {
	db *sql.DB
}

// Conf contains PostgreSQL configuration fields for the directory.
type Conf struct {
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// NewPostgres connects and returns a Postgres directory.
func NewPostgres(c Conf) (*Postgres, error) {
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
	return &Postgres{db: db}, nil
}

// DB exposes the underlying handle so the OTP store can share the pool.
func (d *Postgres) DB() *sql.DB {
	return d.db
}

// Ping checks if the database is reachable.
func (d *Postgres) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// FindByEmail looks a user up by e-mail address.
func (d *Postgres) FindByEmail(ctx context.Context, email string) (models.User, error) {
	const q = `
		SELECT id, email, display_name, phone_number, role, password_hash,
		       email_confirmed, created_at, last_login_at
		FROM users
		WHERE email = $1
	`
	var (
		u         models.User
		lastLogin sql.NullTime
	)
	err := d.db.QueryRowContext(ctx, q, email).Scan(&u.ID, &u.Email,
		&u.DisplayName, &u.PhoneNumber, &u.Role, &u.PasswordHash,
		&u.EmailConfirmed, &u.CreatedAt, &lastLogin)
	if err == sql.ErrNoRows {
		return u, ErrNotExist
	}
	if err != nil {
		return u, fmt.Errorf("user lookup: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

// Create registers a new user. The password is bcrypt-hashed and the
// policy enforced before anything touches the database.
func (d *Postgres) Create(ctx context.Context, u *models.User, password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("password hash: %w", err)
	}

	if u.Role == "" {
		u.Role = RoleBuyer
	}
	u.CreatedAt = time.Now()
	u.PasswordHash = string(hash)

	const q = `
		INSERT INTO users (email, display_name, phone_number, role, password_hash, email_confirmed, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		RETURNING id
	`
	err = d.db.QueryRowContext(ctx, q, u.Email, u.DisplayName, u.PhoneNumber,
		u.Role, u.PasswordHash, u.CreatedAt).Scan(&u.ID)
	if err != nil {
		// 23505 = unique_violation on the e-mail index.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrExists
		}
		return fmt.Errorf("user create: %w", err)
	}
	return nil
}

// ConfirmEmail flips the user's e-mail confirmed flag.
func (d *Postgres) ConfirmEmail(ctx context.Context, id int64) error {
	if _, err := d.db.ExecContext(ctx,
		`UPDATE users SET email_confirmed = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("user confirm: %w", err)
	}
	return nil
}

// ResetPassword replaces the user's credential after re-checking the
// password policy.
func (d *Postgres) ResetPassword(ctx context.Context, email, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("password hash: %w", err)
	}

	res, err := d.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE email = $1`, email, string(hash))
	if err != nil {
		return fmt.Errorf("password reset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotExist
	}
	return nil
}

// AssignRole sets the user's role.
func (d *Postgres) AssignRole(ctx context.Context, id int64, role string) error {
	if _, err := d.db.ExecContext(ctx,
		`UPDATE users SET role = $2 WHERE id = $1`, id, role); err != nil {
		return fmt.Errorf("role assign: %w", err)
	}
	return nil
}

// UpdateLastLogin stamps the user's last login time.
func (d *Postgres) UpdateLastLogin(ctx context.Context, id int64) error {
	if _, err := d.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("last login: %w", err)
	}
	return nil
}

// Stats returns the directory totals for the admin summary.
func (d *Postgres) Stats(ctx context.Context) (models.DirectoryStats, error) {
	const q = `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE email_confirmed)
		FROM users
	`
	var out models.DirectoryStats
	if err := d.db.QueryRowContext(ctx, q).Scan(&out.TotalUsers, &out.ConfirmedUsers); err != nil {
		return out, fmt.Errorf("directory stats: %w", err)
	}
	return out, nil
}
