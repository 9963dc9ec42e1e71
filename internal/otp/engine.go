package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buildify/otpflow/internal/store"
	"github.com/buildify/otpflow/pkg/models"
	"github.com/zerodha/logf"
)

const (
	alphaChars    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	numChars      = "0123456789"
	alphaNumChars = alphaChars + numChars

	recIDLen = 32

	// Bounded retries when a concurrent writer bumps the record version
	// between our read and write.
	verifyRetries = 3
)

// Workflow errors. Expired codes deliberately surface as ErrNotFound so
// responses don't reveal whether a code existed at all.
var (
	ErrNotFound     = errors.New("invalid or expired OTP")
	ErrInvalidCode  = errors.New("invalid OTP code")
	ErrLocked       = errors.New("too many failed attempts")
	ErrRateLimited  = errors.New("please wait before requesting a new OTP")
	ErrInvalidToken = errors.New("invalid or expired reset token")
	ErrDirectory    = errors.New("directory rejected the request")
	ErrDispatch     = errors.New("error sending OTP")
)

// Mailer delivers codes. Fire-and-forget: the engine never retries a
// failed dispatch.
type Mailer interface {
	SendVerificationOTP(to, code, displayName string) error
	SendPasswordResetOTP(to, code string) error
}

// Directory is the slice of the user directory the engine needs for
// completing a password reset.
type Directory interface {
	ResetPassword(ctx context.Context, email, newPassword string) error
}

// Opt are the engine's tunables. Zero values fall back to the
// storefront defaults.
type Opt struct {
	CodeLength        int           // 6
	TTL               time.Duration // 10m
	ResendWait        time.Duration // 60s
	MaxFailedAttempts int           // 5
	LockDuration      time.Duration // 30m
	ResetTokenLength  int           // 32
	ResetTokenTTL     time.Duration // 5m

	// Now is the clock. Injected so expiry and lockout are testable.
	Now func() time.Time
}

// Engine issues, verifies, rate-limits, and expires one-time codes for
// e-mail verification and password reset, and redeems the short-lived
// reset tokens minted from the latter.
type Engine struct {
	store  store.Store
	mailer Mailer
	dir    Directory
	opt    Opt
	lo     logf.Logger
}

// New returns an Engine.
func New(st store.Store, m Mailer, d Directory, opt Opt, lo logf.Logger) *Engine {
	if opt.CodeLength < 1 {
		opt.CodeLength = 6
	}
	if opt.TTL < 1 {
		opt.TTL = 10 * time.Minute
	}
	if opt.ResendWait < 1 {
		opt.ResendWait = time.Minute
	}
	if opt.MaxFailedAttempts < 1 {
		opt.MaxFailedAttempts = 5
	}
	if opt.LockDuration < 1 {
		opt.LockDuration = 30 * time.Minute
	}
	if opt.ResetTokenLength < 1 {
		opt.ResetTokenLength = 32
	}
	if opt.ResetTokenTTL < 1 {
		opt.ResetTokenTTL = 5 * time.Minute
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}

	return &Engine{
		store:  st,
		mailer: m,
		dir:    d,
		opt:    opt,
		lo:     lo,
	}
}

// Issue supersedes any active code for (email, purpose), persists a
// fresh one, and dispatches it. A dispatch failure surfaces as
// ErrDispatch but does not roll the record back.
func (e *Engine) Issue(ctx context.Context, email string, purpose models.Purpose, displayName string) error {
	email = normalizeEmail(email)
	now := e.opt.Now()

	code, err := randomString(e.opt.CodeLength, numChars)
	if err != nil {
		return fmt.Errorf("error generating OTP: %w", err)
	}
	id, err := randomString(recIDLen, alphaNumChars)
	if err != nil {
		return fmt.Errorf("error generating ID: %w", err)
	}

	if err := e.store.InvalidateAll(ctx, email, purpose); err != nil {
		return fmt.Errorf("error invalidating previous OTPs: %w", err)
	}

	rec := models.OTP{
		ID:        id,
		Email:     email,
		CodeHash:  hashCode(code),
		Purpose:   purpose,
		IssuedAt:  now,
		ExpiresAt: now.Add(e.opt.TTL),
		Version:   1,
	}
	if err := e.store.Insert(ctx, &rec); err != nil {
		return fmt.Errorf("error saving OTP: %w", err)
	}

	if err := e.dispatch(email, code, purpose, displayName); err != nil {
		e.lo.Error("error sending OTP", "error", err, "purpose", string(purpose))
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	e.lo.Debug("otp issued", "purpose", string(purpose))
	return nil
}

// Resend behaves as Issue after enforcing a cooldown against the
// current record's issuance time.
func (e *Engine) Resend(ctx context.Context, email string, purpose models.Purpose, displayName string) error {
	email = normalizeEmail(email)

	rec, err := e.store.GetActive(ctx, email, purpose)
	if err != nil && !errors.Is(err, store.ErrNotExist) {
		return err
	}
	if err == nil && e.opt.Now().Sub(rec.IssuedAt) < e.opt.ResendWait {
		return ErrRateLimited
	}

	return e.Issue(ctx, email, purpose, displayName)
}

// Verify validates a submitted code. For password reset OTPs a reset
// token is minted and returned; for e-mail verification the returned
// token is empty. Lost update races are retried a bounded number of
// times.
func (e *Engine) Verify(ctx context.Context, email string, purpose models.Purpose, code string) (string, error) {
	email = normalizeEmail(email)

	for i := 0; i < verifyRetries; i++ {
		rec, err := e.store.GetActive(ctx, email, purpose)
		if errors.Is(err, store.ErrNotExist) {
			return "", ErrNotFound
		}
		if err != nil {
			return "", err
		}

		now := e.opt.Now()
		if rec.LockedUntil != nil && rec.LockedUntil.After(now) {
			return "", ErrLocked
		}

		if !matchCode(code, rec.CodeHash) {
			rec.FailedAttempts++
			if rec.FailedAttempts >= e.opt.MaxFailedAttempts {
				t := now.Add(e.opt.LockDuration)
				rec.LockedUntil = &t
			}
			if err := e.store.Update(ctx, &rec); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				return "", err
			}
			return "", ErrInvalidCode
		}

		// Correct code on an expired record is indistinguishable from
		// no record at all.
		if now.After(rec.ExpiresAt) {
			return "", ErrNotFound
		}

		rec.Used = true
		var resetToken string
		if purpose == models.PurposePasswordReset {
			resetToken, err = randomString(e.opt.ResetTokenLength, alphaNumChars)
			if err != nil {
				return "", fmt.Errorf("error generating reset token: %w", err)
			}
			exp := now.Add(e.opt.ResetTokenTTL)
			rec.ResetToken = resetToken
			rec.ResetTokenExpiresAt = &exp
		}

		if err := e.store.Update(ctx, &rec); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return "", err
		}
		return resetToken, nil
	}

	return "", store.ErrConflict
}

// CompleteReset redeems a reset token: exact token lookup, e-mail
// match, token expiry, then the credential change is delegated to the
// directory and the token nulled out. failedAttempts and lockedUntil
// guard code entry, not token redemption, and are not consulted here.
func (e *Engine) CompleteReset(ctx context.Context, email, resetToken, newPassword string) error {
	email = normalizeEmail(email)
	if resetToken == "" {
		return ErrInvalidToken
	}

	rec, err := e.store.GetByResetToken(ctx, resetToken)
	if errors.Is(err, store.ErrNotExist) {
		return ErrInvalidToken
	}
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(rec.ResetToken), []byte(resetToken)) != 1 {
		return ErrInvalidToken
	}
	if rec.Email != email {
		return ErrInvalidToken
	}
	if rec.ResetTokenExpiresAt == nil || e.opt.Now().After(*rec.ResetTokenExpiresAt) {
		return ErrInvalidToken
	}

	if err := e.dir.ResetPassword(ctx, email, newPassword); err != nil {
		return fmt.Errorf("%w: %v", ErrDirectory, err)
	}

	// Single use: null the token out.
	rec.ResetToken = ""
	rec.ResetTokenExpiresAt = nil
	if err := e.store.Update(ctx, &rec); err != nil {
		return err
	}

	e.lo.Info("password reset completed")
	return nil
}

func (e *Engine) dispatch(email, code string, purpose models.Purpose, displayName string) error {
	switch purpose {
	case models.PurposePasswordReset:
		return e.mailer.SendPasswordResetOTP(email, code)
	default:
		return e.mailer.SendVerificationOTP(email, code, displayName)
	}
}

// hashCode returns the hex SHA-256 of a code. Only the hash is ever
// persisted.
func hashCode(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

// matchCode compares a submitted code against a stored hash in
// constant time.
func matchCode(code, codeHash string) bool {
	return subtle.ConstantTimeCompare([]byte(hashCode(code)), []byte(codeHash)) == 1
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// randomString generates a cryptographically random string of length n
// out of the given charset.
func randomString(totalLen int, chars string) (string, error) {
	bytes := make([]byte, totalLen)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	for k, v := range bytes {
		bytes[k] = chars[v%byte(len(chars))]
	}
	return string(bytes), nil
}
