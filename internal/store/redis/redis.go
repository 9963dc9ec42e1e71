package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/buildify/otpflow/internal/store"
	"github.com/buildify/otpflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Redis implements a Redis Store.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Username string        `json:"username"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	Timeout  time.Duration `json:"timeout"`

	KeyPrefix string `json:"key_prefix"`

	// Retention bounds how long records linger after issuance. It has to
	// exceed the OTP validity window plus the lockout duration so that a
	// locked record outlives its own expiry.
	Retention time.Duration `json:"retention"`
}

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "OTPFLOW"
	}
	if c.Retention < time.Minute {
		c.Retention = 45 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if the Redis server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// GetActive returns the newest non-used, non-superseded record for
// (email, purpose) by following the active pointer key.
func (r *Redis) GetActive(ctx context.Context, email string, purpose models.Purpose) (models.OTP, error) {
	id, err := r.client.Get(ctx, r.activeKey(email, purpose)).Result()
	if err == redis.Nil {
		return models.OTP{}, store.ErrNotExist
	} else if err != nil {
		return models.OTP{}, err
	}

	out, err := r.get(ctx, id)
	if err != nil {
		return out, err
	}

	// A used record is no longer active even while the pointer
	// still references it.
	if out.Used {
		return models.OTP{}, store.ErrNotExist
	}
	return out, nil
}

// GetByResetToken returns the record carrying the given reset token.
func (r *Redis) GetByResetToken(ctx context.Context, token string) (models.OTP, error) {
	id, err := r.client.Get(ctx, r.tokenKey(token)).Result()
	if err == redis.Nil {
		return models.OTP{}, store.ErrNotExist
	} else if err != nil {
		return models.OTP{}, err
	}

	out, err := r.get(ctx, id)
	if err != nil {
		return out, err
	}
	if out.ResetToken != token {
		return models.OTP{}, store.ErrNotExist
	}
	return out, nil
}

// Insert persists a new record and repoints the active pointer at it.
func (r *Redis) Insert(ctx context.Context, otp *models.OTP) error {
	key := r.recKey(otp.ID)

	pipe := r.client.TxPipeline()
	pipe.HMSet(ctx, key, r.fields(otp)...)
	pipe.PExpire(ctx, key, r.conf.Retention)
	pipe.Set(ctx, r.activeKey(otp.Email, otp.Purpose), otp.ID, r.conf.Retention)
	_, err := pipe.Exec(ctx)
	return err
}

// Update persists the mutable fields of a record guarded by its version.
// The key is WATCHed so a concurrent writer aborts the transaction.
func (r *Redis) Update(ctx context.Context, otp *models.OTP) error {
	key := r.recKey(otp.ID)

	txf := func(tx *redis.Tx) error {
		ver, err := tx.HGet(ctx, key, "version").Int()
		if err == redis.Nil {
			return store.ErrNotExist
		} else if err != nil {
			return err
		}
		if ver != otp.Version {
			return store.ErrConflict
		}

		oldToken, err := tx.HGet(ctx, key, "reset_token").Result()
		if err != nil && err != redis.Nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HMSet(ctx, key, r.fields(otp)...)
			pipe.HSet(ctx, key, "version", otp.Version+1)

			// Maintain the reset token index.
			if otp.ResetToken != "" && otp.ResetToken != oldToken {
				pipe.Set(ctx, r.tokenKey(otp.ResetToken), otp.ID, r.conf.Retention)
			}
			if oldToken != "" && otp.ResetToken != oldToken {
				pipe.Del(ctx, r.tokenKey(oldToken))
			}
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		return store.ErrConflict
	}
	if err != nil {
		return err
	}

	otp.Version++
	return nil
}

// InvalidateAll drops the active pointer for (email, purpose). Old
// records stay behind until their retention TTL, so a reset token minted
// off a used record survives a fresh issuance.
func (r *Redis) InvalidateAll(ctx context.Context, email string, purpose models.Purpose) error {
	return r.client.Del(ctx, r.activeKey(email, purpose)).Err()
}

// get retrieves and parses a record hash by ID.
func (r *Redis) get(ctx context.Context, id string) (models.OTP, error) {
	res, err := r.client.HGetAll(ctx, r.recKey(id)).Result()
	if err != nil {
		return models.OTP{}, err
	}
	if len(res) == 0 || res["id"] == "" {
		return models.OTP{}, store.ErrNotExist
	}

	out := models.OTP{
		ID:         res["id"],
		Email:      res["email"],
		CodeHash:   res["code_hash"],
		Purpose:    models.Purpose(res["purpose"]),
		ResetToken: res["reset_token"],
	}
	out.IssuedAt = parseMilli(res["issued_at"])
	out.ExpiresAt = parseMilli(res["expires_at"])
	out.Used = res["used"] == "1"
	out.FailedAttempts, _ = strconv.Atoi(res["failed_attempts"])
	out.Version, _ = strconv.Atoi(res["version"])
	if t := parseMilli(res["locked_until"]); !t.IsZero() {
		out.LockedUntil = &t
	}
	if t := parseMilli(res["reset_token_expires_at"]); !t.IsZero() {
		out.ResetTokenExpiresAt = &t
	}
	return out, nil
}

// fields flattens a record into HSET field-value pairs.
func (r *Redis) fields(otp *models.OTP) []interface{} {
	used := "0"
	if otp.Used {
		used = "1"
	}
	var locked, tokenExp int64
	if otp.LockedUntil != nil {
		locked = otp.LockedUntil.UnixMilli()
	}
	if otp.ResetTokenExpiresAt != nil {
		tokenExp = otp.ResetTokenExpiresAt.UnixMilli()
	}

	return []interface{}{
		"id", otp.ID,
		"email", otp.Email,
		"code_hash", otp.CodeHash,
		"purpose", string(otp.Purpose),
		"issued_at", otp.IssuedAt.UnixMilli(),
		"expires_at", otp.ExpiresAt.UnixMilli(),
		"used", used,
		"failed_attempts", otp.FailedAttempts,
		"locked_until", locked,
		"reset_token", otp.ResetToken,
		"reset_token_expires_at", tokenExp,
		"version", otp.Version,
	}
}

func (r *Redis) recKey(id string) string {
	return fmt.Sprintf("%s:rec:%s", r.conf.KeyPrefix, id)
}

func (r *Redis) activeKey(email string, purpose models.Purpose) string {
	return fmt.Sprintf("%s:active:%s:%s", r.conf.KeyPrefix, purpose, email)
}

func (r *Redis) tokenKey(token string) string {
	return fmt.Sprintf("%s:token:%s", r.conf.KeyPrefix, token)
}

func parseMilli(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
