package redis

import (
	"context"
	"log"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/buildify/otpflow/internal/store"
	"github.com/buildify/otpflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rStore *Redis
	rdis   *miniredis.Miniredis
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	rStore = New(Conf{
		Host: rd.Host(),
		Port: port,
	})
}

func mockOTP() models.OTP {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return models.OTP{
		ID:        "myotpid",
		Email:     "a@x.com",
		CodeHash:  "deadbeef",
		Purpose:   models.PurposeEmailVerification,
		IssuedAt:  now,
		ExpiresAt: now.Add(10 * time.Minute),
		Version:   1,
	}
}

func setup(t *testing.T) (*Redis, models.OTP) {
	rdis.FlushDB()
	rec := mockOTP()
	require.NoError(t, rStore.Insert(context.Background(), &rec), "Failed to set up test OTP")

	t.Cleanup(func() {
		rdis.FlushDB()
	})

	return rStore, rec
}

func TestStoreGetActive(t *testing.T) {
	rStore, rec := setup(t)
	ctx := context.Background()

	out, err := rStore.GetActive(ctx, rec.Email, rec.Purpose)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, out.ID)
	assert.Equal(t, rec.Email, out.Email)
	assert.Equal(t, rec.CodeHash, out.CodeHash)
	assert.Equal(t, rec.Purpose, out.Purpose)
	assert.Equal(t, rec.IssuedAt.UnixMilli(), out.IssuedAt.UnixMilli())
	assert.Equal(t, rec.ExpiresAt.UnixMilli(), out.ExpiresAt.UnixMilli())
	assert.Equal(t, 1, out.Version)
	assert.False(t, out.Used)
	assert.Nil(t, out.LockedUntil)

	// Missing email and missing purpose are both absent.
	_, err = rStore.GetActive(ctx, "nobody@x.com", rec.Purpose)
	assert.ErrorIs(t, err, store.ErrNotExist)
	_, err = rStore.GetActive(ctx, rec.Email, models.PurposePasswordReset)
	assert.ErrorIs(t, err, store.ErrNotExist)
}

func TestStoreInsertRepointsActive(t *testing.T) {
	rStore, rec := setup(t)
	ctx := context.Background()

	next := mockOTP()
	next.ID = "myotpid2"
	next.CodeHash = "cafef00d"
	require.NoError(t, rStore.Insert(ctx, &next))

	out, err := rStore.GetActive(ctx, rec.Email, rec.Purpose)
	require.NoError(t, err)
	assert.Equal(t, next.ID, out.ID)
	assert.Equal(t, next.CodeHash, out.CodeHash)
}

func TestStoreUpdate(t *testing.T) {
	rStore, rec := setup(t)
	ctx := context.Background()

	lock := rec.IssuedAt.Add(30 * time.Minute)
	rec.FailedAttempts = 5
	rec.LockedUntil = &lock
	require.NoError(t, rStore.Update(ctx, &rec))
	assert.Equal(t, 2, rec.Version, "Update must bump the in-memory version")

	out, err := rStore.GetActive(ctx, rec.Email, rec.Purpose)
	require.NoError(t, err)
	assert.Equal(t, 5, out.FailedAttempts)
	assert.Equal(t, 2, out.Version)
	require.NotNil(t, out.LockedUntil)
	assert.Equal(t, lock.UnixMilli(), out.LockedUntil.UnixMilli())
}

func TestStoreUpdateVersionConflict(t *testing.T) {
	rStore, rec := setup(t)
	ctx := context.Background()

	stale := rec
	rec.FailedAttempts = 1
	require.NoError(t, rStore.Update(ctx, &rec))

	stale.FailedAttempts = 2
	err := rStore.Update(ctx, &stale)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestStoreUpdateMissing(t *testing.T) {
	rStore, _ := setup(t)

	ghost := mockOTP()
	ghost.ID = "nosuchid"
	err := rStore.Update(context.Background(), &ghost)
	assert.ErrorIs(t, err, store.ErrNotExist)
}

func TestStoreUsedIsNotActive(t *testing.T) {
	rStore, rec := setup(t)
	ctx := context.Background()

	rec.Used = true
	require.NoError(t, rStore.Update(ctx, &rec))

	_, err := rStore.GetActive(ctx, rec.Email, rec.Purpose)
	assert.ErrorIs(t, err, store.ErrNotExist)
}

func TestStoreResetTokenIndex(t *testing.T) {
	rStore, rec := setup(t)
	ctx := context.Background()

	exp := rec.IssuedAt.Add(5 * time.Minute)
	rec.Used = true
	rec.ResetToken = "mytoken"
	rec.ResetTokenExpiresAt = &exp
	require.NoError(t, rStore.Update(ctx, &rec))

	out, err := rStore.GetByResetToken(ctx, "mytoken")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, out.ID)
	assert.True(t, out.Used)
	require.NotNil(t, out.ResetTokenExpiresAt)
	assert.Equal(t, exp.UnixMilli(), out.ResetTokenExpiresAt.UnixMilli())

	_, err = rStore.GetByResetToken(ctx, "nosuchtoken")
	assert.ErrorIs(t, err, store.ErrNotExist)

	// Nulling the token out drops the index entry.
	rec.ResetToken = ""
	rec.ResetTokenExpiresAt = nil
	require.NoError(t, rStore.Update(ctx, &rec))

	_, err = rStore.GetByResetToken(ctx, "mytoken")
	assert.ErrorIs(t, err, store.ErrNotExist)
}

func TestStoreInvalidateAll(t *testing.T) {
	rStore, rec := setup(t)
	ctx := context.Background()

	// A reset token on the record survives invalidation of the
	// active pointer.
	exp := rec.IssuedAt.Add(5 * time.Minute)
	rec.Used = true
	rec.ResetToken = "mytoken"
	rec.ResetTokenExpiresAt = &exp
	require.NoError(t, rStore.Update(ctx, &rec))

	require.NoError(t, rStore.InvalidateAll(ctx, rec.Email, rec.Purpose))

	_, err := rStore.GetActive(ctx, rec.Email, rec.Purpose)
	assert.ErrorIs(t, err, store.ErrNotExist)

	out, err := rStore.GetByResetToken(ctx, "mytoken")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, out.ID)
}

func TestStorePing(t *testing.T) {
	rStore, _ := setup(t)
	assert.NoError(t, rStore.Ping(context.Background()))
}
