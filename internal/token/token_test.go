package token

import (
	"testing"
	"time"

	"github.com/buildify/otpflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mockUser = models.User{
	ID:    42,
	Email: "a@x.com",
	Role:  "buyer",
}

func TestCreateAndParse(t *testing.T) {
	j := New("mysecret", time.Hour, "otpflow")

	raw, err := j.Create(mockUser)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	claims, err := j.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, "buyer", claims.Role)
	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, "otpflow", claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestParseWrongSecret(t *testing.T) {
	raw, err := New("mysecret", time.Hour, "otpflow").Create(mockUser)
	require.NoError(t, err)

	_, err = New("othersecret", time.Hour, "otpflow").Parse(raw)
	assert.Error(t, err)
}

func TestParseGarbage(t *testing.T) {
	j := New("mysecret", time.Hour, "otpflow")
	_, err := j.Parse("not.a.token")
	assert.Error(t, err)
}

func TestDefaultExpiry(t *testing.T) {
	j := New("mysecret", 0, "otpflow")

	raw, err := j.Create(mockUser)
	require.NoError(t, err)

	claims, err := j.Parse(raw)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), claims.ExpiresAt.Time, time.Minute)
}
