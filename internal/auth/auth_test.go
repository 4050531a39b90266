package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	m := New(time.Hour, 24*time.Hour)

	token, err := m.GeneratePublishToken("dev-1", 0, "10.0.0.1")
	require.NoError(t, err)
	assert.Len(t, token.Token, 64)
	assert.Equal(t, "dev-1", token.DeviceID)

	assert.NoError(t, m.ValidateToken(token.Token, "dev-1"))
	assert.ErrorIs(t, m.ValidateToken(token.Token, "dev-2"), ErrDeviceMismatch)
	assert.ErrorIs(t, m.ValidateToken("nope", "dev-1"), ErrInvalidToken)
}

func TestTokenSingleUse(t *testing.T) {
	m := New(time.Hour, 24*time.Hour)

	token, err := m.GeneratePublishToken("dev-1", 0, "")
	require.NoError(t, err)

	require.NoError(t, m.ValidateToken(token.Token, "dev-1"))
	m.MarkTokenUsed(token.Token)
	assert.ErrorIs(t, m.ValidateToken(token.Token, "dev-1"), ErrTokenExpired)
}

func TestExpirationCappedAtMax(t *testing.T) {
	m := New(time.Hour, 2*time.Hour)

	token, err := m.GeneratePublishToken("dev-1", 7*3600, "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), token.ExpiresAt, time.Minute)
}

func TestCleanupExpiredTokens(t *testing.T) {
	m := New(time.Millisecond, time.Millisecond)

	_, err := m.GeneratePublishToken("dev-1", 0, "")
	require.NoError(t, err)
	require.Equal(t, 1, m.TokenCount())

	time.Sleep(5 * time.Millisecond)
	m.CleanupExpiredTokens()
	assert.Equal(t, 0, m.TokenCount())
}

func TestRevoke(t *testing.T) {
	m := New(time.Hour, time.Hour)

	token, err := m.GeneratePublishToken("dev-1", 0, "")
	require.NoError(t, err)

	m.RevokeToken(token.Token)
	assert.ErrorIs(t, m.ValidateToken(token.Token, "dev-1"), ErrInvalidToken)
}
