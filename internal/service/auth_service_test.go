package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticateRoundTrip(t *testing.T) {
	auth := NewAuthService("test-secret", time.Hour)

	token, err := auth.GenerateToken(42)
	require.NoError(t, err)

	userID, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, uint(42), userID)
}

func TestAuthenticateRejectsBadSecret(t *testing.T) {
	token, err := NewAuthService("other-secret", time.Hour).GenerateToken(42)
	require.NoError(t, err)

	_, err = NewAuthService("test-secret", time.Hour).Authenticate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	auth := NewAuthService("test-secret", -time.Hour)

	token, err := auth.GenerateToken(42)
	require.NoError(t, err)

	_, err = auth.Authenticate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	auth := NewAuthService("test-secret", time.Hour)

	_, err := auth.Authenticate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateRejectsMissingUserID(t *testing.T) {
	claims := jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = NewAuthService("test-secret", time.Hour).Authenticate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
