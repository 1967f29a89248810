package devserver

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndValidateToken(t *testing.T) {
	secret := []byte("dev-secret")
	token, err := MintToken(secret, "u1", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.True(t, claims.Allows("u1"))
	assert.False(t, claims.Allows("u2"))

	_, err = ValidateToken([]byte("other"), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_Expired(t *testing.T) {
	secret := []byte("dev-secret")
	token, err := MintToken(secret, AnySubject, -time.Minute)
	require.NoError(t, err)

	_, err = ValidateToken(secret, token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestMintToken_EmptySecret(t *testing.T) {
	_, err := MintToken(nil, "u1", time.Hour)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/kyc/u1/stream?token=from-query", nil)
	assert.Equal(t, "from-query", bearerToken(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", bearerToken(r))

	r = httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, bearerToken(r))
}
