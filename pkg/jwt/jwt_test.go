package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-access-secret-key-for-testing-purposes"

func TestNewService(t *testing.T) {
	service := NewService(testSecret, time.Hour)

	assert.NotNil(t, service)
	assert.Equal(t, testSecret, service.secret)
	assert.Equal(t, time.Hour, service.tokenExpiry)
}

func TestGenerateAccessToken(t *testing.T) {
	service := NewService(testSecret, time.Hour)
	userID := uuid.New()
	roles := []string{"user", "venue_owner"}

	token, err := service.GenerateAccessToken(userID, roles)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := service.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, roles, claims.Roles)
	assert.Equal(t, AccessToken, claims.TokenType)
	assert.Equal(t, issuer, claims.Issuer)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.True(t, claims.HasRole("venue_owner"))
	assert.False(t, claims.HasRole("admin"))
}

func TestValidateAccessToken_WrongSecret(t *testing.T) {
	service := NewService(testSecret, time.Hour)
	other := NewService("a-completely-different-secret-value", time.Hour)

	token, err := other.GenerateAccessToken(uuid.New(), []string{"user"})
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestValidateAccessToken_Expired(t *testing.T) {
	service := NewService(testSecret, -time.Minute)

	token, err := service.GenerateAccessToken(uuid.New(), []string{"user"})
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(token)
	assert.Error(t, err)
	assert.True(t, service.IsTokenExpired(token))
}

func TestValidateAccessToken_Malformed(t *testing.T) {
	service := NewService(testSecret, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"three parts", "a.b.c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.ValidateAccessToken(tt.token)
			assert.Error(t, err)
		})
	}
}

func TestValidateAccessToken_WrongSigningMethod(t *testing.T) {
	service := NewService(testSecret, time.Hour)

	claims := Claims{
		UserID:    uuid.New(),
		TokenType: AccessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	tokenString, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(tokenString)
	assert.Error(t, err)
}

func TestValidateAccessToken_WrongType(t *testing.T) {
	service := NewService(testSecret, time.Hour)

	claims := Claims{
		UserID:    uuid.New(),
		TokenType: TokenType("refresh"),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    issuer,
		},
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = service.ValidateAccessToken(tokenString)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token type")
}

func TestExtractClaims(t *testing.T) {
	service := NewService(testSecret, time.Hour)
	userID := uuid.New()

	token, err := service.GenerateAccessToken(userID, []string{"user"})
	require.NoError(t, err)

	claims, err := service.ExtractClaims(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.False(t, service.IsTokenExpired(token))
}
