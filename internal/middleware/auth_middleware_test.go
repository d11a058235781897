package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/courtline/booking-engine/pkg/jwt"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestJWTService() *jwt.Service {
	return jwt.NewService("test-access-secret-key-123456789", time.Hour)
}

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestAuthMiddleware_Success(t *testing.T) {
	jwtService := setupTestJWTService()
	router := setupTestRouter()

	userID := uuid.New()
	token, err := jwtService.GenerateAccessToken(userID, []string{"user"})
	require.NoError(t, err)

	router.GET("/protected", AuthMiddleware(jwtService), func(c *gin.Context) {
		userCtx, exists := GetUserContext(c)
		require.True(t, exists)
		c.JSON(http.StatusOK, gin.H{
			"message": "success",
			"user_id": userCtx.UserID,
		})
	})

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "success")
	assert.Contains(t, w.Body.String(), userID.String())
}

func TestAuthMiddleware_MissingAuthHeader(t *testing.T) {
	jwtService := setupTestJWTService()
	router := setupTestRouter()

	router.GET("/protected", AuthMiddleware(jwtService), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "should not reach here"})
	})

	req := httptest.NewRequest("GET", "/protected", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "MISSING_AUTH_HEADER")
}

func TestAuthMiddleware_InvalidAuthFormat(t *testing.T) {
	jwtService := setupTestJWTService()
	router := setupTestRouter()

	router.GET("/protected", AuthMiddleware(jwtService), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "should not reach here"})
	})

	tests := []struct {
		name   string
		header string
	}{
		{"Missing Bearer", "some-token"},
		{"Wrong prefix", "Basic some-token"},
		{"Empty Bearer", "Bearer "},
		{"No token", "Bearer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/protected", nil)
			req.Header.Set("Authorization", tt.header)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "INVALID_AUTH_FORMAT")
		})
	}
}

func TestAuthMiddleware_ExpiredToken(t *testing.T) {
	jwtService := jwt.NewService("test-access-secret-key-123456789", -time.Minute)
	router := setupTestRouter()

	token, err := jwtService.GenerateAccessToken(uuid.New(), []string{"user"})
	require.NoError(t, err)

	router.GET("/protected", AuthMiddleware(jwtService), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "should not reach here"})
	})

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "TOKEN_EXPIRED")
}

func TestAuthMiddleware_WrongSecret(t *testing.T) {
	jwtService := setupTestJWTService()
	wrongService := jwt.NewService("wrong-secret-key", time.Hour)

	token, err := wrongService.GenerateAccessToken(uuid.New(), []string{"user"})
	require.NoError(t, err)

	router := setupTestRouter()
	router.GET("/protected", AuthMiddleware(jwtService), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "should not reach here"})
	})

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_TOKEN")
}

func TestGetUserContext(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("Context exists", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		expected := UserContext{UserID: uuid.New(), Roles: []string{"user"}}
		c.Set(UserContextKey, expected)

		userCtx, exists := GetUserContext(c)
		assert.True(t, exists)
		assert.Equal(t, expected, userCtx)
	})

	t.Run("Context not found", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		userCtx, exists := GetUserContext(c)
		assert.False(t, exists)
		assert.Equal(t, UserContext{}, userCtx)
	})

	t.Run("Context wrong type", func(t *testing.T) {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set(UserContextKey, "wrong type")
		_, exists := GetUserContext(c)
		assert.False(t, exists)
	})
}

func TestRequireRole(t *testing.T) {
	jwtService := setupTestJWTService()
	userID := uuid.New()

	do := func(router *gin.Engine, path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("User has required role", func(t *testing.T) {
		token, err := jwtService.GenerateAccessToken(userID, []string{"user", RoleVenueOwner})
		require.NoError(t, err)

		router := setupTestRouter()
		router.GET("/owner", AuthMiddleware(jwtService), RequireRole(RoleVenueOwner), func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "success"})
		})

		w := do(router, "/owner", token)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("User doesn't have required role", func(t *testing.T) {
		token, err := jwtService.GenerateAccessToken(userID, []string{"user"})
		require.NoError(t, err)

		router := setupTestRouter()
		router.GET("/owner", AuthMiddleware(jwtService), RequireRole(RoleVenueOwner), func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "should not reach here"})
		})

		w := do(router, "/owner", token)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "INSUFFICIENT_PERMISSIONS")
	})

	t.Run("No user context", func(t *testing.T) {
		router := setupTestRouter()
		router.GET("/no-auth", RequireRole(RoleVenueOwner), func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "should not reach here"})
		})

		w := do(router, "/no-auth", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "MISSING_USER_CONTEXT")
	})
}
