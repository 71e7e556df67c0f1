package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/mocks"
)

func authRouter(verifier *mocks.VerifierMock) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", AuthMiddleware(verifier), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetInt("userID")})
	})
	return router
}

func TestAuthMiddlewareBindsUser(t *testing.T) {
	verifier := &mocks.VerifierMock{}
	verifier.On("Verify", "good-token").Return(42, nil)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()
	authRouter(verifier).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":42}`, w.Body.String())
}

func TestAuthMiddlewareMissingToken(t *testing.T) {
	verifier := &mocks.VerifierMock{}

	w := httptest.NewRecorder()
	authRouter(verifier).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	verifier.AssertNotCalled(t, "Verify", "")
}

func TestAuthMiddlewareInvalidToken(t *testing.T) {
	verifier := &mocks.VerifierMock{}
	verifier.On("Verify", "bad-token").Return(0, errors.New("signature mismatch"))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	w := httptest.NewRecorder()
	authRouter(verifier).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddlewareCookieFallback(t *testing.T) {
	verifier := &mocks.VerifierMock{}
	verifier.On("Verify", "cookie-token").Return(7, nil)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: "jwt", Value: "cookie-token"})
	w := httptest.NewRecorder()
	authRouter(verifier).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":7}`, w.Body.String())
}
