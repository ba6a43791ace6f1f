package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseDeviceTokens(t *testing.T) {
	v, err := ParseDeviceTokens("tok-a:dev-a, tok-b:dev-b", zap.NewNop())
	require.NoError(t, err)

	dev, ok := v.Verify("tok-a")
	assert.True(t, ok)
	assert.Equal(t, "dev-a", dev)

	dev, ok = v.Verify("tok-b")
	assert.True(t, ok)
	assert.Equal(t, "dev-b", dev)

	_, ok = v.Verify("tok-c")
	assert.False(t, ok)
}

func TestParseDeviceTokensSkipsMalformedEntries(t *testing.T) {
	v, err := ParseDeviceTokens("nocolon, :dev, tok:, good:dev-1", zap.NewNop())
	require.NoError(t, err)

	_, ok := v.Verify("nocolon")
	assert.False(t, ok)

	dev, ok := v.Verify("good")
	assert.True(t, ok)
	assert.Equal(t, "dev-1", dev)
}

func TestParseDeviceTokensEmpty(t *testing.T) {
	_, err := ParseDeviceTokens("nocolon, ,", zap.NewNop())
	assert.Error(t, err)
}

func newAuthRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	v, err := ParseDeviceTokens("secret-token:dev-1", zap.NewNop())
	require.NoError(t, err)

	r := gin.New()
	r.Use(v.Middleware())
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"device_id": DeviceID(c)})
	})
	return r
}

func TestMiddlewareMissingHeader(t *testing.T) {
	r := newAuthRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	assert.JSONEq(t, `{"detail": "Missing authorization credentials."}`, w.Body.String())
}

func TestMiddlewareWrongScheme(t *testing.T) {
	r := newAuthRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Basic secret-token")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"detail": "Missing authorization credentials."}`, w.Body.String())
}

func TestMiddlewareUnknownToken(t *testing.T) {
	r := newAuthRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	assert.JSONEq(t, `{"detail": "Invalid or expired token."}`, w.Body.String())
}

func TestMiddlewareValidToken(t *testing.T) {
	r := newAuthRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"device_id": "dev-1"}`, w.Body.String())
}
