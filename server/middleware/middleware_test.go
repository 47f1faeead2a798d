package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/palm-detector/server/cache"
	"github.com/san-kum/palm-detector/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubVerifier struct {
	valid map[string]string
	calls int
}

func (v *stubVerifier) Verify(ctx context.Context, token string) (*models.Principal, error) {
	v.calls++
	if token == "" {
		return nil, models.ErrMissingCredential
	}
	email, ok := v.valid[token]
	if !ok {
		return nil, models.ErrInvalidCredential
	}
	return &models.Principal{Email: email}, nil
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *models.APIError {
	t.Helper()

	var body models.APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error
}

func authRouter(verifier *stubVerifier) *gin.Engine {
	router := gin.New()
	auth := NewAuthMiddleware(verifier, zap.NewNop())
	router.GET("/me", auth.RequireAuth(), func(c *gin.Context) {
		principal, ok := PrincipalFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, principal.Email)
	})
	return router
}

func TestRequireAuth(t *testing.T) {
	verifier := &stubVerifier{valid: map[string]string{"good": "a@b.com"}}
	router := authRouter(verifier)

	tests := []struct {
		name   string
		header string
		status int
		code   models.ErrorKind
	}{
		{"no header", "", http.StatusUnauthorized, models.KindMissingCredential},
		{"other scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, models.KindMissingCredential},
		{"bearer without token", "Bearer", http.StatusUnauthorized, models.KindMissingCredential},
		{"unknown token", "Bearer forged", http.StatusUnauthorized, models.KindInvalidCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, string(tt.code), decodeError(t, w).Code)
		})
	}
}

func TestRequireAuthVerifiesEveryRequest(t *testing.T) {
	verifier := &stubVerifier{valid: map[string]string{"good": "a@b.com"}}
	router := authRouter(verifier)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "bearer good")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "a@b.com", w.Body.String())
	}
	assert.Equal(t, 3, verifier.calls)
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", ExtractBearer("Bearer abc"))
	assert.Equal(t, "abc", ExtractBearer("  bearer   abc "))
	assert.Equal(t, "", ExtractBearer("Token abc"))
	assert.Equal(t, "", ExtractBearer("abc"))
	assert.Equal(t, "", ExtractBearer(""))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, StatusFor(models.ErrInvalidCredential))
	assert.Equal(t, http.StatusForbidden, StatusFor(models.ErrForbidden))
	assert.Equal(t, http.StatusBadRequest, StatusFor(models.Wrap(models.ErrInvalidImage, errors.New("bad header"))))
	assert.Equal(t, http.StatusBadGateway, StatusFor(models.ErrInferenceFailure))
	assert.Equal(t, http.StatusNotFound, StatusFor(models.ErrNotFound))
	assert.Equal(t, http.StatusBadRequest, StatusFor(models.ErrBadRequest))
	assert.Equal(t, http.StatusTooManyRequests, StatusFor(models.ErrRateLimited))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("plain")))
}

func TestErrorBodyHidesCause(t *testing.T) {
	body := ErrorBody(models.Wrap(models.ErrStorageFailure, errors.New("/srv/results: permission denied")))
	assert.Equal(t, "STORAGE_FAILURE", body.Error.Code)
	assert.NotContains(t, body.Error.Message, "permission denied")

	body = ErrorBody(errors.New("boom"))
	assert.Equal(t, "INTERNAL", body.Error.Code)
}

type failingCache struct {
	cache.Cache
}

func (failingCache) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func limitedRouter(store cache.Cache, rps, burst int) *gin.Engine {
	router := gin.New()
	limiter := NewRateLimiter(store, rps, burst, zap.NewNop())
	router.GET("/ping", limiter.RateLimit(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router
}

func TestRateLimit(t *testing.T) {
	store := cache.NewMemoryCache(100, zap.NewNop())
	defer store.Close()
	router := limitedRouter(store, 1, 2)

	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1").Code)
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1").Code)

	w := do("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body struct {
		Error      models.APIError `json:"error"`
		RetryAfter int             `json:"retry_after"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMITED", body.Error.Code)
	assert.GreaterOrEqual(t, body.RetryAfter, 1)

	assert.Equal(t, http.StatusNoContent, do("10.0.0.2").Code, "limits are per client")
}

func TestRateLimitAllowsWhenStoreFails(t *testing.T) {
	router := limitedRouter(failingCache{}, 1, 1)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
	}
}

func TestAllowSharesBudgetPerClient(t *testing.T) {
	store := cache.NewMemoryCache(100, zap.NewNop())
	defer store.Close()
	rl := NewRateLimiter(store, 1, 2, zap.NewNop())
	ctx := context.Background()

	ok, _ := rl.Allow(ctx, "10.0.0.1")
	assert.True(t, ok)
	ok, _ = rl.Allow(ctx, "10.0.0.1")
	assert.True(t, ok)

	ok, retryAfter := rl.Allow(ctx, "10.0.0.1")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, 2*time.Second)

	ok, _ = rl.Allow(ctx, "10.0.0.2")
	assert.True(t, ok)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, RetryAfterSeconds(10*time.Millisecond))
	assert.Equal(t, 2, RetryAfterSeconds(1500*time.Millisecond))
	assert.Equal(t, 0, RetryAfterSeconds(0))
}

func TestRateLimiterStats(t *testing.T) {
	rl := NewRateLimiter(nil, 10, 20, zap.NewNop())
	assert.Equal(t, map[string]interface{}{"limit": int64(20), "window_seconds": 2.0}, rl.GetGlobalStats())
}

func TestNewRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(nil, 10, 20, zap.NewNop())
	assert.Equal(t, int64(20), rl.limit)
	assert.Equal(t, 2*time.Second, rl.window)

	rl = NewRateLimiter(nil, 0, 0, zap.NewNop())
	assert.Equal(t, int64(1), rl.limit)
	assert.Equal(t, time.Second, rl.window)
}

func TestRequestSizeLimit(t *testing.T) {
	router := gin.New()
	router.POST("/upload", RequestSizeLimit(8), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "REQUEST_TOO_LARGE", decodeError(t, w).Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("0123")))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCORS(t *testing.T) {
	router := gin.New()
	router.Use(CORS([]string{"https://app.example"}))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestIPWhitelist(t *testing.T) {
	router := gin.New()
	router.GET("/metrics", IPWhitelist([]string{"127.0.0.1"}), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "10.1.1.1:5555"
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	generated := w.Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.NotEqual(t, "not-a-uuid", w.Header().Get(RequestIDHeader))
}

func TestTimeoutHandlerSetsDeadline(t *testing.T) {
	router := gin.New()
	router.GET("/x", TimeoutHandler(time.Minute), func(c *gin.Context) {
		_, ok := c.Request.Context().Deadline()
		c.JSON(http.StatusOK, gin.H{"deadline": ok})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.JSONEq(t, `{"deadline":true}`, w.Body.String())
}
