package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/palm-detector/server/cache"
	"github.com/san-kum/palm-detector/server/models"
	"go.uber.org/zap"
)

// RateLimiter allows burst requests per client in each window of
// burst/rps seconds, so the long-run rate is rps. Counters live in the
// cache, which lets several instances share one Redis.
type RateLimiter struct {
	store  cache.Cache
	logger *zap.Logger
	limit  int64
	window time.Duration
}

func NewRateLimiter(store cache.Cache, rps, burst int, logger *zap.Logger) *RateLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst < rps {
		burst = rps
	}

	window := time.Duration(burst) * time.Second / time.Duration(rps)
	if window < 10*time.Millisecond {
		window = 10 * time.Millisecond
	}

	return &RateLimiter{
		store:  store,
		logger: logger,
		limit:  int64(burst),
		window: window,
	}
}

// Allow counts one request from client and reports whether it fits in the
// current window. When it does not, the returned duration is how long the
// client should wait.
func (rl *RateLimiter) Allow(ctx context.Context, client string) (bool, time.Duration) {
	key := "ratelimit:" + client

	count, err := rl.store.IncrementWithTTL(ctx, key, rl.window)
	if err != nil {
		// An unavailable counter store must not take the API down with it.
		rl.logger.Warn("Rate limit check failed, allowing request",
			zap.String("client", client), zap.Error(err))
		return true, 0
	}
	if count <= rl.limit {
		return true, 0
	}

	retryAfter := rl.window
	if ttl, err := rl.store.GetTTL(ctx, key); err == nil && ttl > 0 {
		retryAfter = ttl
	}
	return false, retryAfter
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		allowed, retryAfter := rl.Allow(c.Request.Context(), clientIP)
		if !allowed {
			seconds := RetryAfterSeconds(retryAfter)

			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path))

			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": &models.APIError{
					Code:    string(models.KindRateLimited),
					Message: models.ErrRateLimited.Message,
				},
				"retry_after": seconds,
			})
			return
		}

		c.Next()
	}
}

// RetryAfterSeconds rounds d up to whole seconds for a Retry-After value.
func RetryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func (rl *RateLimiter) GetGlobalStats() map[string]interface{} {
	return map[string]interface{}{
		"limit":          rl.limit,
		"window_seconds": rl.window.Seconds(),
	}
}
