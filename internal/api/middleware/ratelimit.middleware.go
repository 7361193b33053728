package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maristack/pelorus/pkg/cache"
)

const (
	rateLimitPerMinute = 300
	rateLimitWindow    = time.Minute
)

// RateLimiter caps requests per client IP using the shared cache. A cache
// outage fails open so the API stays reachable during a Valkey incident.
func RateLimiter(c cache.Valkey) gin.HandlerFunc {
	return func(gc *gin.Context) {
		window := time.Now().Unix() / int64(rateLimitWindow.Seconds())
		key := fmt.Sprintf("ratelimit:%s:%d", gc.ClientIP(), window)

		count := 1
		if data, err := c.Get(gc.Request.Context(), key); err == nil {
			if prev, convErr := strconv.Atoi(string(data)); convErr == nil {
				count = prev + 1
			}
		}

		if count > rateLimitPerMinute {
			gc.Header("X-Rate-Limit-Limit", strconv.Itoa(rateLimitPerMinute))
			gc.Header("X-Rate-Limit-Remaining", "0")
			gc.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		_ = c.Set(gc.Request.Context(), key, strconv.Itoa(count), rateLimitWindow)
		gc.Header("X-Rate-Limit-Limit", strconv.Itoa(rateLimitPerMinute))
		gc.Header("X-Rate-Limit-Remaining", strconv.Itoa(rateLimitPerMinute-count))

		gc.Next()
	}
}
