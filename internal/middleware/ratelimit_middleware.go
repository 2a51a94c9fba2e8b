package middleware

import (
	"context"
	"net/http"
	"strconv"

	"commerce-relay/internal/redis"
	"commerce-relay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
)

type limitFunc func(ctx context.Context, clientKey string) (*redis.RateLimitResult, error)

// IssueRateLimitMiddleware bounds coupon issue attempts per client IP.
func IssueRateLimitMiddleware(limiter *redis.RateLimiter) gin.HandlerFunc {
	return rateLimit(limiter.AllowIssue, "issue rate limit exceeded")
}

// AdminRateLimitMiddleware bounds dead-letter admin calls per client IP.
func AdminRateLimitMiddleware(limiter *redis.RateLimiter) gin.HandlerFunc {
	return rateLimit(limiter.AllowAdmin, "rate limit exceeded")
}

func rateLimit(allow limitFunc, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, httpdto.NewErrorResponse("rate limit error", "INTERNAL_ERROR"))
			c.Abort()
			return
		}

		setRateLimitHeaders(c, result)

		if !result.Allowed {
			c.JSON(http.StatusTooManyRequests, httpdto.NewErrorResponse(message, "RATE_LIMITED"))
			c.Abort()
			return
		}

		c.Next()
	}
}

// setRateLimitHeaders sets standard rate limit response headers
func setRateLimitHeaders(c *gin.Context, result *redis.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}
