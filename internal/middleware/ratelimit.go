package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/response"
)

// RateLimiter is a fixed-window limiter shared by every server instance
// through Redis.
type RateLimiter struct {
	rdb      *redis.Client
	scope    string
	rate     int           // Requests per interval
	interval time.Duration // Window length
	log      zerolog.Logger
	now      func() time.Time
}

// NewRateLimiter creates a RateLimiter (e.g., 10 requests per minute) for one
// group of routes.
func NewRateLimiter(rdb *redis.Client, scope string, rate int, interval time.Duration, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		rdb:      rdb,
		scope:    scope,
		rate:     rate,
		interval: interval,
		log:      log.With().Str("component", "rate_limiter").Str("scope", scope).Logger(),
		now:      time.Now,
	}
}

// Middleware returns a Gin middleware that rate-limits requests by IP.
// Requests are let through when Redis is unavailable.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		window := rl.now().UnixNano() / int64(rl.interval)
		key := config.CacheKey.RateLimitKey(rl.scope, ip, window)

		ctx := c.Request.Context()
		pipe := rl.rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, rl.interval)
		if _, err := pipe.Exec(ctx); err != nil {
			rl.log.Warn().Err(err).Msg("Rate limit check failed, allowing request")
			c.Next()
			return
		}

		count := int(incr.Val())
		remaining := rl.rate - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.rate))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if count > rl.rate {
			reset := time.Unix(0, (window+1)*int64(rl.interval)).Sub(rl.now())
			c.Header("Retry-After", strconv.Itoa(int(reset.Seconds())+1))
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}

		c.Next()
	}
}
