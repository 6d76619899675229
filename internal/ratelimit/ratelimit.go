// Package ratelimit provides rate limiting middleware for the arbiter API.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/mbd888/arbiter/internal/actor"
	"github.com/mbd888/arbiter/internal/logging"
)

// DefaultRate allows 100 requests per minute per caller.
const DefaultRate = "100-M"

const keyPrefix = "arbiter:ratelimit"

// Limiter counts requests per caller against a fixed-window rate.
type Limiter struct {
	instance *limiter.Limiter
}

// New creates an in-process limiter. rate uses the limiter's formatted
// notation, e.g. "100-M" or "10-S".
func New(rate string) (*Limiter, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("parse rate %q: %w", rate, err)
	}
	store := memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: keyPrefix})
	return &Limiter{instance: limiter.New(store, r)}, nil
}

// NewRedis creates a limiter whose counters live in Redis, so replicas
// share one budget per caller.
func NewRedis(client redis.UniversalClient, rate string) (*Limiter, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("parse rate %q: %w", rate, err)
	}
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: keyPrefix})
	if err != nil {
		return nil, fmt.Errorf("redis limiter store: %w", err)
	}
	return &Limiter{instance: limiter.New(store, r)}, nil
}

// Middleware returns a Gin middleware that rate limits by caller. It keys
// on the authenticated actor when there is one and on the client IP
// otherwise, so it should run after authentication.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if a, ok := actor.From(c.Request.Context()); ok {
			key = "actor:" + a.ID
		}

		lc, err := l.instance.Get(c.Request.Context(), key)
		if err != nil {
			// Fail open; a broken counter store must not take the API down.
			logging.L(c.Request.Context()).Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if lc.Reached {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": lc.Reset,
			})
			return
		}

		c.Next()
	}
}
