// Package ratelimit guards the ticket-issuing endpoint and the websocket upgrade with
// ulule/limiter/v3, grounded on the teacher's internal/v1/ratelimit/limiter.go: a Redis
// store when a Redis backend is configured, falling back to an in-memory store for
// single-instance deployments, with Prometheus counters for every rejection.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/otcontroller/signaling/internal/logging"
	"github.com/otcontroller/signaling/internal/metrics"
)

// Limiter holds the per-endpoint rate limiter instances described in spec.md §6's
// authentication surface: ticket issuance by IP and by user, and the websocket upgrade by IP.
type Limiter struct {
	ticketIP   *limiter.Limiter
	ticketUser *limiter.Limiter
	wsIP       *limiter.Limiter
}

// New builds a Limiter. redisClient may be nil, in which case every rate is tracked with an
// in-process memory store instead (fine for a single controller instance, not for a fleet).
func New(redisClient *redis.Client, ticketIPRate, ticketUserRate, wsIPRate string) (*Limiter, error) {
	store, err := newStore(redisClient)
	if err != nil {
		return nil, err
	}

	tiRate, err := limiter.NewRateFromFormatted(ticketIPRate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid ticket IP rate: %w", err)
	}
	tuRate, err := limiter.NewRateFromFormatted(ticketUserRate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid ticket user rate: %w", err)
	}
	wsRate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid ws IP rate: %w", err)
	}

	return &Limiter{
		ticketIP:   limiter.New(store, tiRate),
		ticketUser: limiter.New(store, tuRate),
		wsIP:       limiter.New(store, wsRate),
	}, nil
}

func newStore(redisClient *redis.Client) (limiter.Store, error) {
	if redisClient == nil {
		logging.Warn(context.Background(), "rate limiter using in-memory store (no redis configured)")
		return memory.NewStore(), nil
	}
	store, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "signaling:ratelimit:"})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return store, nil
}

// TicketMiddleware enforces the ticket-issuing rate limits by client IP and, once known,
// by the authenticated user id stashed in gin context key "user_id".
func (l *Limiter) TicketMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		ipCtx, err := l.ticketIP.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Error(ctx, "rate limiter store failed")
			c.Next()
			return
		}
		if ipCtx.Reached {
			l.reject(c, "ticket", "ip", ipCtx.Reset)
			return
		}

		if uid, ok := c.Get("user_id"); ok {
			userCtx, err := l.ticketUser.Get(ctx, uid.(string))
			if err == nil && userCtx.Reached {
				l.reject(c, "ticket", "user", userCtx.Reset)
				return
			}
		}

		c.Next()
	}
}

// AllowWebSocket enforces the per-IP websocket-connect rate, failing open on store errors.
func (l *Limiter) AllowWebSocket(ctx context.Context, ip string) bool {
	wsCtx, err := l.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed")
		return true
	}
	if wsCtx.Reached {
		metrics.RateLimitExceededTotal.WithLabelValues("ws_connect", "ip").Inc()
		return false
	}
	return true
}

func (l *Limiter) reject(c *gin.Context, endpoint, reason string, reset int64) {
	metrics.RateLimitExceededTotal.WithLabelValues(endpoint, reason).Inc()
	c.Header("Retry-After", strconv.FormatInt(reset, 10))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "too many requests",
		"retry_after": reset,
	})
}
