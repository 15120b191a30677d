// Package gateway provides request admission for the correlation API.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/tracealign/internal/config"
)

const window = time.Minute

var incrWithExpiry = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimiter is a fixed-window per-client limiter backed by redis.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	config config.RateLimitConfig
	now    func() time.Time
}

// Result contains the outcome of a rate limit check
type Result struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client *redis.Client, cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = config.DefaultConfig().RateLimit.RequestsPerMinute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:  client,
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
}

// Check counts one request from clientID against endpoint.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint string) (*Result, error) {
	key := fmt.Sprintf("tracealign:ratelimit:%s:%s", clientID, endpoint)
	limit := rl.config.RequestsPerMinute

	count, err := incrWithExpiry.Run(ctx, rl.redis, []string{key}, window.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}

	ttl, err := rl.redis.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}

	res := &Result{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		Limit:     limit,
		ResetAt:   rl.now().Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res, nil
}

// Middleware rejects requests over the limit with 429. Redis failures let
// the request through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := rl.Check(r.Context(), ClientIP(r), r.URL.Path)
		if err != nil {
			rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		if rl.config.IncludeHeaders {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		}

		if !res.Allowed {
			retry := int(res.RetryAfter.Round(time.Second).Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"Rate limit exceeded","retry_after":%d}`, retry)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the request host without the port. chi's RealIP
// middleware has already applied forwarding headers to RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
