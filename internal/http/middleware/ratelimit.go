package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRateLimitRPS   = 20
	defaultRateLimitBurst = 40
	visitorIdleTTL        = 3 * time.Minute
	visitorSweepInterval  = time.Minute
)

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitors holds one token bucket per client IP.
type visitors struct {
	mu    sync.Mutex
	items map[string]*visitor
	limit rate.Limit
	burst int
	now   func() time.Time
}

func newVisitors(cfg RateLimitConfig) *visitors {
	if cfg.RPS <= 0 {
		cfg.RPS = defaultRateLimitRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultRateLimitBurst
	}
	return &visitors{
		items: make(map[string]*visitor),
		limit: rate.Limit(cfg.RPS),
		burst: cfg.Burst,
		now:   time.Now,
	}
}

func (v *visitors) limiter(ip string) *rate.Limiter {
	v.mu.Lock()
	defer v.mu.Unlock()
	item, ok := v.items[ip]
	if !ok {
		item = &visitor{limiter: rate.NewLimiter(v.limit, v.burst)}
		v.items[ip] = item
	}
	item.lastSeen = v.now()
	return item.limiter
}

func (v *visitors) sweep() {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	for key, item := range v.items {
		if now.Sub(item.lastSeen) > visitorIdleTTL {
			delete(v.items, key)
		}
	}
}

func (v *visitors) run(ctx context.Context) {
	ticker := time.NewTicker(visitorSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.sweep()
		}
	}
}

// retryAfter is the whole seconds until the bucket yields one token.
func (v *visitors) retryAfter() string {
	seconds := math.Ceil(1 / float64(v.limit))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(int(seconds))
}

// RateLimit applies a per-IP token bucket. The idle visitor sweep stops
// with ctx.
func RateLimit(ctx context.Context, cfg RateLimitConfig) func(http.Handler) http.Handler {
	pool := newVisitors(cfg)
	go pool.run(ctx)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r.RemoteAddr)
			if !pool.limiter(ip).Allow() {
				w.Header().Set("Retry-After", pool.retryAfter())
				writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	if host == "" {
		return remoteAddr
	}
	return host
}
