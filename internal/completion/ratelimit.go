package completion

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the local token bucket applied before requests
// leave the process. Zero values disable limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained per-vendor request rate.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`

	// Burst is the instantaneous per-vendor burst capacity.
	Burst int `yaml:"burst" json:"burst"`
}

// rateLimiter applies a local token bucket per model vendor so one
// saturated vendor does not starve tries against the others. Vendors are
// keyed by the slug prefix ("anthropic/claude-..." -> "anthropic").
type rateLimiter struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimitMiddleware creates per-vendor rate limiting middleware.
// Waits respect context cancellation; a cancelled wait surfaces as the
// context's error, not a rate limit error.
func NewRateLimitMiddleware(cfg RateLimitConfig) Middleware {
	rl := &rateLimiter{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
	return rl.Middleware
}

// Middleware wraps a handler with a blocking rate limit wait.
func (l *rateLimiter) Middleware(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if l.cfg.RequestsPerSecond > 0 {
			if err := l.limiterFor(req.Model).Wait(ctx); err != nil {
				return nil, err
			}
		}
		return next.Handle(ctx, req)
	})
}

func (l *rateLimiter) limiterFor(model string) *rate.Limiter {
	vendor := model
	if i := strings.IndexByte(model, '/'); i > 0 {
		vendor = model[:i]
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[vendor]
	if !ok {
		burst := l.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), burst)
		l.limiters[vendor] = lim
	}
	return lim
}
