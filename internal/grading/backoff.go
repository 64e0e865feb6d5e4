package grading

import (
	"math/rand/v2"
	"time"

	"github.com/gradebench/gradebench/internal/completion"
)

// RetryConfig tunes the per-task retry loop.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// InitialInterval is the base backoff before the first retry.
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`

	// MaxInterval caps the exponential growth.
	MaxInterval time.Duration `yaml:"max_interval" json:"max_interval"`

	// Multiplier scales the interval between consecutive retries.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// UseJitter randomizes each wait in [0, computed] to spread retries.
	UseJitter bool `yaml:"use_jitter" json:"use_jitter"`
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		UseJitter:       true,
	}
}

// backoffFor computes the wait before re-running a task. A provider
// Retry-After mandate takes precedence and is scaled by the attempt
// number so a persistently rate-limited task backs off harder each time;
// otherwise exponential backoff with optional full jitter applies.
// attempt is 1-based (the retry being scheduled).
func (c RetryConfig) backoffFor(attempt int, err error) time.Duration {
	if ra := completion.GetRetryAfter(err); ra > 0 {
		return time.Duration(ra) * time.Second << uint(attempt-1)
	}

	base := c.InitialInterval
	if base <= 0 {
		base = time.Millisecond
	}
	multiplier := c.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	for i := 1; i < attempt; i++ {
		base = time.Duration(float64(base) * multiplier)
		if c.MaxInterval > 0 && base > c.MaxInterval {
			base = c.MaxInterval
			break
		}
	}

	if c.UseJitter {
		// Full jitter: random between 0 and the computed backoff.
		jitterMs := rand.Int64N(base.Milliseconds() + 1)
		return time.Duration(jitterMs) * time.Millisecond
	}
	return base
}
