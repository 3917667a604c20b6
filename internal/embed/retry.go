package embed

import (
	"context"
	"math/rand"
	"regexp"
	"time"

	"github.com/openclaw-labs/memory-index/internal/config"
)

// retryablePattern matches error text classified as a transient provider
// error per §4.2/§7: rate limits, HTTP 429/5xx, resource exhaustion, and
// the Cloudflare interstitial page.
var retryablePattern = regexp.MustCompile(`(?i)rate.?limit|429|5\d\d|resource has been exhausted|cloudflare`)

// IsRetryable reports whether err's message matches a known transient
// provider failure class.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return retryablePattern.MatchString(err.Error())
}

// WithRetry executes fn with exponential backoff and jitter, per cfg.
// Non-retryable errors propagate immediately without consuming an attempt.
func WithRetry(ctx context.Context, cfg config.RetryConfig, fn func() error) error {
	delay := cfg.BaseDelay
	var lastErr error

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == maxAttempts {
			return lastErr
		}

		wait := jitter(delay, cfg.Jitter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

// jitter applies a ±pct random perturbation to d.
func jitter(d time.Duration, pct float64) time.Duration {
	if pct <= 0 {
		return d
	}
	delta := float64(d) * pct
	offset := (rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}
	return result
}
