package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig controls backoff behaviour for a RetryManager.
type RetryConfig struct {
	MaxRetries    int           // additional attempts after the first
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
	// RetryPredicate is consulted before each retry. Returning false aborts
	// immediately with the error that triggered the check. Nil retries all errors.
	RetryPredicate func(error) bool
}

// DefaultRetryConfig returns conservative defaults for engine calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

// RetryManager executes operations with exponential backoff.
type RetryManager struct {
	cfg RetryConfig
	// sleep is swappable for tests.
	sleep func(context.Context, time.Duration) error
}

func NewRetryManager(cfg RetryConfig) *RetryManager {
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &RetryManager{cfg: cfg, sleep: sleepCtx}
}

// Execute runs op, retrying up to MaxRetries additional times. The delay
// before retry n (n >= 1) is min(MaxDelay, BaseDelay*BackoffFactor^(n-1)),
// jittered by ±25% when enabled. The last error is returned on exhaustion.
func (r *RetryManager) Execute(ctx context.Context, op func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if r.cfg.RetryPredicate != nil && !r.cfg.RetryPredicate(lastErr) {
				log.Debug().Err(lastErr).Msg("error is not retryable, aborting")
				return lastErr
			}
			delay := r.delayFor(attempt)
			log.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying after backoff")
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
	}

	return lastErr
}

func (r *RetryManager) delayFor(attempt int) time.Duration {
	d := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.BackoffFactor, float64(attempt-1))
	if d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	if r.cfg.Jitter {
		// ±25% uniform
		d *= 0.75 + rand.Float64()*0.5 // #nosec G404 -- jitter, not crypto
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
