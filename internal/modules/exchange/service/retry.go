package service

import (
	"context"
	"math"
	"math/rand"
	"time"
)

type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  15 * time.Second,
		Jitter:      true,
	}
}

// Backoff returns the wait before attempt n (0-based): base*2^n capped at
// BackoffMax, with up to 25% jitter. A server retry-after hint overrides the
// computed delay when it is longer.
func (c RetryConfig) Backoff(attempt int, hint time.Duration) time.Duration {
	d := time.Duration(float64(c.BackoffBase) * math.Pow(2, float64(attempt)))
	if c.BackoffMax > 0 && d > c.BackoffMax {
		d = c.BackoffMax
	}
	if c.Jitter {
		d += time.Duration(rand.Int63n(int64(d)/4 + 1))
	}
	if hint > d {
		d = hint
	}
	return d
}

// Retry runs fn, retrying retriable failures with exponential backoff.
// Non-retriable and system failures surface immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if Classify(err) != ClassRetriable || attempt >= cfg.MaxRetries {
			return err
		}
		if serr := sleepCtx(ctx, cfg.Backoff(attempt, RetryAfterHint(err))); serr != nil {
			return serr
		}
	}
}
