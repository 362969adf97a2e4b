package service

import (
	"context"
	"sync"
	"time"
)

// Category is an endpoint class with its own rate budget and breaker.
type Category string

const (
	CategoryOrders     Category = "orders"
	CategoryAccount    Category = "account"
	CategoryMarketData Category = "market_data"
)

// RateBudget describes one category: the exchange hard limit per window and
// the fraction of it we allow ourselves to consume.
type RateBudget struct {
	HardLimit int           // weight units per window, exchange-documented
	Window    time.Duration // refill window
	Buffer    float64       // e.g. 0.8 => use at most 80% of the hard limit
}

func (b RateBudget) capacity() float64 {
	buf := b.Buffer
	if buf <= 0 || buf > 1 {
		buf = 0.8
	}
	return float64(b.HardLimit) * buf
}

type bucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	refill   float64 // tokens per second
	last     time.Time
}

// RateLimiter is a token bucket per category. Acquire blocks until budget is
// available or the safety timeout elapses; it never hangs indefinitely.
type RateLimiter struct {
	buckets map[Category]*bucket
	timeout time.Duration
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

const defaultAcquireTimeout = 30 * time.Second

func NewRateLimiter(budgets map[Category]RateBudget) *RateLimiter {
	return newRateLimiter(budgets, time.Now, sleepCtx)
}

func newRateLimiter(
	budgets map[Category]RateBudget,
	now func() time.Time,
	sleep func(context.Context, time.Duration) error,
) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[Category]*bucket, len(budgets)),
		timeout: defaultAcquireTimeout,
		now:     now,
		sleep:   sleep,
	}
	for cat, b := range budgets {
		cap := b.capacity()
		rl.buckets[cat] = &bucket{
			capacity: cap,
			tokens:   cap,
			refill:   cap / b.Window.Seconds(),
			last:     now(),
		}
	}
	return rl
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire takes weight tokens from the category bucket, waiting for refill if
// needed. Unknown categories fall back to the orders bucket, the strictest one.
func (rl *RateLimiter) Acquire(ctx context.Context, cat Category, weight float64) error {
	b, ok := rl.buckets[cat]
	if !ok {
		b = rl.buckets[CategoryOrders]
	}
	if b == nil {
		return nil
	}
	deadline := rl.now().Add(rl.timeout)

	for {
		b.mu.Lock()
		now := rl.now()
		elapsed := now.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * b.refill
			if b.tokens > b.capacity {
				b.tokens = b.capacity
			}
			b.last = now
		}
		if b.tokens >= weight {
			b.tokens -= weight
			b.mu.Unlock()
			return nil
		}
		missing := weight - b.tokens
		b.mu.Unlock()

		wait := time.Duration(missing / b.refill * float64(time.Second))
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if rl.now().Add(wait).After(deadline) {
			return &TimeoutError{Op: "rate limit acquire " + string(cat)}
		}
		if err := rl.sleep(ctx, wait); err != nil {
			return err
		}
	}
}
