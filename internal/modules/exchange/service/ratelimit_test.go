package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBudgets() map[Category]RateBudget {
	return map[Category]RateBudget{
		CategoryOrders: {HardLimit: 10, Window: time.Second, Buffer: 0.8},
	}
}

func TestAcquireWithinCapacity(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	rl := newRateLimiter(testBudgets(), clock.now, func(context.Context, time.Duration) error { return nil })

	// capacity = 10 * 0.8 = 8 tokens without waiting
	for i := 0; i < 8; i++ {
		require.NoError(t, rl.Acquire(context.Background(), CategoryOrders, 1))
	}
}

func TestAcquireWaitsForRefill(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	slept := time.Duration(0)
	rl := newRateLimiter(testBudgets(), clock.now, func(_ context.Context, d time.Duration) error {
		slept += d
		clock.advance(d)
		return nil
	})

	for i := 0; i < 8; i++ {
		require.NoError(t, rl.Acquire(context.Background(), CategoryOrders, 1))
	}
	// bucket is empty now, the ninth acquire must wait for refill
	require.NoError(t, rl.Acquire(context.Background(), CategoryOrders, 1))
	assert.Greater(t, slept, time.Duration(0))
}

func TestAcquireTimesOut(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	rl := newRateLimiter(map[Category]RateBudget{
		// one token per hour: draining it stalls the next caller way past
		// the safety timeout
		CategoryOrders: {HardLimit: 1, Window: time.Hour, Buffer: 1},
	}, clock.now, func(_ context.Context, d time.Duration) error {
		clock.advance(d)
		return nil
	})

	require.NoError(t, rl.Acquire(context.Background(), CategoryOrders, 1))

	err := rl.Acquire(context.Background(), CategoryOrders, 1)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
}

func TestAcquireHonorsContext(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	rl := newRateLimiter(testBudgets(), clock.now, sleepCtx)

	for i := 0; i < 8; i++ {
		require.NoError(t, rl.Acquire(context.Background(), CategoryOrders, 1))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, rl.Acquire(ctx, CategoryOrders, 1), context.Canceled)
}

func TestUnknownCategoryUsesOrdersBucket(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	rl := newRateLimiter(testBudgets(), clock.now, func(context.Context, time.Duration) error { return nil })

	for i := 0; i < 8; i++ {
		require.NoError(t, rl.Acquire(context.Background(), Category("mystery"), 1))
	}
}
