package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"croupier_bot/internal/models"
)

func newTestAdapter(t *testing.T) (*Adapter, *VirtualConnector) {
	t.Helper()
	virt := NewVirtualConnector(10000)
	a := NewAdapter(virt, AdapterConfig{
		Breaker: BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1},
		Retry:   RetryConfig{MaxRetries: 0, BackoffBase: time.Millisecond},
	})
	return a, virt
}

func TestAdapterExecutesThroughPipeline(t *testing.T) {
	a, virt := newTestAdapter(t)
	virt.SetPrice("BTC-USDT-SWAP", 50000)

	o, err := models.NewOrder("BTC-USDT-SWAP", models.OrderKindMain, models.SideLong, 0, 0.01, models.ExecModeLive)
	require.NoError(t, err)

	res, err := a.ExecuteOrder(context.Background(), o)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
}

func TestAdapterServesCachedPriceWhenBreakerOpen(t *testing.T) {
	a, virt := newTestAdapter(t)
	virt.SetPrice("ETH-USDT-SWAP", 3000)

	// prime the cache
	px, err := a.GetCurrentPrice(context.Background(), "ETH-USDT-SWAP")
	require.NoError(t, err)
	require.Equal(t, 3000.0, px)

	// trip the market-data breaker
	virt.FailNext(2, &ServerError{Status: 503})
	_, _ = a.GetCurrentPrice(context.Background(), "ETH-USDT-SWAP")
	_, _ = a.GetCurrentPrice(context.Background(), "ETH-USDT-SWAP")
	require.Equal(t, BreakerOpen, a.Breaker(CategoryMarketData).State())

	// breaker open, cached price served instead of an error
	px, err = a.GetCurrentPrice(context.Background(), "ETH-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, 3000.0, px)
}

func TestAdapterServesCachedBalanceWhenBreakerOpen(t *testing.T) {
	a, virt := newTestAdapter(t)

	bal, err := a.FetchBalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10000.0, bal.Total)

	virt.FailNext(2, &ServerError{Status: 503})
	_, _ = a.FetchBalance(context.Background())
	_, _ = a.FetchBalance(context.Background())
	require.Equal(t, BreakerOpen, a.Breaker(CategoryAccount).State())

	bal, err = a.FetchBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10000.0, bal.Total)
}

func TestAdapterPriceWithoutCacheFailsWhenBreakerOpen(t *testing.T) {
	a, virt := newTestAdapter(t)
	virt.SetPrice("SOL-USDT-SWAP", 100)

	virt.FailNext(2, &ServerError{Status: 503})
	_, _ = a.FetchBalance(context.Background())
	_, _ = a.FetchBalance(context.Background())

	// account breaker open and no cached balance was ever stored
	a2, virt2 := newTestAdapter(t)
	virt2.FailNext(2, &ServerError{Status: 503})
	_, _ = a2.FetchBalance(context.Background())
	_, _ = a2.FetchBalance(context.Background())
	_, err := a2.FetchBalance(context.Background())
	require.Error(t, err)
}

func TestAdapterRetriesTransientFailures(t *testing.T) {
	virt := NewVirtualConnector(10000)
	a := NewAdapter(virt, AdapterConfig{
		Breaker: BreakerConfig{FailureThreshold: 10, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1},
		Retry:   RetryConfig{MaxRetries: 2, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond},
	})
	virt.SetPrice("BTC-USDT-SWAP", 50000)
	virt.FailNext(1, &ServerError{Status: 502})

	px, err := a.GetCurrentPrice(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, px)
}

func TestAdapterDoesNotRetryValidation(t *testing.T) {
	virt := NewVirtualConnector(10000)
	a := NewAdapter(virt, AdapterConfig{
		Retry: RetryConfig{MaxRetries: 3, BackoffBase: time.Millisecond},
	})

	// no price set: the virtual book rejects with ValidationError
	_, err := a.GetCurrentPrice(context.Background(), "UNKNOWN-SWAP")
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
