package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"croupier_bot/internal/models"
	"croupier_bot/pkg/logger"
)

// OrderUpdate is an order lifecycle event from the user-data stream (or the
// virtual exchange). Fill confirmation in the bracket state machine is driven
// by these.
type OrderUpdate struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        models.OrderStatus
	Price         float64
	Quantity      float64
	Fee           float64
	At            time.Time
}

// Connector talks to one concrete venue. The adapter owns resilience; the
// connector owns wire formats.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	ExecuteOrder(ctx context.Context, o *models.Order) (*models.Order, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	FetchOrder(ctx context.Context, id, symbol string) (*models.Order, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	FetchPositions(ctx context.Context, symbol string) ([]models.Position, error)
	FetchBalance(ctx context.Context) (models.Balance, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	ClosePosition(ctx context.Context, symbol string) error

	// Updates delivers order lifecycle events in arrival order.
	Updates() <-chan OrderUpdate
}

// priceCache keeps the last seen price per symbol, fed by the real-time feed
// and by successful REST fetches. Served when the market-data breaker is open.
type priceCache struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func newPriceCache() *priceCache { return &priceCache{prices: make(map[string]float64)} }

func (c *priceCache) set(symbol string, px float64) {
	c.mu.Lock()
	c.prices[symbol] = px
	c.mu.Unlock()
}

func (c *priceCache) get(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	px, ok := c.prices[symbol]
	return px, ok
}

type AdapterConfig struct {
	Budgets            map[Category]RateBudget
	Breaker            BreakerConfig
	Retry              RetryConfig
	BalanceCacheMaxAge time.Duration
}

// Adapter is the sole boundary for remote calls. Every call passes
// limiter -> breaker -> connector -> classifier -> retry.
type Adapter struct {
	conn     Connector
	limiter  *RateLimiter
	breakers map[Category]*CircuitBreaker
	retry    RetryConfig
	prices   *priceCache

	balMu         sync.RWMutex
	lastBalance   models.Balance
	lastBalanceAt time.Time
	balMaxAge     time.Duration
}

func NewAdapter(conn Connector, cfg AdapterConfig) *Adapter {
	if cfg.Budgets == nil {
		cfg.Budgets = map[Category]RateBudget{
			CategoryOrders:     {HardLimit: 300, Window: time.Minute, Buffer: 0.8},
			CategoryAccount:    {HardLimit: 60, Window: time.Minute, Buffer: 0.8},
			CategoryMarketData: {HardLimit: 2400, Window: time.Minute, Buffer: 0.8},
		}
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BackoffBase == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = DefaultBreakerConfig()
	}
	if cfg.BalanceCacheMaxAge == 0 {
		cfg.BalanceCacheMaxAge = 2 * time.Minute
	}
	a := &Adapter{
		conn:      conn,
		limiter:   NewRateLimiter(cfg.Budgets),
		breakers:  make(map[Category]*CircuitBreaker, 3),
		retry:     cfg.Retry,
		prices:    newPriceCache(),
		balMaxAge: cfg.BalanceCacheMaxAge,
	}
	for _, cat := range []Category{CategoryOrders, CategoryAccount, CategoryMarketData} {
		a.breakers[cat] = NewCircuitBreaker(cat, cfg.Breaker)
	}
	return a
}

// Breaker exposes one category breaker, mainly so metrics can hook
// state changes and tests can inject clocks.
func (a *Adapter) Breaker(cat Category) *CircuitBreaker { return a.breakers[cat] }

// SetPrice is called by the real-time feed on every tick.
func (a *Adapter) SetPrice(symbol string, px float64) { a.prices.set(symbol, px) }

func (a *Adapter) Updates() <-chan OrderUpdate { return a.conn.Updates() }

func (a *Adapter) call(ctx context.Context, cat Category, weight float64, fn func() error) error {
	return Retry(ctx, a.retry, func() error {
		if err := a.limiter.Acquire(ctx, cat, weight); err != nil {
			return err
		}
		if err := a.breakers[cat].Allow(); err != nil {
			return err
		}
		err := fn()
		a.breakers[cat].Record(err)
		return err
	})
}

func (a *Adapter) Connect(ctx context.Context) error    { return a.conn.Connect(ctx) }
func (a *Adapter) Disconnect(ctx context.Context) error { return a.conn.Disconnect(ctx) }

func (a *Adapter) ExecuteOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	var res *models.Order
	err := a.call(ctx, CategoryOrders, 1, func() error {
		var cerr error
		res, cerr = a.conn.ExecuteOrder(ctx, o)
		return cerr
	})
	return res, errors.Wrapf(err, "execute order %s %s", o.Symbol, o.Kind)
}

func (a *Adapter) CancelOrder(ctx context.Context, id, symbol string) error {
	err := a.call(ctx, CategoryOrders, 1, func() error {
		return a.conn.CancelOrder(ctx, id, symbol)
	})
	return errors.Wrapf(err, "cancel order %s", id)
}

func (a *Adapter) FetchOrder(ctx context.Context, id, symbol string) (*models.Order, error) {
	var res *models.Order
	err := a.call(ctx, CategoryOrders, 1, func() error {
		var cerr error
		res, cerr = a.conn.FetchOrder(ctx, id, symbol)
		return cerr
	})
	return res, errors.Wrapf(err, "fetch order %s", id)
}

func (a *Adapter) FetchOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	var res []models.Order
	err := a.call(ctx, CategoryOrders, 1, func() error {
		var cerr error
		res, cerr = a.conn.FetchOpenOrders(ctx, symbol)
		return cerr
	})
	return res, errors.Wrap(err, "fetch open orders")
}

func (a *Adapter) FetchPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	var res []models.Position
	err := a.call(ctx, CategoryAccount, 1, func() error {
		var cerr error
		res, cerr = a.conn.FetchPositions(ctx, symbol)
		return cerr
	})
	return res, errors.Wrap(err, "fetch positions")
}

// FetchBalance falls back to the last known balance while the account breaker
// is open, as long as it is not too stale to trust.
func (a *Adapter) FetchBalance(ctx context.Context) (models.Balance, error) {
	var res models.Balance
	err := a.call(ctx, CategoryAccount, 1, func() error {
		var cerr error
		res, cerr = a.conn.FetchBalance(ctx)
		return cerr
	})
	if err == nil {
		a.balMu.Lock()
		a.lastBalance, a.lastBalanceAt = res, time.Now()
		a.balMu.Unlock()
		return res, nil
	}
	var brk *BreakerOpenError
	if errors.As(err, &brk) {
		a.balMu.RLock()
		bal, at := a.lastBalance, a.lastBalanceAt
		a.balMu.RUnlock()
		if !at.IsZero() && time.Since(at) <= a.balMaxAge {
			logger.Info("[ADAPTER] account breaker open, serving balance cached %s ago", time.Since(at).Round(time.Second))
			return bal, nil
		}
	}
	return models.Balance{}, errors.Wrap(err, "fetch balance")
}

// GetCurrentPrice transparently serves the last cached feed value while the
// market-data breaker is open instead of failing the caller.
func (a *Adapter) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var px float64
	err := a.call(ctx, CategoryMarketData, 1, func() error {
		var cerr error
		px, cerr = a.conn.GetCurrentPrice(ctx, symbol)
		return cerr
	})
	if err == nil {
		a.prices.set(symbol, px)
		return px, nil
	}
	var brk *BreakerOpenError
	if errors.As(err, &brk) {
		if cached, ok := a.prices.get(symbol); ok {
			return cached, nil
		}
	}
	return 0, errors.Wrapf(err, "current price %s", symbol)
}

func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	err := a.call(ctx, CategoryOrders, 1, func() error {
		return a.conn.CancelAllOrders(ctx, symbol)
	})
	return errors.Wrapf(err, "cancel all orders %s", symbol)
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string) error {
	err := a.call(ctx, CategoryOrders, 1, func() error {
		return a.conn.ClosePosition(ctx, symbol)
	})
	return errors.Wrapf(err, "close position %s", symbol)
}
