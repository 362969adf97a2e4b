package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"croupier_bot/internal/models"
	exsvc "croupier_bot/internal/modules/exchange/service"
	portfolio "croupier_bot/internal/modules/portfolio/service"
)

type stubBalancer struct{ bal models.Balance }

func (s *stubBalancer) FetchBalance(context.Context) (models.Balance, error) {
	return s.bal, nil
}

func testCroupier(ex *stubExchange, bal float64) (*Croupier, *OCOManager, *portfolio.Tracker) {
	oco := testOCO(ex)
	tracker := portfolio.NewTracker()
	cr := NewCroupier(CroupierConfig{
		Mode:             models.ExecModeGhost,
		MaxOpenPositions: 2,
		MinNotional:      5,
		MaxPositionPct:   0.2,
		Leverage:         3,
	}, ex, &stubBalancer{bal: models.Balance{Total: bal, Available: bal}}, oco, tracker)
	return cr, oco, tracker
}

func TestExecuteDecisionHappyPath(t *testing.T) {
	ex := &stubExchange{price: 50000}
	cr, oco, _ := testCroupier(ex, 10000)
	pumpFill(t, ex, oco, 50000)

	g, err := cr.ExecuteDecision(context.Background(), models.Decision{
		Symbol: "BTC-USDT-SWAP",
		Side:   models.SideLong,
	})
	require.NoError(t, err)
	assert.Equal(t, models.BracketActive, g.State)

	// size = available * pct * leverage / price
	assert.InDelta(t, 10000*0.2*3/50000, g.Main.Quantity, 1e-9)

	rep := cr.Report()
	assert.EqualValues(t, 1, rep.Executed)
	assert.EqualValues(t, 0, rep.Rejected)
}

func TestExecuteDecisionRejectsBelowMinNotional(t *testing.T) {
	ex := &stubExchange{price: 50000}
	cr, _, _ := testCroupier(ex, 1) // 1 USDT: notional 0.6 < 5

	_, err := cr.ExecuteDecision(context.Background(), models.Decision{
		Symbol: "BTC-USDT-SWAP",
		Side:   models.SideLong,
	})
	require.Error(t, err)
	var verr *exsvc.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Empty(t, ex.executed) // rejected locally, no remote order
}

func TestExecuteDecisionRejectsWithNoBalance(t *testing.T) {
	ex := &stubExchange{price: 50000}
	cr, _, _ := testCroupier(ex, 0)

	_, err := cr.ExecuteDecision(context.Background(), models.Decision{
		Symbol: "BTC-USDT-SWAP",
		Side:   models.SideLong,
	})
	require.Error(t, err)
	var ferr *exsvc.InsufficientFundsError
	assert.ErrorAs(t, err, &ferr)
	assert.Empty(t, ex.executed)
}

func TestExecuteDecisionRejectsDuplicateSymbol(t *testing.T) {
	ex := &stubExchange{price: 50000}
	cr, _, tracker := testCroupier(ex, 10000)
	tracker.Adopt(models.Position{Symbol: "BTC-USDT-SWAP", Side: models.SideLong, Size: 1, EntryPrice: 50000})

	_, err := cr.ExecuteDecision(context.Background(), models.Decision{
		Symbol: "BTC-USDT-SWAP",
		Side:   models.SideShort,
	})
	require.Error(t, err)
	var verr *exsvc.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestExecuteDecisionRejectsAtMaxOpenPositions(t *testing.T) {
	ex := &stubExchange{price: 50000}
	cr, _, tracker := testCroupier(ex, 10000)
	tracker.Adopt(models.Position{Symbol: "A-SWAP", Side: models.SideLong, Size: 1, EntryPrice: 1})
	tracker.Adopt(models.Position{Symbol: "B-SWAP", Side: models.SideLong, Size: 1, EntryPrice: 1})

	_, err := cr.ExecuteDecision(context.Background(), models.Decision{
		Symbol: "C-SWAP",
		Side:   models.SideLong,
	})
	require.Error(t, err)
	var verr *exsvc.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestExecuteDecisionHonorsSizeHint(t *testing.T) {
	ex := &stubExchange{price: 100}
	cr, oco, _ := testCroupier(ex, 10000)
	pumpFill(t, ex, oco, 100)

	g, err := cr.ExecuteDecision(context.Background(), models.Decision{
		Symbol:   "SOL-USDT-SWAP",
		Side:     models.SideShort,
		SizeHint: 50, // below the 2000 budget
	})
	require.NoError(t, err)
	assert.InDelta(t, 50*3.0/100, g.Main.Quantity, 1e-9)
}

func TestEquityMarksOpenPositions(t *testing.T) {
	ex := &stubExchange{price: 51000}
	cr, _, tracker := testCroupier(ex, 10000)
	tracker.Adopt(models.Position{Symbol: "BTC-USDT-SWAP", Side: models.SideLong, Size: 0.5, EntryPrice: 50000})

	eq, err := cr.Equity(context.Background())
	require.NoError(t, err)
	// 10000 + (51000-50000)*0.5
	assert.InDelta(t, 10500.0, eq, 1e-9)
}

func TestEquityShortPositionLosesOnRally(t *testing.T) {
	ex := &stubExchange{price: 51000}
	cr, _, tracker := testCroupier(ex, 10000)
	tracker.Adopt(models.Position{Symbol: "BTC-USDT-SWAP", Side: models.SideShort, Size: 0.5, EntryPrice: 50000})

	eq, err := cr.Equity(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 9500.0, eq, 1e-9)
}

func TestInboxDropOldest(t *testing.T) {
	b := NewInbox(2, InboxDropOldest)
	ctx := context.Background()

	require.NoError(t, b.Submit(ctx, models.Decision{Symbol: "A"}))
	require.NoError(t, b.Submit(ctx, models.Decision{Symbol: "B"}))
	require.NoError(t, b.Submit(ctx, models.Decision{Symbol: "C"})) // evicts A

	d, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", d.Symbol)
	assert.EqualValues(t, 1, b.Dropped())
}

func TestInboxBlockHonorsContext(t *testing.T) {
	b := NewInbox(1, InboxBlock)
	require.NoError(t, b.Submit(context.Background(), models.Decision{Symbol: "A"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Submit(ctx, models.Decision{Symbol: "B"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSymbolLocks(t *testing.T) {
	l := NewSymbolLocks()
	require.NoError(t, l.TryAcquire("X"))
	assert.ErrorIs(t, l.TryAcquire("X"), ErrPendingOrderInFlight)
	require.NoError(t, l.TryAcquire("Y"))

	_, held := l.HeldSince("X")
	assert.True(t, held)

	l.Release("X")
	assert.NoError(t, l.TryAcquire("X"))
}
