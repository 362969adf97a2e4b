package service

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"croupier_bot/internal/models"
	croupier "croupier_bot/internal/modules/croupier/service"
	portfolio "croupier_bot/internal/modules/portfolio/service"
	recon "croupier_bot/internal/modules/recon/service"
	"croupier_bot/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitNop()
	os.Exit(m.Run())
}

type sweepStub struct {
	mu        sync.Mutex
	canceled  []string
	flattened []string
	failOn    map[string]error
}

func (s *sweepStub) CancelAllOrders(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[symbol]; err != nil {
		return err
	}
	s.canceled = append(s.canceled, symbol)
	return nil
}

func (s *sweepStub) ClosePosition(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[symbol]; err != nil {
		return err
	}
	s.flattened = append(s.flattened, symbol)
	return nil
}

// croupier.Exchange surface so the stub can back an OCOManager too.
func (s *sweepStub) ExecuteOrder(_ context.Context, o *models.Order) (*models.Order, error) {
	return o, nil
}
func (s *sweepStub) CancelOrder(context.Context, string, string) error { return nil }
func (s *sweepStub) GetCurrentPrice(context.Context, string) (float64, error) {
	return 0, nil
}

type syncStub struct {
	report recon.Report
	err    error
	calls  int
}

func (s *syncStub) Reconcile(context.Context) (recon.Report, error) {
	s.calls++
	return s.report, s.err
}

type persistStub struct {
	calls int
	err   error
}

func (p *persistStub) SaveNow(context.Context) error {
	p.calls++
	return p.err
}

func testController(ex *sweepStub) (*Controller, *portfolio.Tracker, *croupier.OCOManager, *syncStub, *persistStub) {
	tracker := portfolio.NewTracker()
	oco := croupier.NewOCOManager(ex, croupier.NewSymbolLocks(), croupier.OCOConfig{
		TakeProfitPct: 0.01, StopLossPct: 0.005,
		FillTimeout: time.Second, BracketRetries: 1, BracketBackoff: time.Millisecond,
	})
	syn := &syncStub{}
	per := &persistStub{}
	c := NewController(ex, tracker, oco, syn, per, 5*time.Second, true)
	return c, tracker, oco, syn, per
}

func TestShutdownRunsAllPhases(t *testing.T) {
	ex := &sweepStub{}
	c, tracker, oco, syn, per := testController(ex)
	tracker.Adopt(models.Position{Symbol: "BTC-USDT-SWAP", Side: models.SideLong, Size: 1, EntryPrice: 50000})
	oco.Restore([]models.BracketGroup{{Symbol: "BTC-USDT-SWAP", State: models.BracketActive}})

	require.Equal(t, PhaseRunning, c.Phase())
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, PhaseTerminated, c.Phase())

	assert.Equal(t, []string{"BTC-USDT-SWAP"}, ex.canceled)
	assert.Equal(t, []string{"BTC-USDT-SWAP"}, ex.flattened)
	_, open := tracker.Get("BTC-USDT-SWAP")
	assert.False(t, open)
	assert.Equal(t, 0, oco.ActiveCount())

	assert.Equal(t, 1, syn.calls)
	assert.Equal(t, 1, per.calls)
	assert.Empty(t, c.FailedSymbols())
}

func TestShutdownDrainsBeforeSweep(t *testing.T) {
	ex := &sweepStub{}
	c, tracker, _, _, _ := testController(ex)
	tracker.Adopt(models.Position{Symbol: "BTC-USDT-SWAP", Side: models.SideLong, Size: 1, EntryPrice: 50000})

	// the drain hook must fire before any order is touched
	drained := false
	c.OnDrain(func() {
		drained = true
		ex.mu.Lock()
		defer ex.mu.Unlock()
		assert.Empty(t, ex.canceled)
		assert.Empty(t, ex.flattened)
	})

	require.NoError(t, c.Shutdown(context.Background()))
	assert.True(t, drained)
	assert.Equal(t, []string{"BTC-USDT-SWAP"}, ex.canceled)
}

func TestSweepKeepsPositionsWithoutCloseOnExit(t *testing.T) {
	ex := &sweepStub{}
	tracker := portfolio.NewTracker()
	oco := croupier.NewOCOManager(ex, croupier.NewSymbolLocks(), croupier.OCOConfig{
		TakeProfitPct: 0.01, StopLossPct: 0.005,
		FillTimeout: time.Second, BracketRetries: 1, BracketBackoff: time.Millisecond,
	})
	per := &persistStub{}
	c := NewController(ex, tracker, oco, &syncStub{}, per, 5*time.Second, false)
	tracker.Adopt(models.Position{Symbol: "BTC-USDT-SWAP", Side: models.SideLong, Size: 1, EntryPrice: 50000})

	require.NoError(t, c.Shutdown(context.Background()))

	// orders canceled, position left alone and still in the snapshot
	assert.Equal(t, []string{"BTC-USDT-SWAP"}, ex.canceled)
	assert.Empty(t, ex.flattened)
	_, open := tracker.Get("BTC-USDT-SWAP")
	assert.True(t, open)
	assert.Equal(t, 1, per.calls)
}

func TestSweepIsolatesPerSymbolFailure(t *testing.T) {
	ex := &sweepStub{failOn: map[string]error{
		"BAD-SWAP": errors.New("venue said no"),
	}}
	c, tracker, _, _, per := testController(ex)
	tracker.Adopt(models.Position{Symbol: "BAD-SWAP", Side: models.SideLong, Size: 1, EntryPrice: 1})
	tracker.Adopt(models.Position{Symbol: "OK-SWAP", Side: models.SideLong, Size: 1, EntryPrice: 1})

	require.NoError(t, c.Shutdown(context.Background()))

	// the healthy symbol still got swept
	assert.Contains(t, ex.flattened, "OK-SWAP")
	assert.Equal(t, []string{"BAD-SWAP"}, c.FailedSymbols())

	// snapshot written regardless, the failed position stays in it
	assert.Equal(t, 1, per.calls)
	_, open := tracker.Get("BAD-SWAP")
	assert.True(t, open)
}

func TestShutdownPersistsEvenWhenSyncFails(t *testing.T) {
	ex := &sweepStub{}
	c, _, _, syn, per := testController(ex)
	syn.err = errors.New("venue unreachable")

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, PhaseTerminated, c.Phase())
	assert.Equal(t, 1, per.calls)
}

func TestSweepTargetsUnionTrackerAndBrackets(t *testing.T) {
	ex := &sweepStub{}
	c, tracker, oco, _, _ := testController(ex)
	tracker.Adopt(models.Position{Symbol: "POS-ONLY", Side: models.SideLong, Size: 1, EntryPrice: 1})
	oco.Restore([]models.BracketGroup{{Symbol: "BRACKET-ONLY", State: models.BracketActive}})

	require.NoError(t, c.Shutdown(context.Background()))
	assert.ElementsMatch(t, []string{"POS-ONLY", "BRACKET-ONLY"}, ex.canceled)
	// no tracked position for the bracket-only symbol, so no flatten call
	assert.Equal(t, []string{"POS-ONLY"}, ex.flattened)
}

func TestShutdownWithEmptyBookIsANoOp(t *testing.T) {
	ex := &sweepStub{}
	c, _, _, syn, per := testController(ex)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Empty(t, ex.canceled)
	assert.Empty(t, ex.flattened)
	assert.Equal(t, 1, syn.calls)
	assert.Equal(t, 1, per.calls)
}
