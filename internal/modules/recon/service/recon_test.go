package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"croupier_bot/internal/models"
	croupier "croupier_bot/internal/modules/croupier/service"
	portfolio "croupier_bot/internal/modules/portfolio/service"
	"croupier_bot/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitNop()
	os.Exit(m.Run())
}

// venueStub is the remote book as both the reconciler and the bracket
// machinery see it.
type venueStub struct {
	mu        sync.Mutex
	positions map[string]models.Position
	orders    map[string]models.Order
	flattened []string
	canceled  []string
	idSeq     int
}

func newVenueStub() *venueStub {
	return &venueStub{
		positions: make(map[string]models.Position),
		orders:    make(map[string]models.Order),
	}
}

func (v *venueStub) FetchPositions(_ context.Context, symbol string) ([]models.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var res []models.Position
	for _, p := range v.positions {
		if symbol == "" || p.Symbol == symbol {
			res = append(res, p)
		}
	}
	return res, nil
}

func (v *venueStub) FetchOpenOrders(_ context.Context, symbol string) ([]models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var res []models.Order
	for _, o := range v.orders {
		if symbol == "" || o.Symbol == symbol {
			res = append(res, o)
		}
	}
	return res, nil
}

func (v *venueStub) CancelOrder(_ context.Context, id, _ string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.orders, id)
	v.canceled = append(v.canceled, id)
	return nil
}

func (v *venueStub) ClosePosition(_ context.Context, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.positions, symbol)
	v.flattened = append(v.flattened, symbol)
	return nil
}

func (v *venueStub) CancelAllOrders(_ context.Context, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, o := range v.orders {
		if symbol == "" || o.Symbol == symbol {
			delete(v.orders, id)
			v.canceled = append(v.canceled, id)
		}
	}
	return nil
}

// croupier.Exchange side, used by SynthesizeProtection.
func (v *venueStub) ExecuteOrder(_ context.Context, o *models.Order) (*models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.idSeq++
	cp := *o
	cp.ID = fmt.Sprintf("r-%d", v.idSeq)
	cp.Status = models.OrderStatusOpen
	v.orders[cp.ID] = cp
	return &cp, nil
}

func (v *venueStub) GetCurrentPrice(context.Context, string) (float64, error) {
	return 1000, nil
}

func newTestReconciler(v *venueStub, policy OrphanPolicy) (*Reconciler, *portfolio.Tracker, *croupier.OCOManager) {
	tracker := portfolio.NewTracker()
	oco := croupier.NewOCOManager(v, croupier.NewSymbolLocks(), croupier.OCOConfig{
		TakeProfitPct:  0.01,
		StopLossPct:    0.005,
		FillTimeout:    time.Second,
		BracketRetries: 1,
		BracketBackoff: time.Millisecond,
	})
	r := NewReconciler(Config{Interval: time.Hour, Policy: policy}, v, tracker, oco, nil)
	return r, tracker, oco
}

func TestOrphanAdoptedAndProtected(t *testing.T) {
	v := newVenueStub()
	v.positions["ETH-USDT-SWAP"] = models.Position{
		Symbol: "ETH-USDT-SWAP", Side: models.SideLong, Size: 2, EntryPrice: 900,
	}
	r, tracker, oco := newTestReconciler(v, OrphanProtect)

	rep, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH-USDT-SWAP"}, rep.Orphans)

	p, ok := tracker.Get("ETH-USDT-SWAP")
	require.True(t, ok)
	assert.Equal(t, 2.0, p.Size)

	g, ok := oco.GroupBySymbol("ETH-USDT-SWAP")
	require.True(t, ok)
	assert.Equal(t, models.BracketActive, g.State)
	require.NotNil(t, g.TP)
	require.NotNil(t, g.SL)
}

func TestOrphanFlattenedUnderFlattenPolicy(t *testing.T) {
	v := newVenueStub()
	v.positions["ETH-USDT-SWAP"] = models.Position{
		Symbol: "ETH-USDT-SWAP", Side: models.SideShort, Size: 1, EntryPrice: 1000,
	}
	r, tracker, _ := newTestReconciler(v, OrphanFlatten)

	rep, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH-USDT-SWAP"}, rep.Orphans)
	assert.Equal(t, []string{"ETH-USDT-SWAP"}, v.flattened)

	_, ok := tracker.Get("ETH-USDT-SWAP")
	assert.False(t, ok)
}

func TestZombiePurgedLocally(t *testing.T) {
	v := newVenueStub()
	r, tracker, oco := newTestReconciler(v, OrphanProtect)
	tracker.Adopt(models.Position{Symbol: "DEAD-SWAP", Side: models.SideLong, Size: 1, EntryPrice: 10})
	oco.Restore([]models.BracketGroup{{Symbol: "DEAD-SWAP", State: models.BracketActive}})

	rep, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"DEAD-SWAP"}, rep.Zombies)

	_, ok := tracker.Get("DEAD-SWAP")
	assert.False(t, ok)
	assert.Equal(t, 0, oco.ActiveCount())
	assert.Empty(t, v.flattened) // no remote side effects for zombies
}

func TestStrayLegCanceled(t *testing.T) {
	v := newVenueStub()
	v.orders["leg-1"] = models.Order{
		ID: "leg-1", Symbol: "GONE-SWAP", Kind: models.OrderKindStopLoss,
		Side: models.SideLong, Status: models.OrderStatusOpen,
	}
	r, _, _ := newTestReconciler(v, OrphanProtect)

	rep, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"leg-1"}, rep.StrayLegs)
	assert.Contains(t, v.canceled, "leg-1")
}

func TestReconcileIdempotentWhenClean(t *testing.T) {
	v := newVenueStub()
	v.positions["ETH-USDT-SWAP"] = models.Position{
		Symbol: "ETH-USDT-SWAP", Side: models.SideLong, Size: 2, EntryPrice: 900,
	}
	r, _, _ := newTestReconciler(v, OrphanProtect)

	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	rep, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Clean())
	assert.Empty(t, rep.Actions)
	assert.Len(t, v.flattened, 0)
}

func TestReconcileSymbol(t *testing.T) {
	v := newVenueStub()
	v.positions["A-SWAP"] = models.Position{Symbol: "A-SWAP", Side: models.SideLong, Size: 1, EntryPrice: 5}
	r, tracker, _ := newTestReconciler(v, OrphanProtect)
	tracker.Adopt(models.Position{Symbol: "B-SWAP", Side: models.SideLong, Size: 1, EntryPrice: 5})

	require.NoError(t, r.ReconcileSymbol(context.Background(), "A-SWAP"))
	_, ok := tracker.Get("A-SWAP")
	assert.True(t, ok)

	require.NoError(t, r.ReconcileSymbol(context.Background(), "B-SWAP"))
	_, ok = tracker.Get("B-SWAP")
	assert.False(t, ok)
}
