package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"croupier_bot/internal/helper"
	"croupier_bot/internal/models"
	exsvc "croupier_bot/internal/modules/exchange/service"
	"croupier_bot/pkg/logger"
)

// Exchange is the slice of the adapter the bracket machinery needs.
type Exchange interface {
	ExecuteOrder(ctx context.Context, o *models.Order) (*models.Order, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	ClosePosition(ctx context.Context, symbol string) error
}

type OCOConfig struct {
	TakeProfitPct  float64 // offset from fill, fractional (0.01 = 1%)
	StopLossPct    float64
	FillTimeout    time.Duration // safety timeout waiting for the main fill
	BracketRetries int           // attempts to build TP/SL after the main filled
	BracketBackoff time.Duration
}

func DefaultOCOConfig() OCOConfig {
	return OCOConfig{
		TakeProfitPct:  0.01,
		StopLossPct:    0.005,
		FillTimeout:    45 * time.Second,
		BracketRetries: 3,
		BracketBackoff: time.Second,
	}
}

// OCOManager drives the bracket state machine:
// IDLE -> LOCKED -> MAIN_PENDING -> MAIN_FILLED -> BRACKET_PENDING -> ACTIVE
// -> CLOSING -> CLOSED, with FAILED reachable from every pre-ACTIVE state.
type OCOManager struct {
	ex    Exchange
	locks *SymbolLocks
	cfg   OCOConfig

	mu      sync.Mutex
	groups  map[string]*models.BracketGroup // symbol -> non-terminal group
	waiters map[string]chan exsvc.OrderUpdate

	onChange []func() // fired on every bracket state transition
}

// SetOnChange adds a transition hook (snapshot dirty flag, metrics).
func (m *OCOManager) SetOnChange(fn func()) { m.onChange = append(m.onChange, fn) }

func NewOCOManager(ex Exchange, locks *SymbolLocks, cfg OCOConfig) *OCOManager {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 45 * time.Second
	}
	if cfg.BracketRetries <= 0 {
		cfg.BracketRetries = 3
	}
	return &OCOManager{
		ex:      ex,
		locks:   locks,
		cfg:     cfg,
		groups:  make(map[string]*models.BracketGroup),
		waiters: make(map[string]chan exsvc.OrderUpdate),
	}
}

type BracketRequest struct {
	Symbol string
	Side   models.Side
	Size   float64
	Mode   models.ExecMode
}

func (m *OCOManager) registerWaiter(keys ...string) chan exsvc.OrderUpdate {
	ch := make(chan exsvc.OrderUpdate, 4)
	m.mu.Lock()
	for _, k := range keys {
		if k != "" {
			m.waiters[k] = ch
		}
	}
	m.mu.Unlock()
	return ch
}

func (m *OCOManager) dropWaiter(keys ...string) {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.waiters, k)
	}
	m.mu.Unlock()
}

func (m *OCOManager) setState(g *models.BracketGroup, s models.BracketState) {
	logger.Info("[OCO] %s: %s -> %s", g.Symbol, g.State, s)
	g.State = s
	for _, fn := range m.onChange {
		fn()
	}
}

// CreateBracket builds a complete bracket for the request. The symbol lock is
// held for the whole build and released on every exit path.
func (m *OCOManager) CreateBracket(ctx context.Context, req BracketRequest) (*models.BracketGroup, error) {
	if err := m.locks.TryAcquire(req.Symbol); err != nil {
		return nil, err
	}
	defer m.locks.Release(req.Symbol)

	main, err := models.NewOrder(req.Symbol, models.OrderKindMain, req.Side, 0, req.Size, req.Mode)
	if err != nil {
		return nil, err
	}
	main.ClientOrderID = "CR_ENTRY_" + uuid.NewString()[:12]

	group := &models.BracketGroup{
		Symbol:    req.Symbol,
		Main:      main,
		State:     models.BracketLocked,
		Mode:      req.Mode,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.groups[req.Symbol] = group
	m.mu.Unlock()

	// A failed bracket is terminal: drop it from the active set so it never
	// reaches snapshots, gauges, or the shutdown sweep.
	fail := func(err error) (*models.BracketGroup, error) {
		m.mu.Lock()
		if cur, ok := m.groups[req.Symbol]; ok && cur == group {
			delete(m.groups, req.Symbol)
		}
		m.mu.Unlock()
		m.setState(group, models.BracketFailed)
		return nil, err
	}

	// Register the waiter before submitting so a fill event racing the REST
	// response is not lost.
	waiter := m.registerWaiter(main.ClientOrderID)
	defer m.dropWaiter(main.ClientOrderID, main.ID)

	m.setState(group, models.BracketMainPending)
	placed, err := m.ex.ExecuteOrder(ctx, main)
	if err != nil {
		return fail(errors.Wrap(err, "main order"))
	}
	main.ID = placed.ID
	main.Status = placed.Status
	m.mu.Lock()
	m.waiters[main.ID] = waiter
	m.mu.Unlock()

	fillPrice, err := m.waitForFill(ctx, waiter, main)
	if err != nil {
		return fail(err)
	}
	main.Status = models.OrderStatusFilled
	main.Price = fillPrice
	m.setState(group, models.BracketMainFilled)

	m.setState(group, models.BracketPending)
	if err := m.buildProtection(ctx, group, fillPrice); err != nil {
		// The position exists and is naked. Never leave it exposed:
		// flatten it before reporting failure.
		logger.Error("[OCO] %s: protection failed after fill, flattening naked position: %v", req.Symbol, err)
		if cerr := m.ex.ClosePosition(ctx, req.Symbol); cerr != nil {
			logger.Error("[OCO] %s: forced flatten failed: %v", req.Symbol, cerr)
		}
		return fail(errors.Wrap(err, "bracket protection"))
	}

	m.setState(group, models.BracketActive)
	return group, nil
}

// waitForFill blocks on the waiter until the main order fills, dies, or the
// safety timeout fires. The timeout path is what keeps the symbol lock from
// being held forever on a wedged venue.
func (m *OCOManager) waitForFill(ctx context.Context, waiter <-chan exsvc.OrderUpdate, main *models.Order) (float64, error) {
	t := time.NewTimer(m.cfg.FillTimeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.C:
			return 0, &exsvc.TimeoutError{Op: "fill confirmation " + main.Symbol}
		case upd := <-waiter:
			switch upd.Status {
			case models.OrderStatusFilled:
				if upd.Price <= 0 {
					return 0, &exsvc.ExchangeStateError{Msg: "fill without price for " + main.Symbol}
				}
				return upd.Price, nil
			case models.OrderStatusCanceled, models.OrderStatusRejected:
				return 0, &exsvc.ExchangeStateError{Msg: "main order " + upd.Status.String() + " for " + main.Symbol}
			}
		}
	}
}

// buildProtection places TP and SL concurrently, retrying the whole pair with
// backoff on failure.
func (m *OCOManager) buildProtection(ctx context.Context, g *models.BracketGroup, fillPrice float64) error {
	long := g.Main.Side == models.SideLong
	tpPrice := helper.ApplyOffset(fillPrice, m.cfg.TakeProfitPct, long)
	slPrice := helper.ApplyOffset(fillPrice, m.cfg.StopLossPct, !long)

	var lastErr error
	for attempt := 0; attempt < m.cfg.BracketRetries; attempt++ {
		if attempt > 0 {
			backoff := m.cfg.BracketBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if lastErr = m.placePair(ctx, g, tpPrice, slPrice); lastErr == nil {
			return nil
		}
		logger.Error("[OCO] %s: bracket attempt %d failed: %v", g.Symbol, attempt+1, lastErr)
	}
	return lastErr
}

func (m *OCOManager) placePair(ctx context.Context, g *models.BracketGroup, tpPrice, slPrice float64) error {
	tp, err := models.NewOrder(g.Symbol, models.OrderKindTakeProfit, g.Main.Side, tpPrice, g.Main.Quantity, g.Mode)
	if err != nil {
		return err
	}
	sl, err := models.NewOrder(g.Symbol, models.OrderKindStopLoss, g.Main.Side, slPrice, g.Main.Quantity, g.Mode)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		placed, err := m.ex.ExecuteOrder(egCtx, tp)
		if err != nil {
			return errors.Wrap(err, "take profit")
		}
		tp.ID = placed.ID
		tp.Status = models.OrderStatusOpen
		return nil
	})
	eg.Go(func() error {
		placed, err := m.ex.ExecuteOrder(egCtx, sl)
		if err != nil {
			return errors.Wrap(err, "stop loss")
		}
		sl.ID = placed.ID
		sl.Status = models.OrderStatusOpen
		return nil
	})
	if err := eg.Wait(); err != nil {
		// half-built pair: cancel whichever leg made it out
		for _, o := range []*models.Order{tp, sl} {
			if o.ID != "" {
				if cerr := m.ex.CancelOrder(ctx, o.ID, g.Symbol); cerr != nil {
					logger.Error("[OCO] %s: cleanup cancel %s failed: %v", g.Symbol, o.ID, cerr)
				}
			}
		}
		return err
	}

	if err := models.LinkSiblings(tp, sl); err != nil {
		return err
	}
	g.TP, g.SL = tp, sl
	return nil
}

// OnOrderUpdate routes a user-data event into the state machine: resolves a
// pending fill waiter, or runs sibling cancellation for an active bracket.
func (m *OCOManager) OnOrderUpdate(ctx context.Context, upd exsvc.OrderUpdate) {
	m.mu.Lock()
	ch, ok := m.waiters[upd.OrderID]
	if !ok {
		ch, ok = m.waiters[upd.ClientOrderID]
	}
	m.mu.Unlock()
	if ok {
		select {
		case ch <- upd:
		default:
		}
		return
	}

	if !upd.Status.Terminal() {
		return
	}

	m.mu.Lock()
	g, ok := m.groups[upd.Symbol]
	m.mu.Unlock()
	if !ok || g.State != models.BracketActive || g.TP == nil || g.SL == nil {
		return
	}

	var hit, sibling *models.Order
	switch upd.OrderID {
	case g.TP.ID:
		hit, sibling = g.TP, g.SL
	case g.SL.ID:
		hit, sibling = g.SL, g.TP
	default:
		return
	}

	hit.Status = upd.Status
	m.setState(g, models.BracketClosing)
	// Cancellation of the sibling is retried but never holds anything up.
	go m.cancelSibling(ctx, g, sibling)
}

func (m *OCOManager) cancelSibling(ctx context.Context, g *models.BracketGroup, sibling *models.Order) {
	for attempt := 0; attempt < 3; attempt++ {
		err := m.ex.CancelOrder(ctx, sibling.ID, g.Symbol)
		if err == nil {
			break
		}
		var stateErr *exsvc.ExchangeStateError
		if errors.As(err, &stateErr) {
			break // already gone remotely, that is what we wanted
		}
		logger.Error("[OCO] %s: sibling cancel attempt %d failed: %v", g.Symbol, attempt+1, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond * time.Duration(attempt+1)):
		}
	}
	sibling.Status = models.OrderStatusCanceled
	m.finish(g)
}

func (m *OCOManager) finish(g *models.BracketGroup) {
	m.mu.Lock()
	if cur, ok := m.groups[g.Symbol]; ok && cur == g {
		delete(m.groups, g.Symbol)
	}
	m.mu.Unlock()
	// hooks may call back into the manager, so the lock is not held here
	m.setState(g, models.BracketClosed)
}

// SynthesizeProtection wraps an adopted naked position in a protective pair.
// It takes the same symbol lock as bracket creation.
func (m *OCOManager) SynthesizeProtection(ctx context.Context, pos models.Position) (*models.BracketGroup, error) {
	if err := m.locks.TryAcquire(pos.Symbol); err != nil {
		return nil, err
	}
	defer m.locks.Release(pos.Symbol)

	px := pos.EntryPrice
	if cur, err := m.ex.GetCurrentPrice(ctx, pos.Symbol); err == nil && cur > 0 {
		px = cur
	}

	main := &models.Order{
		ID:        pos.BracketMainID,
		Symbol:    pos.Symbol,
		Kind:      models.OrderKindMain,
		Side:      pos.Side,
		Status:    models.OrderStatusFilled,
		Price:     pos.EntryPrice,
		Quantity:  pos.Size,
		Mode:      pos.Mode,
		CreatedAt: pos.OpenedAt,
	}
	group := &models.BracketGroup{
		Symbol:    pos.Symbol,
		Main:      main,
		State:     models.BracketPending,
		Mode:      pos.Mode,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.groups[pos.Symbol] = group
	m.mu.Unlock()

	if err := m.buildProtection(ctx, group, px); err != nil {
		m.setState(group, models.BracketFailed)
		m.mu.Lock()
		delete(m.groups, pos.Symbol)
		m.mu.Unlock()
		return nil, err
	}
	m.setState(group, models.BracketActive)
	return group, nil
}

// ActiveGroups snapshots the non-terminal brackets for persistence and
// reconciliation.
func (m *OCOManager) ActiveGroups() []models.BracketGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]models.BracketGroup, 0, len(m.groups))
	for _, g := range m.groups {
		res = append(res, *g)
	}
	return res
}

func (m *OCOManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

func (m *OCOManager) GroupBySymbol(symbol string) (models.BracketGroup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[symbol]
	if !ok {
		return models.BracketGroup{}, false
	}
	return *g, true
}

// Purge removes a group without remote side effects. Reconciliation uses it
// for zombies.
func (m *OCOManager) Purge(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[symbol]; !ok {
		return false
	}
	delete(m.groups, symbol)
	return true
}

// Restore seeds non-terminal groups from a snapshot on startup.
func (m *OCOManager) Restore(groups []models.BracketGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range groups {
		if groups[i].State.Terminal() {
			continue
		}
		cp := groups[i]
		m.groups[cp.Symbol] = &cp
	}
}
