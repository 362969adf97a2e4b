package service

import (
	"sync"
	"time"

	"croupier_bot/internal/models"
	"croupier_bot/pkg/logger"
)

// Tracker is the authoritative local view of open positions, one-way mode:
// one net position per symbol. All mutations for a symbol serialize on that
// symbol's lock, so concurrent fill events never interleave.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	symLocks  map[string]*sync.Mutex

	onChange []func(models.Position, bool) // bool: true when removed

	openedTotal int
	closedTotal int
}

func NewTracker() *Tracker {
	return &Tracker{
		positions: make(map[string]*models.Position),
		symLocks:  make(map[string]*sync.Mutex),
	}
}

// OnChange installs a position-changed hook. Metrics and the snapshot dirty
// flag both subscribe.
func (t *Tracker) OnChange(fn func(models.Position, bool)) {
	t.onChange = append(t.onChange, fn)
}

func (t *Tracker) symLock(symbol string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.symLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		t.symLocks[symbol] = l
	}
	return l
}

func (t *Tracker) notify(p models.Position, removed bool) {
	for _, fn := range t.onChange {
		fn(p, removed)
	}
}

// Adopt registers a position we did not open ourselves (recovery or
// reconciliation). An existing position for the symbol is replaced: the
// remote is the authority here.
func (t *Tracker) Adopt(p models.Position) {
	l := t.symLock(p.Symbol)
	l.Lock()
	defer l.Unlock()

	t.mu.Lock()
	_, existed := t.positions[p.Symbol]
	cp := p
	t.positions[p.Symbol] = &cp
	if !existed {
		t.openedTotal++
	}
	t.mu.Unlock()

	logger.Info("[TRACKER] adopted %s %s size=%.6f entry=%.4f", p.Symbol, p.Side, p.Size, p.EntryPrice)
	t.notify(cp, false)
}

// ApplyFill applies one fill in arrival order. A fill on an unknown symbol
// opens a position; a reducing fill that reaches zero removes it.
func (t *Tracker) ApplyFill(f models.Fill) {
	l := t.symLock(f.Symbol)
	l.Lock()
	defer l.Unlock()

	t.mu.Lock()
	pos, ok := t.positions[f.Symbol]
	if !ok {
		if f.Reduce {
			t.mu.Unlock()
			logger.Error("[TRACKER] reduce fill for unknown symbol %s, ignoring", f.Symbol)
			return
		}
		pos = &models.Position{
			Symbol:     f.Symbol,
			Side:       f.Side,
			Size:       f.Quantity,
			EntryPrice: f.Price,
			OpenedAt:   f.At,
		}
		t.positions[f.Symbol] = pos
		t.openedTotal++
		cp := *pos
		t.mu.Unlock()
		t.notify(cp, false)
		return
	}

	if f.Reduce || f.Side != pos.Side {
		pos.Size -= f.Quantity
		if pos.Size <= 1e-9 {
			delete(t.positions, f.Symbol)
			t.closedTotal++
			cp := *pos
			cp.Size = 0
			t.mu.Unlock()
			logger.Info("[TRACKER] %s closed by fill @ %.4f", f.Symbol, f.Price)
			t.notify(cp, true)
			return
		}
	} else {
		// increase: recompute the weighted entry
		total := pos.Size + f.Quantity
		pos.EntryPrice = (pos.EntryPrice*pos.Size + f.Price*f.Quantity) / total
		pos.Size = total
	}
	cp := *pos
	t.mu.Unlock()
	t.notify(cp, false)
}

// Close drops the local record for a symbol. No remote side effects.
func (t *Tracker) Close(symbol string) bool {
	l := t.symLock(symbol)
	l.Lock()
	defer l.Unlock()

	t.mu.Lock()
	pos, ok := t.positions[symbol]
	if ok {
		delete(t.positions, symbol)
		t.closedTotal++
	}
	t.mu.Unlock()

	if ok {
		cp := *pos
		t.notify(cp, true)
	}
	return ok
}

func (t *Tracker) Get(symbol string) (models.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

func (t *Tracker) OpenPositions() []models.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res := make([]models.Position, 0, len(t.positions))
	for _, p := range t.positions {
		res = append(res, *p)
	}
	return res
}

// Stats returns lifetime open/close counters for the session report.
func (t *Tracker) Stats() (opened, closed int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.openedTotal, t.closedTotal
}

func (t *Tracker) PortfolioState(bal models.Balance, openBrackets int) models.PortfolioState {
	return models.PortfolioState{
		Balance:       bal,
		Equity:        bal.Total,
		OpenPositions: t.OpenPositions(),
		OpenBrackets:  openBrackets,
		UpdatedAt:     time.Now().UTC(),
	}
}
