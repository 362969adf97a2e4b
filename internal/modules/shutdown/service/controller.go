package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	croupier "croupier_bot/internal/modules/croupier/service"
	portfolio "croupier_bot/internal/modules/portfolio/service"
	recon "croupier_bot/internal/modules/recon/service"
	"croupier_bot/pkg/logger"
)

// Phase is the shutdown progression. It only moves forward.
type Phase uint8

const (
	PhaseRunning Phase = iota
	PhaseDraining
	PhaseSweeping
	PhaseFinalSync
	PhasePersist
	PhaseDisconnect
	PhaseTerminated
)

var phaseStrs = [...]string{"RUNNING", "DRAINING", "SWEEPING", "FINAL_SYNC", "PERSIST", "DISCONNECT", "TERMINATED"}

func (p Phase) String() string {
	if int(p) < len(phaseStrs) {
		return phaseStrs[p]
	}
	return "UNKNOWN"
}

// Exchange is the venue surface the sweep needs.
type Exchange interface {
	CancelAllOrders(ctx context.Context, symbol string) error
	ClosePosition(ctx context.Context, symbol string) error
}

// Syncer runs the last reconciliation pass before persisting.
type Syncer interface {
	Reconcile(ctx context.Context) (recon.Report, error)
}

// Persister writes the final snapshot.
type Persister interface {
	SaveNow(ctx context.Context) error
}

const sweepConcurrency = 5

// Controller drives an orderly teardown. One symbol failing its sweep never
// blocks the others; the controller records failures and moves on, because a
// half-swept book with a snapshot beats a hung process.
type Controller struct {
	ex      Exchange
	tracker *portfolio.Tracker
	oco     *croupier.OCOManager
	sync    Syncer
	persist Persister

	sweepTimeout time.Duration
	closeOnExit  bool

	mu     sync.Mutex
	phase  Phase
	failed []string
	drain  []func()
}

func NewController(ex Exchange, tracker *portfolio.Tracker, oco *croupier.OCOManager, sync Syncer, persist Persister, sweepTimeout time.Duration, closeOnExit bool) *Controller {
	if sweepTimeout <= 0 {
		sweepTimeout = 30 * time.Second
	}
	return &Controller{
		ex:           ex,
		tracker:      tracker,
		oco:          oco,
		sync:         sync,
		persist:      persist,
		sweepTimeout: sweepTimeout,
		closeOnExit:  closeOnExit,
	}
}

// OnDrain registers a hook run during DRAINING, before any order is touched.
// The decision loop and the reconciliation ticker hang themselves here so
// nothing can open a fresh bracket while the book is being swept.
func (c *Controller) OnDrain(fn func()) {
	c.mu.Lock()
	c.drain = append(c.drain, fn)
	c.mu.Unlock()
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// FailedSymbols lists symbols whose sweep did not complete.
func (c *Controller) FailedSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.failed...)
}

func (c *Controller) advance(p Phase) {
	c.mu.Lock()
	logger.Info("[SHUTDOWN] %s -> %s", c.phase, p)
	c.phase = p
	c.mu.Unlock()
}

// Shutdown runs all phases. It is safe to call once; fx guarantees that.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.advance(PhaseDraining)
	var hooks []func()
	c.mu.Lock()
	hooks = append(hooks, c.drain...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	c.advance(PhaseSweeping)
	c.sweep(ctx)

	c.advance(PhaseFinalSync)
	// best effort: the snapshot matters more than a clean sync
	if c.sync != nil {
		if rep, err := c.sync.Reconcile(ctx); err != nil {
			logger.Error("[SHUTDOWN] final sync failed: %v", err)
		} else if !rep.Clean() {
			logger.Error("[SHUTDOWN] final sync found discrepancies: orphans=%v zombies=%v", rep.Orphans, rep.Zombies)
		}
	}

	c.advance(PhasePersist)
	if c.persist != nil {
		if err := c.persist.SaveNow(ctx); err != nil {
			logger.Error("[SHUTDOWN] final snapshot failed: %v", err)
		}
	}

	c.advance(PhaseDisconnect)
	// the exchange module's own OnStop closes the connection after us

	c.advance(PhaseTerminated)
	return nil
}

// sweep flattens the book: cancel resting orders, close positions. Bounded
// concurrency, bounded time, per-symbol error isolation.
func (c *Controller) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.sweepTimeout)
	defer cancel()

	symbols := c.sweepTargets()
	if len(symbols) == 0 {
		return
	}
	logger.Info("[SHUTDOWN] sweeping %d symbols", len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			if err := c.sweepSymbol(gctx, sym); err != nil {
				logger.Error("[SHUTDOWN] sweep %s failed: %v", sym, err)
				c.mu.Lock()
				c.failed = append(c.failed, sym)
				c.mu.Unlock()
			}
			return nil // never abort siblings
		})
	}
	_ = g.Wait()
}

func (c *Controller) sweepSymbol(ctx context.Context, symbol string) error {
	if err := c.ex.CancelAllOrders(ctx, symbol); err != nil {
		return err
	}
	// Without close-on-exit the position stays open: orders are canceled,
	// the snapshot records it, the next start reconciles it.
	if c.closeOnExit {
		if _, open := c.tracker.Get(symbol); open {
			if err := c.ex.ClosePosition(ctx, symbol); err != nil {
				return err
			}
			c.tracker.Close(symbol)
		}
	}
	c.oco.Purge(symbol)
	return nil
}

func (c *Controller) sweepTargets() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(sym string) {
		if _, ok := seen[sym]; !ok {
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	for _, p := range c.tracker.OpenPositions() {
		add(p.Symbol)
	}
	for _, g := range c.oco.ActiveGroups() {
		add(g.Symbol)
	}
	return out
}
