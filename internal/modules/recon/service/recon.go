package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"croupier_bot/internal/models"
	croupier "croupier_bot/internal/modules/croupier/service"
	portfolio "croupier_bot/internal/modules/portfolio/service"
	"croupier_bot/pkg/logger"
)

// OrphanPolicy decides what happens to a remote position we have no record
// of: wrap it in protection, or get rid of it.
type OrphanPolicy uint8

const (
	OrphanProtect OrphanPolicy = iota
	OrphanFlatten
)

func OrphanPolicyFromString(s string) OrphanPolicy {
	if s == "flatten" {
		return OrphanFlatten
	}
	return OrphanProtect
}

// Exchange is the remote-truth surface reconciliation needs.
type Exchange interface {
	FetchPositions(ctx context.Context, symbol string) ([]models.Position, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	ClosePosition(ctx context.Context, symbol string) error
	CancelAllOrders(ctx context.Context, symbol string) error
}

type Config struct {
	Interval time.Duration
	Policy   OrphanPolicy
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Checked    int
	Orphans    []string // remote positions we did not know about
	Zombies    []string // local positions the venue no longer has
	StrayLegs  []string // remote orders no local bracket accounts for
	Actions    []string
	Duration   time.Duration
	At         time.Time
}

func (r Report) Clean() bool {
	return len(r.Orphans) == 0 && len(r.Zombies) == 0 && len(r.StrayLegs) == 0
}

// Heartbeater is what the reconciler reports liveness to.
type Heartbeater interface {
	Heartbeat(name string)
}

const watchdogTask = "reconciliation"

// Reconciler periodically diffs local state against the venue and repairs
// both directions. The venue is the authority for existence; local state is
// the authority for intent.
type Reconciler struct {
	cfg     Config
	ex      Exchange
	tracker *portfolio.Tracker
	oco     *croupier.OCOManager
	beat    Heartbeater

	mu      sync.Mutex
	running bool
	last    Report

	cancel context.CancelFunc
	passes int64

	onFinding func(kind string)
}

// SetOnFinding installs the discrepancy hook (metrics), kind is
// "orphan" | "zombie" | "stray_leg".
func (r *Reconciler) SetOnFinding(fn func(kind string)) { r.onFinding = fn }

func (r *Reconciler) finding(kind string) {
	if r.onFinding != nil {
		r.onFinding(kind)
	}
}

func NewReconciler(cfg Config, ex Exchange, tracker *portfolio.Tracker, oco *croupier.OCOManager, beat Heartbeater) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reconciler{cfg: cfg, ex: ex, tracker: tracker, oco: oco, beat: beat}
}

// Reconcile runs one pass. It is idempotent: a clean state produces no
// actions, and concurrent invocations collapse into one.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	r.mu.Lock()
	if r.running {
		last := r.last
		r.mu.Unlock()
		return last, nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	start := time.Now()
	report := Report{At: start.UTC()}

	remote, err := r.ex.FetchPositions(ctx, "")
	if err != nil {
		return report, errors.Wrap(err, "reconcile: fetch positions")
	}

	remoteBySym := make(map[string]models.Position, len(remote))
	for _, p := range remote {
		remoteBySym[p.Symbol] = p
	}
	local := r.tracker.OpenPositions()
	localBySym := make(map[string]models.Position, len(local))
	for _, p := range local {
		localBySym[p.Symbol] = p
	}
	report.Checked = len(remoteBySym) + len(localBySym)

	// Remote positions we have no record of.
	for sym, pos := range remoteBySym {
		if _, known := localBySym[sym]; known {
			continue
		}
		report.Orphans = append(report.Orphans, sym)
		r.finding("orphan")
		r.handleOrphan(ctx, pos, &report)
	}

	// Local positions the venue no longer has: purge, do not resurrect.
	for sym := range localBySym {
		if _, alive := remoteBySym[sym]; alive {
			continue
		}
		report.Zombies = append(report.Zombies, sym)
		r.finding("zombie")
		r.handleZombie(ctx, sym, &report)
	}

	r.diffOrders(ctx, remoteBySym, &report)

	report.Duration = time.Since(start)
	if !report.Clean() {
		logger.Info("[RECON] pass done in %s: orphans=%v zombies=%v", report.Duration.Round(time.Millisecond), report.Orphans, report.Zombies)
	}

	r.mu.Lock()
	r.last = report
	r.passes++
	r.mu.Unlock()
	return report, nil
}

func (r *Reconciler) handleOrphan(ctx context.Context, pos models.Position, report *Report) {
	if r.cfg.Policy == OrphanFlatten {
		if err := r.ex.ClosePosition(ctx, pos.Symbol); err != nil {
			logger.Error("[RECON] flatten orphan %s failed: %v", pos.Symbol, err)
			return
		}
		report.Actions = append(report.Actions, "flattened orphan "+pos.Symbol)
		return
	}

	// Protect: adopt locally, then wrap in a TP/SL pair. Adoption comes
	// first so a crash between the two steps leaves the position visible.
	r.tracker.Adopt(pos)
	if _, err := r.oco.SynthesizeProtection(ctx, pos); err != nil {
		if errors.Is(err, croupier.ErrPendingOrderInFlight) {
			// a bracket build owns the symbol right now, next pass will see it
			return
		}
		logger.Error("[RECON] protect orphan %s failed, flattening: %v", pos.Symbol, err)
		if cerr := r.ex.ClosePosition(ctx, pos.Symbol); cerr != nil {
			logger.Error("[RECON] fallback flatten %s failed: %v", pos.Symbol, cerr)
			return
		}
		r.tracker.Close(pos.Symbol)
		report.Actions = append(report.Actions, "flattened unprotectable orphan "+pos.Symbol)
		return
	}
	report.Actions = append(report.Actions, "adopted and protected orphan "+pos.Symbol)
}

// diffOrders cancels remote orders that no local bracket accounts for. A leg
// whose position is gone would otherwise open a fresh unwanted position when
// it triggers.
func (r *Reconciler) diffOrders(ctx context.Context, remotePos map[string]models.Position, report *Report) {
	orders, err := r.ex.FetchOpenOrders(ctx, "")
	if err != nil {
		logger.Error("[RECON] fetch open orders failed: %v", err)
		return
	}
	for _, o := range orders {
		if g, ok := r.oco.GroupBySymbol(o.Symbol); ok {
			if (g.TP != nil && g.TP.ID == o.ID) || (g.SL != nil && g.SL.ID == o.ID) ||
				(g.Main != nil && g.Main.ID == o.ID) {
				continue
			}
		}
		if _, positioned := remotePos[o.Symbol]; positioned {
			// unknown leg over a live position: leave it, the orphan path
			// owns that symbol's repair
			continue
		}
		report.StrayLegs = append(report.StrayLegs, o.ID)
		r.finding("stray_leg")
		if err := r.ex.CancelOrder(ctx, o.ID, o.Symbol); err != nil {
			logger.Error("[RECON] cancel stray leg %s (%s) failed: %v", o.ID, o.Symbol, err)
			continue
		}
		report.Actions = append(report.Actions, "canceled stray leg "+o.ID)
	}
}

// ReconcileSymbol repairs a single symbol on demand.
func (r *Reconciler) ReconcileSymbol(ctx context.Context, symbol string) error {
	remote, err := r.ex.FetchPositions(ctx, symbol)
	if err != nil {
		return errors.Wrapf(err, "reconcile %s: fetch positions", symbol)
	}
	var report Report
	report.At = time.Now().UTC()

	if len(remote) == 0 {
		if _, local := r.tracker.Get(symbol); local {
			report.Zombies = append(report.Zombies, symbol)
			r.handleZombie(ctx, symbol, &report)
		}
		return nil
	}
	if _, local := r.tracker.Get(symbol); !local {
		report.Orphans = append(report.Orphans, symbol)
		r.handleOrphan(ctx, remote[0], &report)
	}
	return nil
}

func (r *Reconciler) handleZombie(ctx context.Context, symbol string, report *Report) {
	r.tracker.Close(symbol)
	r.oco.Purge(symbol)
	// protective legs may still rest on the venue
	if err := r.ex.CancelAllOrders(ctx, symbol); err != nil {
		logger.Error("[RECON] cancel leftover orders for zombie %s failed: %v", symbol, err)
	}
	report.Actions = append(report.Actions, "purged zombie "+symbol)
}

// Run starts the periodic loop.
func (r *Reconciler) Run(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		tick := time.NewTicker(r.cfg.Interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if r.beat != nil {
					r.beat.Heartbeat(watchdogTask)
				}
				if _, err := r.Reconcile(ctx); err != nil {
					logger.Error("[RECON] pass failed: %v", err)
				}
			}
		}
	}()
}

func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Reconciler) LastReport() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Reconciler) Passes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}
