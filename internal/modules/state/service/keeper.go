package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"croupier_bot/internal/models"
	croupier "croupier_bot/internal/modules/croupier/service"
	portfolio "croupier_bot/internal/modules/portfolio/service"
	"croupier_bot/pkg/logger"
)

// Balancer provides the balance recorded in snapshots.
type Balancer interface {
	FetchBalance(ctx context.Context) (models.Balance, error)
}

// Keeper snapshots session state on a timer. Saves happen on the keeper's
// own goroutine so a slow disk never blocks a trading path, and only when
// something actually changed.
type Keeper struct {
	store   Store
	tracker *portfolio.Tracker
	oco     *croupier.OCOManager
	bal     Balancer

	sessionID string
	interval  time.Duration

	dirty  atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	savesTotal int64
	onSave     func(bal models.Balance)
	beat       func()
}

// SetOnSave installs the post-save hook (metrics, equity gauge).
func (k *Keeper) SetOnSave(fn func(bal models.Balance)) { k.onSave = fn }

// SetHeartbeat installs the liveness hook, called once per loop tick.
func (k *Keeper) SetHeartbeat(fn func()) { k.beat = fn }

func NewKeeper(store Store, tracker *portfolio.Tracker, oco *croupier.OCOManager, bal Balancer, interval time.Duration) *Keeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Keeper{
		store:     store,
		tracker:   tracker,
		oco:       oco,
		bal:       bal,
		sessionID: uuid.NewString(),
		interval:  interval,
	}
}

func (k *Keeper) SessionID() string { return k.sessionID }

// MarkDirty schedules a save on the next tick.
func (k *Keeper) MarkDirty() { k.dirty.Store(true) }

// Recover loads the last snapshot and seeds the tracker and the bracket
// machinery from it. ErrNoSnapshot is a clean cold start.
func (k *Keeper) Recover() (models.StateSnapshot, bool, error) {
	snap, err := k.store.Load()
	if err != nil {
		if err == ErrNoSnapshot {
			return models.StateSnapshot{}, false, nil
		}
		return models.StateSnapshot{}, false, err
	}

	k.sessionID = snap.SessionID
	for _, p := range snap.Positions {
		k.tracker.Adopt(p)
	}
	k.oco.Restore(snap.Brackets)
	logger.Info("[STATE] recovered session %s: %d positions, %d brackets saved %s",
		snap.SessionID, len(snap.Positions), len(snap.Brackets), snap.SavedAt.Format(time.RFC3339))
	return snap, true, nil
}

func (k *Keeper) snapshot(ctx context.Context) models.StateSnapshot {
	var bal models.Balance
	if k.bal != nil {
		if b, err := k.bal.FetchBalance(ctx); err == nil {
			bal = b
		}
	}
	return models.StateSnapshot{
		SessionID: k.sessionID,
		Positions: k.tracker.OpenPositions(),
		Brackets:  k.oco.ActiveGroups(),
		Balance:   bal,
		SavedAt:   time.Now().UTC(),
	}
}

// SaveNow forces a synchronous save regardless of the dirty flag.
func (k *Keeper) SaveNow(ctx context.Context) error {
	snap := k.snapshot(ctx)
	err := k.store.Save(snap)
	if err == nil {
		k.dirty.Store(false)
		atomic.AddInt64(&k.savesTotal, 1)
		if k.onSave != nil {
			k.onSave(snap.Balance)
		}
	}
	return err
}

func (k *Keeper) Run(ctx context.Context) {
	ctx, k.cancel = context.WithCancel(ctx)
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		tick := time.NewTicker(k.interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if k.beat != nil {
					k.beat()
				}
				if !k.dirty.Load() {
					continue
				}
				if err := k.SaveNow(ctx); err != nil {
					logger.Error("[STATE] save failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts the loop and writes a final snapshot.
func (k *Keeper) Stop(ctx context.Context) error {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	return k.SaveNow(ctx)
}

func (k *Keeper) SavesTotal() int64 { return atomic.LoadInt64(&k.savesTotal) }
