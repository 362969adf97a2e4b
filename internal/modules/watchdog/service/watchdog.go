package service

import (
	"context"
	"sync"
	"time"

	"croupier_bot/pkg/logger"
)

// task is one monitored loop: it must call Heartbeat at least once per
// maxSilence or the watchdog declares it stalled.
type task struct {
	name       string
	maxSilence time.Duration
	lastBeat   time.Time
	onStall    func(name string)
	alerted    bool
}

// Watchdog watches background loops for silent death. A stalled task fires
// its recovery callback once; the beat clock resets after an alert so a
// wedged loop does not produce an alert storm.
type Watchdog struct {
	mu    sync.Mutex
	tasks map[string]*task
	now   func() time.Time

	interval time.Duration
	cancel   context.CancelFunc

	stallsTotal int64
	onStallAny  func()
}

// SetOnStall installs the global stall hook (metrics).
func (w *Watchdog) SetOnStall(fn func()) { w.onStallAny = fn }

func New(interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watchdog{
		tasks:    make(map[string]*task),
		now:      time.Now,
		interval: interval,
	}
}

// NewWithClock is the test constructor.
func NewWithClock(interval time.Duration, now func() time.Time) *Watchdog {
	w := New(interval)
	w.now = now
	return w
}

// Register adds a task. Re-registering a name resets its state.
func (w *Watchdog) Register(name string, maxSilence time.Duration, onStall func(name string)) {
	w.mu.Lock()
	w.tasks[name] = &task{
		name:       name,
		maxSilence: maxSilence,
		lastBeat:   w.now(),
		onStall:    onStall,
	}
	w.mu.Unlock()
	logger.Info("[WATCHDOG] registered %q, max silence %s", name, maxSilence)
}

func (w *Watchdog) Unregister(name string) {
	w.mu.Lock()
	delete(w.tasks, name)
	w.mu.Unlock()
}

func (w *Watchdog) Heartbeat(name string) {
	w.mu.Lock()
	if t, ok := w.tasks[name]; ok {
		t.lastBeat = w.now()
		t.alerted = false
	}
	w.mu.Unlock()
}

// Check runs one detection pass. Exposed for tests; Run calls it on a ticker.
func (w *Watchdog) Check() {
	now := w.now()

	w.mu.Lock()
	var stalled []*task
	for _, t := range w.tasks {
		if t.alerted {
			continue
		}
		if now.Sub(t.lastBeat) > t.maxSilence {
			t.alerted = true
			t.lastBeat = now // reset so recovery gets a full window
			w.stallsTotal++
			stalled = append(stalled, t)
		}
	}
	w.mu.Unlock()

	for _, t := range stalled {
		logger.Error("[WATCHDOG] task %q stalled", t.name)
		if w.onStallAny != nil {
			w.onStallAny()
		}
		if t.onStall != nil {
			go t.onStall(t.name)
		}
	}
}

func (w *Watchdog) Run(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go func() {
		tick := time.NewTicker(w.interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				w.Check()
			}
		}
	}()
}

func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Watchdog) StallsTotal() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stallsTotal
}
