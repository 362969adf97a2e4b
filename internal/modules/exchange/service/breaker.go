package service

import (
	"sync"
	"time"

	"croupier_bot/pkg/logger"
)

type BreakerState uint8

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	}
	return "half_open"
}

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker gates one endpoint category. CLOSED counts consecutive
// qualifying failures; at the threshold it fails fast for RecoveryTimeout,
// then admits up to HalfOpenMaxCalls probes. All probes succeeding closes it,
// any probe failing reopens it immediately.
type CircuitBreaker struct {
	name Category
	cfg  BreakerConfig
	now  func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      int
	halfOpenCalls int
	halfOpenOK    int
	openedAt      time.Time

	onStateChange func(Category, BreakerState)
}

func NewCircuitBreaker(name Category, cfg BreakerConfig) *CircuitBreaker {
	return NewCircuitBreakerWithClock(name, cfg, time.Now)
}

func NewCircuitBreakerWithClock(name Category, cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: now}
}

// OnStateChange installs a hook (metrics) fired on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(Category, BreakerState)) { cb.onStateChange = fn }

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed right now. In OPEN it returns a
// BreakerOpenError with the time left; after RecoveryTimeout it flips to
// HALF_OPEN and admits probes.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		elapsed := cb.now().Sub(cb.openedAt)
		if elapsed < cb.cfg.RecoveryTimeout {
			return &BreakerOpenError{Category: cb.name, RetryAfter: cb.cfg.RecoveryTimeout - elapsed}
		}
		cb.transition(BreakerHalfOpen)
		cb.halfOpenCalls = 1
		return nil
	case BreakerHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			return &BreakerOpenError{Category: cb.name, RetryAfter: 0}
		}
		cb.halfOpenCalls++
		return nil
	}
	return nil
}

// Record feeds the call outcome back. System-classified failures are ignored
// entirely: a cancelled context says nothing about the remote side.
func (cb *CircuitBreaker) Record(err error) {
	if err != nil && !CountsForBreaker(err) {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		if cb.state == BreakerHalfOpen {
			cb.halfOpenOK++
			if cb.halfOpenOK >= cb.cfg.HalfOpenMaxCalls {
				cb.transition(BreakerClosed)
			}
		}
		return
	}

	cb.failures++
	switch {
	case cb.state == BreakerHalfOpen:
		cb.open()
	case cb.failures >= cb.cfg.FailureThreshold:
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.transition(BreakerOpen)
}

func (cb *CircuitBreaker) transition(to BreakerState) {
	if cb.state == to {
		return
	}
	logger.Info("[BREAKER] %s: %s -> %s (failures=%d)", cb.name, cb.state, to, cb.failures)
	cb.state = to
	cb.halfOpenOK = 0
	if to != BreakerHalfOpen {
		cb.halfOpenCalls = 0
	}
	if to == BreakerClosed {
		cb.failures = 0
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, to)
	}
}
