package service

import (
	"errors"
	"sync"
	"time"
)

// ErrPendingOrderInFlight is the at-most-one-bracket-per-symbol guarantee:
// a second acquisition for a symbol fails fast instead of queueing.
var ErrPendingOrderInFlight = errors.New("pending order in flight for symbol")

// SymbolLocks hands out one lock per symbol. Bracket creation and
// reconciliation adoption both go through here, so they can never race on
// the same symbol. Never held across an unbounded wait.
type SymbolLocks struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func NewSymbolLocks() *SymbolLocks {
	return &SymbolLocks{held: make(map[string]time.Time)}
}

func (s *SymbolLocks) TryAcquire(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[symbol]; ok {
		return ErrPendingOrderInFlight
	}
	s.held[symbol] = time.Now()
	return nil
}

func (s *SymbolLocks) Release(symbol string) {
	s.mu.Lock()
	delete(s.held, symbol)
	s.mu.Unlock()
}

// HeldSince reports whether the symbol is locked and since when.
func (s *SymbolLocks) HeldSince(symbol string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.held[symbol]
	return t, ok
}
