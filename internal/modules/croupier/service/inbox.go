package service

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"croupier_bot/internal/models"
	"croupier_bot/pkg/logger"
)

// InboxPolicy controls what happens when the decision queue is full.
type InboxPolicy uint8

const (
	// InboxDropOldest evicts the stalest queued decision to admit the new one.
	// Stale trade signals are worse than dropped ones.
	InboxDropOldest InboxPolicy = iota
	// InboxBlock applies backpressure to the producer.
	InboxBlock
)

var ErrInboxClosed = errors.New("decision inbox closed")

// Inbox is the bounded queue between signal producers and the croupier loop.
type Inbox struct {
	ch      chan models.Decision
	policy  InboxPolicy
	dropped atomic.Int64
	onDrop  func()
}

// SetOnDrop installs the eviction hook (metrics).
func (b *Inbox) SetOnDrop(fn func()) { b.onDrop = fn }

func NewInbox(capacity int, policy InboxPolicy) *Inbox {
	if capacity <= 0 {
		capacity = 64
	}
	return &Inbox{ch: make(chan models.Decision, capacity), policy: policy}
}

// Submit enqueues a decision according to the inbox policy.
func (b *Inbox) Submit(ctx context.Context, d models.Decision) error {
	if b.policy == InboxBlock {
		select {
		case b.ch <- d:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		select {
		case b.ch <- d:
			return nil
		default:
		}
		select {
		case old := <-b.ch:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
			logger.Error("[INBOX] full, dropping stale decision %s %s", old.Symbol, old.Side)
		default:
		}
	}
}

// Receive blocks for the next decision.
func (b *Inbox) Receive(ctx context.Context) (models.Decision, error) {
	select {
	case d, ok := <-b.ch:
		if !ok {
			return models.Decision{}, ErrInboxClosed
		}
		return d, nil
	case <-ctx.Done():
		return models.Decision{}, ctx.Err()
	}
}

func (b *Inbox) Len() int       { return len(b.ch) }
func (b *Inbox) Dropped() int64 { return b.dropped.Load() }
