package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"croupier_bot/internal/models"
)

// VirtualConnector simulates a venue in memory: instant fills at the injected
// price, a paper balance, conditional legs triggered by price moves. It backs
// ghost/demo/testing modes and the package tests.
type VirtualConnector struct {
	mu        sync.Mutex
	balance   models.Balance
	prices    map[string]float64
	open      map[string]*models.Order    // order id -> resting order
	positions map[string]*models.Position // symbol -> net position (one-way mode)

	updates chan OrderUpdate
	feed    *Feed

	// FailNext, when set, fails the next n calls with the given error.
	// Test hook for breaker/retry behaviour.
	failNext int
	failWith error
}

func NewVirtualConnector(initialBalance float64) *VirtualConnector {
	return &VirtualConnector{
		balance:   models.Balance{Total: initialBalance, Available: initialBalance},
		prices:    make(map[string]float64),
		open:      make(map[string]*models.Order),
		positions: make(map[string]*models.Position),
		updates:   make(chan OrderUpdate, 256),
	}
}

func (v *VirtualConnector) Updates() <-chan OrderUpdate { return v.updates }

// AttachFeed wires real market ticks into the paper book, so ghost mode
// trades against live prices.
func (v *VirtualConnector) AttachFeed(feed *Feed) { v.feed = feed }

func (v *VirtualConnector) Connect(ctx context.Context) error {
	if v.feed != nil {
		return v.feed.Start(ctx, v.updates)
	}
	return nil
}

func (v *VirtualConnector) Disconnect(ctx context.Context) error {
	if v.feed != nil {
		v.feed.Stop()
	}
	return nil
}

// SetPrice injects the mark price used for fills and conditional triggers.
func (v *VirtualConnector) SetPrice(symbol string, px float64) {
	v.mu.Lock()
	v.prices[symbol] = px
	triggered := v.collectTriggered(symbol, px)
	v.mu.Unlock()

	for _, o := range triggered {
		v.fill(o, px)
	}
}

// FailNext makes the next n calls return err. Used to exercise retry and
// breaker paths without a real flaky network.
func (v *VirtualConnector) FailNext(n int, err error) {
	v.mu.Lock()
	v.failNext, v.failWith = n, err
	v.mu.Unlock()
}

func (v *VirtualConnector) maybeFail() error {
	if v.failNext > 0 {
		v.failNext--
		return v.failWith
	}
	return nil
}

func (v *VirtualConnector) collectTriggered(symbol string, px float64) []*models.Order {
	var out []*models.Order
	for id, o := range v.open {
		if o.Symbol != symbol || o.Kind == models.OrderKindMain {
			continue
		}
		hit := false
		switch o.Kind {
		case models.OrderKindTakeProfit:
			hit = (o.Side == models.SideLong && px >= o.Price) || (o.Side == models.SideShort && px <= o.Price)
		case models.OrderKindStopLoss:
			hit = (o.Side == models.SideLong && px <= o.Price) || (o.Side == models.SideShort && px >= o.Price)
		}
		if hit {
			delete(v.open, id)
			out = append(out, o)
		}
	}
	return out
}

func (v *VirtualConnector) ExecuteOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	v.mu.Lock()
	if err := v.maybeFail(); err != nil {
		v.mu.Unlock()
		return nil, err
	}
	px, ok := v.prices[o.Symbol]
	if !ok {
		v.mu.Unlock()
		return nil, &ValidationError{Msg: "no price for " + o.Symbol}
	}

	res := *o
	res.ID = "v-" + uuid.NewString()[:8]
	res.Status = models.OrderStatusOpen

	if o.Kind == models.OrderKindMain {
		v.mu.Unlock()
		// main market order fills immediately at the current price
		v.fill(&res, px)
		return &res, nil
	}

	cp := res
	v.open[res.ID] = &cp
	v.mu.Unlock()
	return &res, nil
}

// fill applies the fill to the paper book and emits the update. Ghost orders
// traverse the same path but never touch the balance.
func (v *VirtualConnector) fill(o *models.Order, px float64) {
	v.mu.Lock()
	if o.Mode == models.ExecModeLive {
		v.applyToBook(o, px)
	}
	v.mu.Unlock()

	v.updates <- OrderUpdate{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Status:        models.OrderStatusFilled,
		Price:         px,
		Quantity:      o.Quantity,
		At:            time.Now().UTC(),
	}
}

func (v *VirtualConnector) applyToBook(o *models.Order, px float64) {
	pos := v.positions[o.Symbol]
	if o.Kind == models.OrderKindMain {
		if pos == nil {
			v.positions[o.Symbol] = &models.Position{
				Symbol:     o.Symbol,
				Side:       o.Side,
				Size:       o.Quantity,
				EntryPrice: px,
				Mode:       o.Mode,
				OpenedAt:   time.Now().UTC(),
			}
		} else {
			pos.Size += o.Quantity
		}
		v.balance.Available -= o.Quantity * px
		return
	}
	// protective leg closing the position
	if pos != nil {
		pnl := (px - pos.EntryPrice) * pos.Size
		if pos.Side == models.SideShort {
			pnl = -pnl
		}
		v.balance.Total += pnl
		v.balance.Available += pos.Size*pos.EntryPrice + pnl
		delete(v.positions, o.Symbol)
	}
}

func (v *VirtualConnector) CancelOrder(ctx context.Context, id, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.maybeFail(); err != nil {
		return err
	}
	if _, ok := v.open[id]; !ok {
		return &ExchangeStateError{Msg: "order " + id + " not found"}
	}
	delete(v.open, id)
	return nil
}

func (v *VirtualConnector) FetchOrder(ctx context.Context, id, symbol string) (*models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.maybeFail(); err != nil {
		return nil, err
	}
	if o, ok := v.open[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, &ExchangeStateError{Msg: "order " + id + " not found"}
}

func (v *VirtualConnector) FetchOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.maybeFail(); err != nil {
		return nil, err
	}
	var res []models.Order
	for _, o := range v.open {
		if symbol == "" || o.Symbol == symbol {
			res = append(res, *o)
		}
	}
	return res, nil
}

func (v *VirtualConnector) FetchPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.maybeFail(); err != nil {
		return nil, err
	}
	var res []models.Position
	for _, p := range v.positions {
		if symbol == "" || p.Symbol == symbol {
			res = append(res, *p)
		}
	}
	return res, nil
}

func (v *VirtualConnector) FetchBalance(ctx context.Context) (models.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.maybeFail(); err != nil {
		return models.Balance{}, err
	}
	return v.balance, nil
}

func (v *VirtualConnector) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.maybeFail(); err != nil {
		return 0, err
	}
	px, ok := v.prices[symbol]
	if !ok {
		return 0, &ValidationError{Msg: "no price for " + symbol}
	}
	return px, nil
}

func (v *VirtualConnector) CancelAllOrders(ctx context.Context, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.maybeFail(); err != nil {
		return err
	}
	for id, o := range v.open {
		if symbol == "" || o.Symbol == symbol {
			delete(v.open, id)
		}
	}
	return nil
}

func (v *VirtualConnector) ClosePosition(ctx context.Context, symbol string) error {
	v.mu.Lock()
	if err := v.maybeFail(); err != nil {
		v.mu.Unlock()
		return err
	}
	pos, ok := v.positions[symbol]
	if !ok {
		v.mu.Unlock()
		return nil
	}
	px := v.prices[symbol]
	closing := &models.Order{
		ID:       fmt.Sprintf("v-close-%s", symbol),
		Symbol:   symbol,
		Kind:     models.OrderKindStopLoss,
		Side:     pos.Side,
		Quantity: pos.Size,
		Price:    px,
		Mode:     pos.Mode,
	}
	v.mu.Unlock()
	v.fill(closing, px)
	return nil
}

// AdoptRemote seeds a remote-only position, used to stage orphan scenarios.
func (v *VirtualConnector) AdoptRemote(p models.Position) {
	v.mu.Lock()
	cp := p
	v.positions[p.Symbol] = &cp
	v.mu.Unlock()
}
