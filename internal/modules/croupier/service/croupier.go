package service

import (
	"context"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"croupier_bot/internal/models"
	exsvc "croupier_bot/internal/modules/exchange/service"
	"croupier_bot/internal/modules/portfolio/service"
	"croupier_bot/pkg/logger"
)

type CroupierConfig struct {
	Mode             models.ExecMode
	MaxOpenPositions int
	MinNotional      float64 // venue minimum order value in quote currency
	MaxPositionPct   float64 // fraction of available balance one position may use
	Leverage         float64
}

func DefaultCroupierConfig() CroupierConfig {
	return CroupierConfig{
		Mode:             models.ExecModeGhost,
		MaxOpenPositions: 5,
		MinNotional:      5,
		MaxPositionPct:   0.2,
		Leverage:         3,
	}
}

// Balancer is the slice of the adapter the risk gate needs on top of Exchange.
type Balancer interface {
	FetchBalance(ctx context.Context) (models.Balance, error)
}

// Croupier turns trade decisions into brackets. It owns the risk gate; the
// OCO manager owns order mechanics.
type Croupier struct {
	cfg     CroupierConfig
	ex      Exchange
	bal     Balancer
	oco     *OCOManager
	tracker *service.Tracker

	executed int64
	rejected int64
	startAt  time.Time

	onResult func(ok bool)
}

// SetOnResult installs the per-decision outcome hook (metrics).
func (c *Croupier) SetOnResult(fn func(ok bool)) { c.onResult = fn }

func (c *Croupier) result(ok bool) {
	if c.onResult != nil {
		c.onResult(ok)
	}
}

func NewCroupier(cfg CroupierConfig, ex Exchange, bal Balancer, oco *OCOManager, tracker *service.Tracker) *Croupier {
	return &Croupier{
		cfg:     cfg,
		ex:      ex,
		bal:     bal,
		oco:     oco,
		tracker: tracker,
		startAt: time.Now().UTC(),
	}
}

// ExecuteDecision runs the full path for one decision: risk gate, sizing,
// bracket build. Failures before any order is placed are plain rejections;
// failures after are handled inside the bracket machinery.
func (c *Croupier) ExecuteDecision(ctx context.Context, d models.Decision) (*models.BracketGroup, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "croupier.execute_decision")
	span.SetTag("symbol", d.Symbol)
	span.SetTag("side", d.Side.String())
	defer span.Finish()

	size, err := c.validate(ctx, d)
	if err != nil {
		c.rejected++
		c.result(false)
		span.SetTag("error", true)
		logger.Info("[CROUPIER] %s %s rejected: %v", d.Symbol, d.Side, err)
		return nil, err
	}

	group, err := c.oco.CreateBracket(ctx, BracketRequest{
		Symbol: d.Symbol,
		Side:   d.Side,
		Size:   size,
		Mode:   c.cfg.Mode,
	})
	if err != nil {
		c.rejected++
		c.result(false)
		span.SetTag("error", true)
		return nil, err
	}
	c.executed++
	c.result(true)
	logger.Info("[CROUPIER] %s %s bracket active: main=%s tp=%s sl=%s",
		d.Symbol, d.Side, group.Main.ID, group.TP.ID, group.SL.ID)
	return group, nil
}

// validate is the pre-trade risk gate. It returns the contract size to trade.
func (c *Croupier) validate(ctx context.Context, d models.Decision) (float64, error) {
	if d.Symbol == "" {
		return 0, &exsvc.ValidationError{Msg: "empty symbol"}
	}
	if _, held := c.tracker.Get(d.Symbol); held {
		return 0, &exsvc.ValidationError{Msg: "position already open for " + d.Symbol}
	}
	if n := len(c.tracker.OpenPositions()); n >= c.cfg.MaxOpenPositions {
		return 0, &exsvc.ValidationError{Msg: fmt.Sprintf("max open positions reached (%d)", n)}
	}

	px, err := c.ex.GetCurrentPrice(ctx, d.Symbol)
	if err != nil {
		return 0, errors.Wrap(err, "risk gate price")
	}
	bal, err := c.bal.FetchBalance(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "risk gate balance")
	}
	if bal.Available <= 0 {
		return 0, &exsvc.InsufficientFundsError{
			Msg: fmt.Sprintf("no available balance (%.2f)", bal.Available),
		}
	}

	budget := bal.Available * c.cfg.MaxPositionPct
	if d.SizeHint > 0 && d.SizeHint < budget {
		budget = d.SizeHint
	}
	notional := budget * c.cfg.Leverage
	if notional < c.cfg.MinNotional {
		return 0, &exsvc.ValidationError{
			Msg: fmt.Sprintf("notional %.2f below venue minimum %.2f", notional, c.cfg.MinNotional),
		}
	}
	return notional / px, nil
}

func (c *Croupier) Mode() models.ExecMode { return c.cfg.Mode }

func (c *Croupier) Balance(ctx context.Context) (models.Balance, error) {
	return c.bal.FetchBalance(ctx)
}

func (c *Croupier) OpenPositions() []models.Position { return c.tracker.OpenPositions() }

// Equity is total balance plus unrealized PnL across open positions, marked
// at the venue's current price. A position whose mark cannot be fetched
// contributes its entry value, nothing more.
func (c *Croupier) Equity(ctx context.Context) (float64, error) {
	bal, err := c.bal.FetchBalance(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "equity balance")
	}
	eq := bal.Total
	for _, p := range c.tracker.OpenPositions() {
		px, err := c.ex.GetCurrentPrice(ctx, p.Symbol)
		if err != nil || px <= 0 {
			continue
		}
		pnl := (px - p.EntryPrice) * p.Size
		if p.Side == models.SideShort {
			pnl = -pnl
		}
		eq += pnl
	}
	return eq, nil
}

func (c *Croupier) PortfolioState(ctx context.Context) (models.PortfolioState, error) {
	bal, err := c.bal.FetchBalance(ctx)
	if err != nil {
		return models.PortfolioState{}, err
	}
	st := c.tracker.PortfolioState(bal, c.oco.ActiveCount())
	if eq, err := c.Equity(ctx); err == nil {
		st.Equity = eq
	}
	return st, nil
}

// SessionReport summarizes a run for the shutdown notifier.
type SessionReport struct {
	StartedAt      time.Time
	Duration       time.Duration
	Executed       int64
	Rejected       int64
	PositionsOpen  int
	OpenedLifetime int
	ClosedLifetime int
}

func (c *Croupier) Report() SessionReport {
	opened, closed := c.tracker.Stats()
	return SessionReport{
		StartedAt:      c.startAt,
		Duration:       time.Since(c.startAt),
		Executed:       c.executed,
		Rejected:       c.rejected,
		PositionsOpen:  len(c.tracker.OpenPositions()),
		OpenedLifetime: opened,
		ClosedLifetime: closed,
	}
}
