// Package engine is the execution coordinator: it scans for profitable
// funding-rate spreads, opens both legs of a hedge concurrently, owns
// the position registry, and supervises every open position until it is
// closed. All state transitions flow through the registry's transition
// methods; everything else in the repository sees snapshots.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/edge"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/history"
	"funding-arb-bot/internal/margin"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/recon"
	"funding-arb-bot/internal/risk"
	"funding-arb-bot/internal/schedule"
)

// PriceSource serves mark prices, typically the websocket feed. A nil
// source is allowed; the engine then relies on venue-reported prices.
type PriceSource interface {
	Price(token string) (decimal.Decimal, bool)
}

// Config carries the strategy parameters, already converted to decimal
// at the wiring boundary.
type Config struct {
	Tokens []string
	Venues []string

	NotionalUSD      decimal.Decimal
	Leverage         decimal.Decimal
	MinEdgeUSD       decimal.Decimal
	StopFundingDiff  decimal.Decimal // per-hour differential at which a held position is abandoned
	TargetProfitUSD  decimal.Decimal
	BorrowRateHourly decimal.Decimal

	ValidationTimeout time.Duration
	VerifyTimeout     time.Duration
	EmergencyTimeout  time.Duration
	MinHoldTime       time.Duration
}

type Deps struct {
	Gateway   gateway.Exchange
	Registry  *position.Registry
	Risk      *risk.Manager
	Margin    *margin.Monitor
	Scheduler *schedule.Scheduler
	Recon     *recon.Engine
	Tracker   *edge.Tracker
	Notifier  *alerts.Notifier
	History   *history.Writer
	Metrics   *metrics.Metrics
	Prices    PriceSource
	Log       *zap.Logger
}

type Coordinator struct {
	cfg      Config
	gw       gateway.Exchange
	registry *position.Registry
	risk     *risk.Manager
	margin   *margin.Monitor
	sched    *schedule.Scheduler
	recon    *recon.Engine
	calc     *edge.Calculator
	tracker  *edge.Tracker
	notifier *alerts.Notifier
	history  *history.Writer
	met      *metrics.Metrics
	prices   PriceSource
	log      *zap.Logger

	now          func() time.Time
	pollInterval time.Duration

	haltAlerted bool

	fundingMu   sync.Mutex
	lastFunding map[string]time.Time // position id -> last funding accrual check
}

func New(cfg Config, deps Deps) *Coordinator {
	met := deps.Metrics
	if met == nil {
		met = metrics.NewNoop()
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = edge.NewTracker(512)
	}
	return &Coordinator{
		cfg:          cfg,
		gw:           deps.Gateway,
		registry:     deps.Registry,
		risk:         deps.Risk,
		margin:       deps.Margin,
		sched:        deps.Scheduler,
		recon:        deps.Recon,
		calc:         edge.NewCalculator(),
		tracker:      tracker,
		notifier:     deps.Notifier,
		history:      deps.History,
		met:          met,
		prices:       deps.Prices,
		log:          deps.Log,
		now:          time.Now,
		pollInterval: 250 * time.Millisecond,
		lastFunding:  make(map[string]time.Time),
	}
}

// Halted reports whether reconciliation has latched the portfolio halt.
// New opens are blocked; supervision and closes continue.
func (c *Coordinator) Halted() bool {
	return c.recon.Halted()
}

func (c *Coordinator) updateGauges() {
	c.met.ActivePositions.Set(float64(c.registry.ActiveCount()))
	c.met.TotalNotional.Set(c.registry.Exposure().TotalNotional.InexactFloat64())
	realized := decimal.Decimal{}
	for _, snap := range c.registry.Archive() {
		realized = realized.Add(snap.FundingCollected)
	}
	c.met.RealizedPnL.Set(realized.InexactFloat64())
}

// statusLookback bounds the profitability-rate window in Status.
const statusLookback = time.Hour

// Status is a point-in-time health summary for the periodic status
// report.
type Status struct {
	OpenPositions         int
	Halted                bool
	EvaluationsTotal      int
	EvaluationsProfitable int
	ProfitabilityRate     float64
	LastProfitable        []edge.Breakdown
	Risk                  risk.Summary
}

func (c *Coordinator) Status() Status {
	total, profitable := c.tracker.Counts()
	return Status{
		OpenPositions:         len(c.registry.Open()),
		Halted:                c.recon.Halted(),
		EvaluationsTotal:      total,
		EvaluationsProfitable: profitable,
		ProfitabilityRate:     c.tracker.ProfitabilityRate(statusLookback, c.now()),
		LastProfitable:        c.tracker.RecentProfitable(3),
		Risk:                  c.risk.Summary(),
	}
}

// markPrice prefers the live feed and falls back to a venue-reported
// price. ok is false when neither source has a usable value.
func (c *Coordinator) markPrice(token string, venueReported decimal.Decimal) (decimal.Decimal, bool) {
	if c.prices != nil {
		if p, ok := c.prices.Price(token); ok {
			return p, true
		}
	}
	if venueReported.Sign() > 0 {
		return venueReported, true
	}
	return decimal.Decimal{}, false
}

// quoteDepthOf values the book side a taker order would consume, in
// quote terms.
func quoteDepthOf(depth gateway.OrderBookDepth, side gateway.Side) decimal.Decimal {
	levels := depth.Asks
	if side == gateway.Sell {
		levels = depth.Bids
	}
	total := decimal.Decimal{}
	for _, lv := range levels {
		total = total.Add(lv.Price.Mul(lv.Amount))
	}
	return total
}

// awaitOrder polls an order until it reaches a terminal state or the
// deadline passes, returning the last observed status. Transient poll
// errors are retried until the deadline.
func (c *Coordinator) awaitOrder(ctx context.Context, venueName, orderID string, deadline time.Time) (gateway.OrderStatus, error) {
	var last gateway.OrderStatus
	var lastErr error
	for {
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		st, err := c.gw.GetOrderStatus(ctx, venueName, orderID)
		if err != nil {
			lastErr = err
		} else {
			last = st
			lastErr = nil
			switch st.State {
			case gateway.OrderFilled, gateway.OrderCanceled, gateway.OrderRejected:
				return last, nil
			}
		}
		if !c.now().Before(deadline) {
			return last, lastErr
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}
