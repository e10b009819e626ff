// Package recon compares the coordinator's believed position state
// against ground truth read back from the venues. Three consecutive
// cycles containing a critical discrepancy latch a portfolio-wide halt
// that blocks new opens.
package recon

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/position"
)

type Severity string

const (
	Minor    Severity = "minor"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

type Discrepancy struct {
	PositionID string
	Venue      string
	Field      string
	Expected   string
	Actual     string
	Severity   Severity
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("[%s] %s %s %s: expected %s, actual %s",
		d.Severity, d.PositionID, d.Venue, d.Field, d.Expected, d.Actual)
}

// haltStreak is how many consecutive critical cycles flip the halt.
const haltStreak = 3

var (
	criticalShare = decimal.RequireFromString("0.1")
	tolerancePct  = decimal.RequireFromString("0.01")
	toleranceAbs  = decimal.RequireFromString("0.001")
)

type Engine struct {
	gw  gateway.Exchange
	log *zap.Logger

	mu     sync.Mutex
	streak int
	halted bool
}

func NewEngine(gw gateway.Exchange, log *zap.Logger) *Engine {
	return &Engine{gw: gw, log: log}
}

// Halted reports whether the latch has flipped. It never resets on its
// own; an unexplained persistent divergence needs an operator, not a
// retry loop.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

type venueKey struct {
	venue string
	pair  string
	side  gateway.Side
}

// Reconcile compares every supplied position's legs against a fresh
// read from each involved venue. A venue that cannot be read is
// skipped this cycle with a warning; its positions are not flagged.
func (e *Engine) Reconcile(ctx context.Context, positions []position.Snapshot) []Discrepancy {
	venues := make(map[string]bool)
	for _, p := range positions {
		if p.Status != position.Active && p.Status != position.Closing {
			continue
		}
		venues[p.LegLong.Venue] = true
		venues[p.LegShort.Venue] = true
	}

	actual := make(map[venueKey]gateway.VenuePosition)
	reachable := make(map[string]bool)
	for v := range venues {
		got, err := e.gw.GetPositions(ctx, v)
		if err != nil {
			e.log.Warn("reconciliation venue read failed, skipping venue this cycle",
				zap.String("venue", v), zap.Error(err))
			continue
		}
		reachable[v] = true
		for _, vp := range got {
			actual[venueKey{venue: v, pair: vp.Pair, side: vp.Side}] = vp
		}
	}

	var out []Discrepancy
	matched := make(map[venueKey]bool)
	for _, p := range positions {
		if p.Status != position.Active && p.Status != position.Closing {
			continue
		}
		out = append(out, e.checkLeg(p.ID, p.Token, gateway.Buy, p.LegLong, actual, matched, reachable)...)
		out = append(out, e.checkLeg(p.ID, p.Token, gateway.Sell, p.LegShort, actual, matched, reachable)...)
	}

	// Venue positions nothing claims: exposure the engine does not
	// know it has.
	for key, vp := range actual {
		if matched[key] {
			continue
		}
		out = append(out, Discrepancy{
			PositionID: "-",
			Venue:      key.venue,
			Field:      "unexpected position",
			Expected:   "none",
			Actual:     fmt.Sprintf("%s %s %s", vp.Side, vp.Amount, vp.Pair),
			Severity:   Medium,
		})
	}

	e.advanceStreak(out)
	return out
}

func (e *Engine) checkLeg(posID, token string, side gateway.Side, leg position.Leg,
	actual map[venueKey]gateway.VenuePosition, matched map[venueKey]bool, reachable map[string]bool) []Discrepancy {
	if !reachable[leg.Venue] {
		return nil
	}
	key := venueKey{venue: leg.Venue, pair: token, side: side}
	vp, ok := actual[key]
	if !ok {
		return []Discrepancy{{
			PositionID: posID,
			Venue:      leg.Venue,
			Field:      "missing position",
			Expected:   fmt.Sprintf("%s %s %s", side, leg.FilledAmount, token),
			Actual:     "none",
			Severity:   High,
		}}
	}
	matched[key] = true

	diff := leg.FilledAmount.Sub(vp.Amount).Abs()
	tolerance := decimal.Min(leg.FilledAmount.Mul(tolerancePct), toleranceAbs)
	if diff.LessThanOrEqual(tolerance) {
		return nil
	}
	severity := Medium
	if diff.GreaterThan(leg.FilledAmount.Mul(criticalShare)) {
		severity = Critical
	}
	return []Discrepancy{{
		PositionID: posID,
		Venue:      leg.Venue,
		Field:      "filled amount",
		Expected:   leg.FilledAmount.String(),
		Actual:     vp.Amount.String(),
		Severity:   severity,
	}}
}

func (e *Engine) advanceStreak(found []Discrepancy) {
	critical := false
	for _, d := range found {
		if d.Severity == Critical {
			critical = true
			break
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !critical {
		e.streak = 0
		return
	}
	e.streak++
	if e.streak >= haltStreak && !e.halted {
		e.halted = true
		e.log.Error("reconciliation halt engaged",
			zap.Int("consecutive_critical_cycles", e.streak))
	}
}

// CriticalStreak reports the current run of critical cycles.
func (e *Engine) CriticalStreak() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streak
}
