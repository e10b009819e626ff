package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/position"
)

// closeAttempts bounds how often a poorly filling close is resubmitted
// wholesale before escalating to the emergency path.
const closeAttempts = 2

type closeOutcome struct {
	closed decimal.Decimal
	err    error
}

// ClosePosition runs the normal close protocol: both legs are closed
// concurrently with market orders and verified within the verify
// timeout. A leg that closes at least half its size is accepted with a
// warning and a follow-up order for the residual; below that the whole
// close is retried, and an exhausted retry budget escalates to an
// emergency close.
func (c *Coordinator) ClosePosition(ctx context.Context, id, reason string) {
	snap, ok := c.registry.Get(id)
	if !ok {
		return
	}
	if err := c.registry.MarkClosing(id, reason); err != nil {
		c.log.Warn("close rejected by state machine", zap.String("position", id), zap.Error(err))
		return
	}
	c.log.Info("closing position",
		zap.String("position", id), zap.String("token", snap.Token), zap.String("reason", reason))

	remainingLong := snap.LegLong.FilledAmount
	remainingShort := snap.LegShort.FilledAmount
	for attempt := 1; attempt <= closeAttempts; attempt++ {
		var err error
		remainingLong, remainingShort, err = c.closeBothLegs(ctx, snap, remainingLong, remainingShort)
		if err != nil {
			c.log.Warn("close attempt failed",
				zap.String("position", id), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if remainingLong.IsZero() && remainingShort.IsZero() {
			c.finishClose(ctx, id, reason)
			return
		}

		// Accept a residual only when both legs got at least the
		// required fraction done; otherwise retry the whole close.
		if c.residualAcceptable(snap.LegLong.FilledAmount, remainingLong) &&
			c.residualAcceptable(snap.LegShort.FilledAmount, remainingShort) {
			c.log.Warn("close accepted with residual, submitting follow-up orders",
				zap.String("position", id),
				zap.String("residual_long", remainingLong.String()),
				zap.String("residual_short", remainingShort.String()))
			c.submitResiduals(ctx, snap, remainingLong, remainingShort)
			c.finishClose(ctx, id, reason+" (residual follow-up pending)")
			return
		}
	}

	c.met.CloseFailed.Inc()
	c.emergencyClose(ctx, id, "close retries exhausted")
}

// residualAcceptable reports whether the unclosed remainder of a leg is
// small enough to accept: at least half the original size must be done.
func (c *Coordinator) residualAcceptable(original, remaining decimal.Decimal) bool {
	if original.Sign() <= 0 {
		return true
	}
	done := original.Sub(remaining)
	return done.GreaterThanOrEqual(original.Mul(requiredFraction))
}

// closeBothLegs submits a reduce order per leg concurrently and waits
// for both within the verify timeout, returning the remaining unclosed
// amounts.
func (c *Coordinator) closeBothLegs(ctx context.Context, snap position.Snapshot,
	remainingLong, remainingShort decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	deadline := c.now().Add(c.cfg.VerifyTimeout)

	var wg sync.WaitGroup
	var outLong, outShort closeOutcome
	wg.Add(2)
	go func() {
		defer wg.Done()
		outLong = c.closeLeg(ctx, snap.Token, snap.LegLong.Venue, gateway.Sell, remainingLong, deadline)
	}()
	go func() {
		defer wg.Done()
		outShort = c.closeLeg(ctx, snap.Token, snap.LegShort.Venue, gateway.Buy, remainingShort, deadline)
	}()
	wg.Wait()

	remainingLong = remainingLong.Sub(outLong.closed)
	remainingShort = remainingShort.Sub(outShort.closed)
	if remainingLong.Sign() < 0 {
		remainingLong = decimal.Decimal{}
	}
	if remainingShort.Sign() < 0 {
		remainingShort = decimal.Decimal{}
	}
	if err := c.registry.UpdateLegFills(snap.ID, remainingLong, remainingShort); err != nil {
		c.log.Warn("leg fill update failed", zap.String("position", snap.ID), zap.Error(err))
	}

	if outLong.err != nil || outShort.err != nil {
		return remainingLong, remainingShort,
			fmt.Errorf("long: %v; short: %v", outLong.err, outShort.err)
	}
	return remainingLong, remainingShort, nil
}

// closeLeg market-closes one leg and reports how much of it actually
// closed.
func (c *Coordinator) closeLeg(ctx context.Context, pair, venueName string, side gateway.Side,
	amount decimal.Decimal, deadline time.Time) closeOutcome {
	if amount.Sign() <= 0 {
		return closeOutcome{}
	}
	orderID, err := c.gw.PlaceOrder(ctx, gateway.OrderRequest{
		Venue: venueName, Pair: pair, Side: side, Amount: amount,
	})
	if err != nil {
		return closeOutcome{err: fmt.Errorf("submit close on %s: %w", venueName, err)}
	}
	st, err := c.awaitOrder(ctx, venueName, orderID, deadline)
	if err != nil {
		return closeOutcome{closed: st.FilledAmount, err: fmt.Errorf("verify close on %s: %w", venueName, err)}
	}
	return closeOutcome{closed: st.FilledAmount}
}

// submitResiduals fires follow-up market orders for accepted residuals.
// Best effort: failures are logged, the close is already accepted.
func (c *Coordinator) submitResiduals(ctx context.Context, snap position.Snapshot,
	remainingLong, remainingShort decimal.Decimal) {
	residuals := []struct {
		venue  string
		side   gateway.Side
		amount decimal.Decimal
	}{
		{snap.LegLong.Venue, gateway.Sell, remainingLong},
		{snap.LegShort.Venue, gateway.Buy, remainingShort},
	}
	for _, r := range residuals {
		if r.amount.Sign() <= 0 {
			continue
		}
		if _, err := c.gw.PlaceOrder(ctx, gateway.OrderRequest{
			Venue: r.venue, Pair: snap.Token, Side: r.side, Amount: r.amount,
		}); err != nil {
			c.log.Warn("residual follow-up order failed",
				zap.String("position", snap.ID), zap.String("venue", r.venue), zap.Error(err))
		}
	}
}

func (c *Coordinator) finishClose(ctx context.Context, id, reason string) {
	if err := c.registry.MarkClosed(id, reason, c.now()); err != nil {
		c.log.Error("mark closed failed", zap.String("position", id), zap.Error(err))
		return
	}
	c.met.PositionsClosed.Inc()
	c.updateGauges()
	c.forgetFunding(id)
	snap := c.archivedSnapshot(id)
	c.log.Info("position closed",
		zap.String("position", id),
		zap.String("reason", reason),
		zap.String("funding_collected", snap.FundingCollected.String()))
	c.notifier.PositionClosed(ctx, snap, reason)
	c.recordTrade(snap)
}

// emergencyClose unwinds whatever exposure a position has, right now,
// under the shorter emergency timeout. It is reachable from every
// non-terminal state. Failure to unwind is fatal for the position and
// surfaced loudly; it is never retried silently.
func (c *Coordinator) emergencyClose(ctx context.Context, id, reason string) {
	snap, ok := c.registry.Get(id)
	if !ok {
		return
	}
	if err := c.registry.MarkEmergency(id, reason); err != nil {
		c.log.Error("mark emergency failed", zap.String("position", id), zap.Error(err))
		return
	}
	c.met.EmergencyCloses.Inc()
	c.log.Warn("emergency close",
		zap.String("position", id), zap.String("token", snap.Token), zap.String("reason", reason))
	c.notifier.EmergencyClose(ctx, snap, reason)
	c.unwind(ctx, snap, reason)
}

// unwind market-closes both legs of a position already marked
// EmergencyClose and finalizes it. Also the resume path for closes
// interrupted by a restart.
func (c *Coordinator) unwind(ctx context.Context, snap position.Snapshot, reason string) {
	id := snap.ID
	ectx, cancel := context.WithTimeout(ctx, c.cfg.EmergencyTimeout)
	defer cancel()

	// Refresh fills from the venues; during validation the registry may
	// not have them yet.
	fillLong := c.currentFill(ectx, snap.LegLong, snap.LegLong.FilledAmount)
	fillShort := c.currentFill(ectx, snap.LegShort, snap.LegShort.FilledAmount)

	if c.thinBook(ectx, snap.Token, snap.LegLong.Venue, gateway.Sell, fillLong) {
		c.log.Warn("unwinding into a thin book",
			zap.String("position", id), zap.String("venue", snap.LegLong.Venue))
	}
	if c.thinBook(ectx, snap.Token, snap.LegShort.Venue, gateway.Buy, fillShort) {
		c.log.Warn("unwinding into a thin book",
			zap.String("position", id), zap.String("venue", snap.LegShort.Venue))
	}

	deadline := c.now().Add(c.cfg.EmergencyTimeout)
	var wg sync.WaitGroup
	var outLong, outShort closeOutcome
	wg.Add(2)
	go func() {
		defer wg.Done()
		outLong = c.closeLeg(ectx, snap.Token, snap.LegLong.Venue, gateway.Sell, fillLong, deadline)
	}()
	go func() {
		defer wg.Done()
		outShort = c.closeLeg(ectx, snap.Token, snap.LegShort.Venue, gateway.Buy, fillShort, deadline)
	}()
	wg.Wait()

	residualLong := fillLong.Sub(outLong.closed)
	residualShort := fillShort.Sub(outShort.closed)
	if outLong.err != nil || outShort.err != nil || residualLong.Sign() > 0 || residualShort.Sign() > 0 {
		c.failPosition(ctx, id, "emergency close could not unwind all exposure",
			fmt.Errorf("long residual %s (%v); short residual %s (%v)",
				residualLong, outLong.err, residualShort, outShort.err))
		c.updateGauges()
		c.forgetFunding(id)
		return
	}

	if err := c.registry.MarkClosed(id, reason, c.now()); err != nil {
		c.log.Error("mark closed failed", zap.String("position", id), zap.Error(err))
		return
	}
	c.updateGauges()
	c.forgetFunding(id)
	c.recordTrade(c.archivedSnapshot(id))
}

// thinBook reports whether the book side an unwind order would consume
// rests less size than the order itself. Unanswerable books are not
// reported thin; the order goes out either way.
func (c *Coordinator) thinBook(ctx context.Context, pair, venueName string, side gateway.Side, amount decimal.Decimal) bool {
	if amount.Sign() <= 0 {
		return false
	}
	depth, err := c.gw.GetOrderBookDepth(ctx, venueName, pair)
	if err != nil {
		return false
	}
	return depth.SideDepth(side).LessThan(amount)
}

// currentFill re-reads a leg's fill from its venue, falling back to the
// registry's last known value when the venue cannot answer.
func (c *Coordinator) currentFill(ctx context.Context, leg position.Leg, known decimal.Decimal) decimal.Decimal {
	if leg.OrderID == "" {
		return known
	}
	st, err := c.gw.GetOrderStatus(ctx, leg.Venue, leg.OrderID)
	if err != nil {
		c.log.Warn("fill refresh failed, using last known",
			zap.String("venue", leg.Venue), zap.String("order", leg.OrderID), zap.Error(err))
		return known
	}
	return st.FilledAmount
}
