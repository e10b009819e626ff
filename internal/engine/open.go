package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/history"
	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/risk"
)

type submitResult struct {
	orderID string
	err     error
}

// openPosition runs the open protocol: register a Pending position,
// submit both legs concurrently, join both outcomes before any state
// transition, then validate fills within the configured timeout. A
// submit-time failure of either leg rolls the sibling back immediately.
func (c *Coordinator) openPosition(ctx context.Context, cand candidate) {
	id := c.registry.Create(cand.token, cand.venueLong, cand.venueShort,
		c.cfg.NotionalUSD, c.cfg.Leverage, cand.breakdown, c.now())

	amountLong := c.cfg.NotionalUSD.Div(cand.midLong)
	amountShort := c.cfg.NotionalUSD.Div(cand.midShort)

	reqLong := gateway.OrderRequest{Venue: cand.venueLong, Pair: cand.token, Side: gateway.Buy, Amount: amountLong}
	reqShort := gateway.OrderRequest{Venue: cand.venueShort, Pair: cand.token, Side: gateway.Sell, Amount: amountShort}

	var wg sync.WaitGroup
	var resLong, resShort submitResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		resLong.orderID, resLong.err = c.gw.PlaceOrder(ctx, reqLong)
	}()
	go func() {
		defer wg.Done()
		resShort.orderID, resShort.err = c.gw.PlaceOrder(ctx, reqShort)
	}()
	wg.Wait()

	if resLong.err != nil || resShort.err != nil {
		c.rollbackOpen(ctx, id, cand, reqLong, reqShort, resLong, resShort)
		return
	}

	if err := c.registry.MarkValidating(id, resLong.orderID, resShort.orderID); err != nil {
		c.log.Error("mark validating failed", zap.String("position", id), zap.Error(err))
		return
	}
	c.validateFills(ctx, id, cand, resLong.orderID, resShort.orderID)
}

// rollbackOpen handles a submit-time failure: the leg that did go
// through is canceled and any partial fill unwound. Both errors are
// logged; neither swallows the other.
func (c *Coordinator) rollbackOpen(ctx context.Context, id string, cand candidate,
	reqLong, reqShort gateway.OrderRequest, resLong, resShort submitResult) {
	c.met.OpenFailed.Inc()
	c.log.Error("leg submission failed, rolling back",
		zap.String("position", id),
		zap.String("token", cand.token),
		zap.NamedError("long_err", resLong.err),
		zap.NamedError("short_err", resShort.err))

	if err := c.registry.MarkEmergency(id, "leg submission failed"); err != nil {
		c.log.Error("mark emergency failed", zap.String("position", id), zap.Error(err))
	}

	unwindFailed := false
	if resLong.err == nil {
		if err := c.unwindSubmittedLeg(ctx, reqLong, resLong.orderID); err != nil {
			unwindFailed = true
			c.log.Error("long leg rollback failed",
				zap.String("position", id), zap.Error(err))
		}
	}
	if resShort.err == nil {
		if err := c.unwindSubmittedLeg(ctx, reqShort, resShort.orderID); err != nil {
			unwindFailed = true
			c.log.Error("short leg rollback failed",
				zap.String("position", id), zap.Error(err))
		}
	}

	if unwindFailed {
		c.failPosition(ctx, id, "rollback could not unwind submitted leg",
			fmt.Errorf("long: %v; short: %v", resLong.err, resShort.err))
		return
	}
	if err := c.registry.MarkClosed(id, "rolled back after failed submission", c.now()); err != nil {
		c.log.Error("mark closed failed", zap.String("position", id), zap.Error(err))
	}
}

// unwindSubmittedLeg cancels an in-flight order and market-closes
// whatever already filled.
func (c *Coordinator) unwindSubmittedLeg(ctx context.Context, req gateway.OrderRequest, orderID string) error {
	ectx, cancel := context.WithTimeout(ctx, c.cfg.EmergencyTimeout)
	defer cancel()

	if err := c.gw.CancelOrder(ectx, req.Venue, orderID); err != nil {
		c.log.Warn("cancel during rollback failed",
			zap.String("venue", req.Venue), zap.String("order", orderID), zap.Error(err))
	}
	st, err := c.gw.GetOrderStatus(ectx, req.Venue, orderID)
	if err != nil {
		return fmt.Errorf("status after cancel: %w", err)
	}
	if st.FilledAmount.Sign() <= 0 {
		return nil
	}
	closeReq := gateway.OrderRequest{
		Venue:  req.Venue,
		Pair:   req.Pair,
		Side:   req.Side.Opposite(),
		Amount: st.FilledAmount,
	}
	if _, err := c.gw.PlaceOrder(ectx, closeReq); err != nil {
		return fmt.Errorf("close partial fill of %s: %w", st.FilledAmount, err)
	}
	return nil
}

// validateFills polls both leg orders until the validation deadline.
// The position activates only when both legs show a non-zero fill and
// the hedge gap is inside the limit; anything else escalates to an
// emergency close. A position is never Active with an unfilled leg.
func (c *Coordinator) validateFills(ctx context.Context, id string, cand candidate, longOrderID, shortOrderID string) {
	deadline := c.now().Add(c.cfg.ValidationTimeout)

	var wg sync.WaitGroup
	var stLong, stShort gateway.OrderStatus
	var errLong, errShort error
	wg.Add(2)
	go func() {
		defer wg.Done()
		stLong, errLong = c.awaitOrder(ctx, cand.venueLong, longOrderID, deadline)
	}()
	go func() {
		defer wg.Done()
		stShort, errShort = c.awaitOrder(ctx, cand.venueShort, shortOrderID, deadline)
	}()
	wg.Wait()

	if errLong != nil || errShort != nil {
		c.log.Warn("fill verification degraded",
			zap.String("position", id),
			zap.NamedError("long_err", errLong),
			zap.NamedError("short_err", errShort))
	}

	longNotional := stLong.FilledAmount.Mul(stLong.AvgFillPrice)
	shortNotional := stShort.FilledAmount.Mul(stShort.AvgFillPrice)
	gap, defined := risk.HedgeGap(longNotional, shortNotional)

	switch {
	case stLong.FilledAmount.Sign() <= 0 || stShort.FilledAmount.Sign() <= 0:
		c.emergencyClose(ctx, id, "leg unfilled within validation timeout")
		return
	case !defined || c.risk.GapExceeded(gap):
		c.emergencyClose(ctx, id, fmt.Sprintf("hedge gap %s beyond limit after fill", gap.Round(4)))
		return
	}

	err := c.registry.MarkActive(id,
		position.Leg{Venue: cand.venueLong, OrderID: longOrderID, FilledAmount: stLong.FilledAmount, AvgFillPrice: stLong.AvgFillPrice},
		position.Leg{Venue: cand.venueShort, OrderID: shortOrderID, FilledAmount: stShort.FilledAmount, AvgFillPrice: stShort.AvgFillPrice},
	)
	if err != nil {
		c.log.Error("activation rejected", zap.String("position", id), zap.Error(err))
		c.emergencyClose(ctx, id, "activation rejected")
		return
	}

	c.met.PositionsOpened.Inc()
	c.updateGauges()
	snap, _ := c.registry.Get(id)
	c.log.Info("position opened",
		zap.String("position", id),
		zap.String("token", cand.token),
		zap.String("long", cand.venueLong),
		zap.String("short", cand.venueShort),
		zap.String("edge", cand.breakdown.TotalEdge.StringFixed(4)),
		zap.String("gap", gap.Round(4).String()))
	c.notifier.PositionOpened(ctx, snap)
}

// failPosition terminates a position whose exposure could not be fully
// unwound. This is the loudest failure mode the engine has.
func (c *Coordinator) failPosition(ctx context.Context, id, reason string, cause error) {
	c.met.CloseFailed.Inc()
	if err := c.registry.MarkFailed(id, reason, c.now()); err != nil {
		c.log.Error("mark failed rejected", zap.String("position", id), zap.Error(err))
	}
	snap := c.archivedSnapshot(id)
	c.log.Error("position failed, manual intervention required",
		zap.String("position", id), zap.String("reason", reason), zap.Error(cause))
	c.notifier.UnwindFailed(ctx, snap, cause)
	c.recordTrade(snap)
}

// archivedSnapshot fetches the terminal snapshot of a position that has
// just left the open set.
func (c *Coordinator) archivedSnapshot(id string) position.Snapshot {
	for _, snap := range c.registry.Archive() {
		if snap.ID == id {
			return snap
		}
	}
	return position.Snapshot{ID: id}
}

func (c *Coordinator) recordTrade(snap position.Snapshot) {
	if snap.ID == "" {
		return
	}
	c.history.EnqueueTrade(history.TradeFromSnapshot(snap))
}

// requiredFraction is shared by close verification: at least this share
// of a close order must fill before the residual is accepted.
var requiredFraction = decimal.RequireFromString("0.5")
