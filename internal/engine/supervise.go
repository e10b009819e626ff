package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/margin"
	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/risk"
	"funding-arb-bot/internal/venue"
)

// CheckHedges revalidates the hedge gap of every active position. Gap
// drift beyond the limit, or an undefined gap (one leg gone), goes
// straight to the emergency path; this check never waits for the next
// scan.
func (c *Coordinator) CheckHedges(ctx context.Context) {
	maxGap := decimal.Decimal{}
	for _, snap := range c.registry.Open() {
		if snap.Status != position.Active {
			continue
		}
		gap, defined := risk.HedgeGap(snap.LegLong.Notional(), snap.LegShort.Notional())
		switch {
		case !defined:
			c.emergencyClose(ctx, snap.ID, "one leg has no notional, hedge is broken")
		case c.risk.GapExceeded(gap):
			c.emergencyClose(ctx, snap.ID, fmt.Sprintf("hedge gap drifted to %s", gap.Round(4)))
		default:
			maxGap = decimal.Max(maxGap, gap)
		}
	}
	c.met.HedgeGapMax.Set(maxGap.InexactFloat64())
}

// SuperviseActive runs the close triggers for every active position:
// funding accrual, take-profit, funding-reversal stop, and
// scheduler-forced close into an adverse settlement.
func (c *Coordinator) SuperviseActive(ctx context.Context) {
	unrealized := decimal.Decimal{}
	for _, snap := range c.registry.Open() {
		if snap.Status != position.Active {
			continue
		}
		if pnl, stillOpen := c.superviseOne(ctx, snap); stillOpen {
			unrealized = unrealized.Add(pnl)
		}
	}
	c.met.UnrealizedPnL.Set(unrealized.InexactFloat64())
	c.updateGauges()
}

// superviseOne runs the close triggers for one position. It reports the
// position's current unrealized profit and whether it stayed open.
func (c *Coordinator) superviseOne(ctx context.Context, snap position.Snapshot) (decimal.Decimal, bool) {
	fundLong, errLong := c.gw.GetFundingInfo(ctx, snap.LegLong.Venue, snap.Token)
	fundShort, errShort := c.gw.GetFundingInfo(ctx, snap.LegShort.Venue, snap.Token)
	if errLong != nil || errShort != nil {
		// Stale funding data skips this cycle's triggers; never treat
		// missing data as zero.
		c.log.Warn("funding refresh failed, supervision skipped this cycle",
			zap.String("position", snap.ID),
			zap.NamedError("long_err", errLong),
			zap.NamedError("short_err", errShort))
		return decimal.Decimal{}, false
	}

	c.accrueFunding(snap, fundLong.Rate, fundShort.Rate)
	// Re-read: accrual may have moved the collected total.
	snap, ok := c.registry.Get(snap.ID)
	if !ok {
		return decimal.Decimal{}, false
	}

	// Take-profit weighs collected funding plus the legs' mark-to-market
	// value; funding alone understates a position whose entry prices
	// already locked in basis.
	profit := snap.FundingCollected
	if mtm, priced := c.markToMarket(ctx, snap); priced {
		profit = profit.Add(mtm)
	}
	if c.cfg.TargetProfitUSD.Sign() > 0 && profit.GreaterThanOrEqual(c.cfg.TargetProfitUSD) {
		c.ClosePosition(ctx, snap.ID, "take profit reached")
		return profit, false
	}

	diffPerHour := perHourDiff(fundLong.Rate, fundShort.Rate, snap.LegLong.Venue, snap.LegShort.Venue)
	if diffPerHour.LessThanOrEqual(c.cfg.StopFundingDiff) {
		c.ClosePosition(ctx, snap.ID, fmt.Sprintf("funding differential reversed to %s/h", diffPerHour))
		return profit, false
	}

	venues := []string{snap.LegLong.Venue, snap.LegShort.Venue}
	shouldClose, reason := c.sched.SafeWindowToClose(venues, snap.Age(c.now()), c.cfg.MinHoldTime, false, c.now())
	if shouldClose && diffPerHour.Sign() <= 0 {
		c.ClosePosition(ctx, snap.ID, "negative carry into settlement: "+reason)
		return profit, false
	}
	return profit, true
}

// markToMarket values both legs against the current mark price. The
// feed price wins; a book midpoint from the long venue is the fallback.
// priced is false when no price source can answer.
func (c *Coordinator) markToMarket(ctx context.Context, snap position.Snapshot) (decimal.Decimal, bool) {
	var venueReported decimal.Decimal
	if depth, err := c.gw.GetOrderBookDepth(ctx, snap.LegLong.Venue, snap.Token); err == nil {
		if mid, ok := depth.MidPrice(); ok {
			venueReported = mid
		}
	}
	mark, ok := c.markPrice(snap.Token, venueReported)
	if !ok {
		return decimal.Decimal{}, false
	}
	pnlLong := mark.Sub(snap.LegLong.AvgFillPrice).Mul(snap.LegLong.FilledAmount)
	pnlShort := snap.LegShort.AvgFillPrice.Sub(mark).Mul(snap.LegShort.FilledAmount)
	return pnlLong.Add(pnlShort), true
}

// perHourDiff normalizes both venues' per-interval rates to a common
// hourly basis before comparing.
func perHourDiff(rateLong, rateShort decimal.Decimal, venueLong, venueShort string) decimal.Decimal {
	capsLong, _ := venue.Lookup(venueLong)
	capsShort, _ := venue.Lookup(venueShort)
	perHourLong := rateLong.Div(decimal.NewFromFloat(capsLong.Cadence().Hours()))
	perHourShort := rateShort.Div(decimal.NewFromFloat(capsShort.Cadence().Hours()))
	return perHourShort.Sub(perHourLong)
}

// accrueFunding credits estimated funding payments for settlements that
// passed since the last supervision cycle. The short leg receives the
// rate, the long leg pays it; venues expose no payment ledger through
// the gateway, so the current rate is the estimate.
func (c *Coordinator) accrueFunding(snap position.Snapshot, rateLong, rateShort decimal.Decimal) {
	now := c.now()
	c.fundingMu.Lock()
	last, seen := c.lastFunding[snap.ID]
	c.lastFunding[snap.ID] = now
	c.fundingMu.Unlock()
	if !seen {
		last = snap.EntryAt
	}

	legs := []struct {
		venue  string
		amount decimal.Decimal
	}{
		{snap.LegShort.Venue, rateShort.Mul(snap.LegShort.Notional())},
		{snap.LegLong.Venue, rateLong.Mul(snap.LegLong.Notional()).Neg()},
	}
	for _, leg := range legs {
		settled := c.sched.LastSettlement(leg.venue, now)
		if settled.IsZero() || !settled.After(last) {
			continue
		}
		if err := c.registry.AddFundingPayment(snap.ID, position.FundingPayment{
			At:     settled,
			Venue:  leg.venue,
			Amount: leg.amount,
		}); err != nil {
			c.log.Warn("funding accrual failed", zap.String("position", snap.ID), zap.Error(err))
		}
	}
}

func (c *Coordinator) forgetFunding(id string) {
	c.fundingMu.Lock()
	delete(c.lastFunding, id)
	c.fundingMu.Unlock()
}

// CheckMargins reads back venue positions and deleverages any leg that
// breaches the margin model. One venue read serves all positions on
// that venue.
func (c *Coordinator) CheckMargins(ctx context.Context) {
	active := make([]position.Snapshot, 0)
	venues := make(map[string]bool)
	for _, snap := range c.registry.Open() {
		if snap.Status != position.Active {
			continue
		}
		active = append(active, snap)
		venues[snap.LegLong.Venue] = true
		venues[snap.LegShort.Venue] = true
	}
	if len(active) == 0 {
		return
	}

	type key struct {
		venue string
		pair  string
		side  gateway.Side
	}
	ground := make(map[key]gateway.VenuePosition)
	for v := range venues {
		got, err := c.gw.GetPositions(ctx, v)
		if err != nil {
			c.log.Warn("margin check skipped venue", zap.String("venue", v), zap.Error(err))
			continue
		}
		for _, vp := range got {
			ground[key{v, vp.Pair, vp.Side}] = vp
		}
	}

	worstRatio := decimal.Decimal{}
	ratioSeen := false
	for _, snap := range active {
		legs := []struct {
			leg  position.Leg
			side gateway.Side
		}{
			{snap.LegLong, gateway.Buy},
			{snap.LegShort, gateway.Sell},
		}
		for _, l := range legs {
			vp, ok := ground[key{l.leg.Venue, snap.Token, l.side}]
			if !ok {
				continue
			}
			if vp.MarginRatio.Sign() > 0 && (!ratioSeen || vp.MarginRatio.LessThan(worstRatio)) {
				worstRatio = vp.MarginRatio
				ratioSeen = true
			}
			mark, _ := c.markPrice(snap.Token, vp.MarkPrice)
			state := margin.LegState{
				Venue:            l.leg.Venue,
				Symbol:           snap.Token,
				Side:             l.side,
				Notional:         l.leg.Notional(),
				CurrentLeverage:  snap.Leverage,
				MarginRatio:      vp.MarginRatio,
				MarkPrice:        mark,
				LiquidationPrice: vp.LiquidationPrice,
			}
			if need, target := c.margin.NeedsDeleverage(state); need {
				c.deleverage(ctx, snap, l.leg.Venue, target)
				break // one deleverage per position per cycle
			}
		}
	}
	if ratioSeen {
		c.met.MarginRatioMin.Set(worstRatio.InexactFloat64())
	}
}

// deleverage partially closes both legs simultaneously so the retained
// notional brings leverage down to the target. Registry exposure and
// leg fills update only after both reduce orders verify.
func (c *Coordinator) deleverage(ctx context.Context, snap position.Snapshot, triggerVenue string, target decimal.Decimal) {
	if target.Sign() <= 0 || snap.Leverage.Sign() <= 0 {
		return
	}
	retain := target.Div(snap.Leverage)
	if retain.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return
	}
	reduceFraction := decimal.NewFromInt(1).Sub(retain)
	reduceLong := snap.LegLong.FilledAmount.Mul(reduceFraction)
	reduceShort := snap.LegShort.FilledAmount.Mul(reduceFraction)

	c.log.Info("deleveraging position",
		zap.String("position", snap.ID),
		zap.String("venue", triggerVenue),
		zap.String("from", snap.Leverage.String()),
		zap.String("to", target.String()))

	deadline := c.now().Add(c.cfg.VerifyTimeout)
	var wg sync.WaitGroup
	var outLong, outShort closeOutcome
	wg.Add(2)
	go func() {
		defer wg.Done()
		outLong = c.closeLeg(ctx, snap.Token, snap.LegLong.Venue, gateway.Sell, reduceLong, deadline)
	}()
	go func() {
		defer wg.Done()
		outShort = c.closeLeg(ctx, snap.Token, snap.LegShort.Venue, gateway.Buy, reduceShort, deadline)
	}()
	wg.Wait()

	if outLong.err != nil || outShort.err != nil {
		c.log.Error("deleverage orders failed, exposure unchanged in registry",
			zap.String("position", snap.ID),
			zap.NamedError("long_err", outLong.err),
			zap.NamedError("short_err", outShort.err))
		return
	}
	if err := c.registry.ReduceFilled(snap.ID, retain); err != nil {
		c.log.Error("deleverage bookkeeping failed", zap.String("position", snap.ID), zap.Error(err))
		return
	}
	c.met.Deleverages.Inc()
	c.updateGauges()
	c.notifier.DeleverageTriggered(ctx, triggerVenue, snap.Token, snap.Leverage, target)
}

// RunReconciliation runs one reconciliation cycle and raises the halt
// alert the first time the latch flips.
func (c *Coordinator) RunReconciliation(ctx context.Context) {
	found := c.recon.Reconcile(ctx, c.registry.Open())
	for _, d := range found {
		c.met.ReconDiscrepancies.Inc()
		c.log.Warn("reconciliation discrepancy", zap.String("detail", d.String()))
	}
	if c.recon.Halted() && !c.haltAlerted {
		c.haltAlerted = true
		c.met.HaltEngaged.Inc()
		details := make([]string, 0, len(found))
		for _, d := range found {
			details = append(details, d.String())
		}
		c.notifier.ReconciliationHalt(ctx, c.recon.CriticalStreak(), details)
	}
}
