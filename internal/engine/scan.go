package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-arb-bot/internal/edge"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/history"
	"funding-arb-bot/internal/venue"
)

// candidate is one fully evaluated (token, venue pair) opportunity with
// the market context needed to execute it.
type candidate struct {
	token      string
	venueLong  string
	venueShort string
	breakdown  edge.Breakdown

	midLong    decimal.Decimal
	midShort   decimal.Decimal
	depthLong  decimal.Decimal // quote value the long taker order would consume
	depthShort decimal.Decimal
}

// Scan evaluates every (token, ordered venue pair) combination and
// opens at most one position per token per cycle. All inputs are
// fetched fresh from the venues; nothing is decided on cached data.
func (c *Coordinator) Scan(ctx context.Context) {
	if c.recon.Halted() {
		c.met.ScanSkipsHalted.Inc()
		c.log.Warn("scan skipped, reconciliation halt active")
		return
	}
	for _, token := range c.cfg.Tokens {
		if c.hasOpenPosition(token) {
			continue
		}
		cand, ok := c.bestCandidate(ctx, token)
		if !ok {
			c.met.ScanSkipsEdge.Inc()
			continue
		}
		if allowed, reason := c.sched.SafeWindowToOpen([]string{cand.venueLong, cand.venueShort}, c.now()); !allowed {
			c.met.ScanSkipsSchedule.Inc()
			c.log.Info("opportunity skipped on settlement timing",
				zap.String("token", token), zap.String("reason", reason))
			continue
		}
		if pass, reason := c.admit(ctx, cand); !pass {
			c.log.Info("opportunity skipped on risk",
				zap.String("token", token), zap.String("reason", reason))
			continue
		}
		c.openPosition(ctx, cand)
	}
	c.updateGauges()
}

func (c *Coordinator) hasOpenPosition(token string) bool {
	for _, snap := range c.registry.Open() {
		if snap.Token == token {
			return true
		}
	}
	return false
}

// bestCandidate evaluates all ordered venue pairs for one token and
// returns the profitable candidate with the widest edge.
func (c *Coordinator) bestCandidate(ctx context.Context, token string) (candidate, bool) {
	var best candidate
	found := false
	for _, long := range c.cfg.Venues {
		for _, short := range c.cfg.Venues {
			if long == short {
				continue
			}
			cand, err := c.evaluatePair(ctx, token, long, short)
			if err != nil {
				c.log.Debug("pair evaluation skipped",
					zap.String("token", token), zap.String("long", long),
					zap.String("short", short), zap.Error(err))
				continue
			}
			c.tracker.Add(cand.breakdown)
			if !cand.breakdown.IsProfitable {
				continue
			}
			if !found || cand.breakdown.TotalEdge.GreaterThan(best.breakdown.TotalEdge) {
				best = cand
				found = true
			}
		}
	}
	return best, found
}

// evaluatePair fetches fresh funding and depth data for one venue pair
// and runs the edge decomposition.
func (c *Coordinator) evaluatePair(ctx context.Context, token, venueLong, venueShort string) (candidate, error) {
	fundLong, err := c.gw.GetFundingInfo(ctx, venueLong, token)
	if err != nil {
		return candidate{}, fmt.Errorf("funding info %s: %w", venueLong, err)
	}
	fundShort, err := c.gw.GetFundingInfo(ctx, venueShort, token)
	if err != nil {
		return candidate{}, fmt.Errorf("funding info %s: %w", venueShort, err)
	}
	depthLong, err := c.gw.GetOrderBookDepth(ctx, venueLong, token)
	if err != nil {
		return candidate{}, fmt.Errorf("order book %s: %w", venueLong, err)
	}
	depthShort, err := c.gw.GetOrderBookDepth(ctx, venueShort, token)
	if err != nil {
		return candidate{}, fmt.Errorf("order book %s: %w", venueShort, err)
	}
	midLong, ok := depthLong.MidPrice()
	if !ok {
		return candidate{}, gateway.Stale("no book midpoint on %s", venueLong)
	}
	midShort, ok := depthShort.MidPrice()
	if !ok {
		return candidate{}, gateway.Stale("no book midpoint on %s", venueShort)
	}

	capsLong, _ := venue.Lookup(venueLong)
	capsShort, _ := venue.Lookup(venueShort)
	base, _, _ := venue.SplitPair(token)
	class := venue.Classify(base)

	now := c.now()
	c.history.EnqueueFundingSample(history.FundingSample{
		Time: now, Token: token, Venue: venueLong,
		Rate: fundLong.Rate.InexactFloat64(), NextSettlement: fundLong.NextSettlement,
	})
	c.history.EnqueueFundingSample(history.FundingSample{
		Time: now, Token: token, Venue: venueShort,
		Rate: fundShort.Rate.InexactFloat64(), NextSettlement: fundShort.NextSettlement,
	})

	inputs := edge.Inputs{
		Token:            token,
		VenueLong:        venueLong,
		VenueShort:       venueShort,
		FundingRateLong:  fundLong.Rate,
		FundingRateShort: fundShort.Rate,
		CadenceLong:      capsLong.Cadence(),
		CadenceShort:     capsShort.Cadence(),
		Notional:         c.cfg.NotionalUSD,
		FeeRateLong:      capsLong.TakerFee(class),
		FeeRateShort:     capsShort.TakerFee(class),
		BorrowRate:       c.cfg.BorrowRateHourly,
		SlippageLong:     edge.EstimateSlippage(depthLong, c.cfg.NotionalUSD),
		SlippageShort:    edge.EstimateSlippage(depthShort, c.cfg.NotionalUSD),
		LeverageLong:     c.cfg.Leverage,
		LeverageShort:    c.cfg.Leverage,
		MinEdgeRequired:  c.cfg.MinEdgeUSD,
	}
	return candidate{
		token:      token,
		venueLong:  venueLong,
		venueShort: venueShort,
		breakdown:  c.calc.Evaluate(inputs, now),
		midLong:    midLong,
		midShort:   midShort,
		depthLong:  quoteDepthOf(depthLong, gateway.Buy),
		depthShort: quoteDepthOf(depthShort, gateway.Sell),
	}, nil
}

// admit runs the risk gates for a candidate: limit admission on both
// venues, liquidity impact on both books, and free margin on both
// accounts. Each gate feeds its own skip counter.
func (c *Coordinator) admit(ctx context.Context, cand candidate) (bool, string) {
	for _, v := range []string{cand.venueLong, cand.venueShort} {
		allowed, issues, level := c.risk.CheckAdmission(v, cand.token, c.cfg.NotionalUSD, c.cfg.Leverage)
		if !allowed {
			c.met.ScanSkipsRisk.Inc()
			return false, fmt.Sprintf("admission on %s (%s): %v", v, level, issues)
		}
	}
	for _, side := range []struct {
		venue string
		depth decimal.Decimal
	}{
		{cand.venueLong, cand.depthLong},
		{cand.venueShort, cand.depthShort},
	} {
		if allowed, reason, _ := c.risk.CheckLiquidity(side.depth, c.cfg.NotionalUSD); !allowed {
			c.met.ScanSkipsSlippage.Inc()
			return false, fmt.Sprintf("liquidity on %s: %s", side.venue, reason)
		}
	}
	_, quote, ok := venue.SplitPair(cand.token)
	if !ok {
		c.met.ScanSkipsRisk.Inc()
		return false, fmt.Sprintf("unparseable pair %q", cand.token)
	}
	required := c.cfg.NotionalUSD.Div(decimal.Max(c.cfg.Leverage, decimal.NewFromInt(1)))
	for _, v := range []string{cand.venueLong, cand.venueShort} {
		balance, err := c.gw.GetBalance(ctx, v, quote)
		if err != nil {
			c.met.ScanSkipsBalance.Inc()
			return false, fmt.Sprintf("balance on %s unavailable: %v", v, err)
		}
		if balance.LessThan(required) {
			c.met.ScanSkipsBalance.Inc()
			return false, fmt.Sprintf("insufficient balance on %s: %s available, %s required",
				v, balance, required)
		}
	}
	return true, ""
}
