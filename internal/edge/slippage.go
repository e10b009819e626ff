package edge

import (
	"github.com/shopspring/decimal"

	"funding-arb-bot/internal/gateway"
)

var (
	defaultSlippage = decimal.RequireFromString("0.001")
	slippageCap     = decimal.RequireFromString("0.02")
	noDepthPenalty  = decimal.RequireFromString("0.005")

	impactNegligible = decimal.RequireFromString("0.1")
	impactLinearCap  = decimal.RequireFromString("0.5")
)

// EstimateSlippage models the cost of taking liquidity for a given
// notional: half the current spread plus a depth-impact term that grows
// progressively with the share of visible depth consumed. The result is
// a rate, capped at 2%. Books with no usable data fall back to a
// conservative default.
func EstimateSlippage(depth gateway.OrderBookDepth, notional decimal.Decimal) decimal.Decimal {
	bid, okBid := depth.BestBid()
	ask, okAsk := depth.BestAsk()
	if !okBid || !okAsk || bid.Price.IsZero() {
		return defaultSlippage
	}

	mid := bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
	halfSpread := ask.Price.Sub(bid.Price).Div(decimal.NewFromInt(2)).Div(mid)

	available := decimal.Min(quoteDepth(depth.Bids), quoteDepth(depth.Asks))

	var depthSlippage decimal.Decimal
	if available.Sign() <= 0 {
		depthSlippage = noDepthPenalty
	} else {
		impact := notional.Div(available)
		switch {
		case impact.LessThanOrEqual(impactNegligible):
			depthSlippage = impact.Mul(decimal.RequireFromString("0.0001"))
		case impact.LessThanOrEqual(impactLinearCap):
			depthSlippage = decimal.RequireFromString("0.00001").
				Add(impact.Sub(impactNegligible).Mul(decimal.RequireFromString("0.0005")))
		default:
			depthSlippage = decimal.RequireFromString("0.0002").
				Add(impact.Sub(impactLinearCap).Mul(decimal.RequireFromString("0.002")))
		}
	}

	return decimal.Min(halfSpread.Add(depthSlippage), slippageCap)
}

// quoteDepth sums price*amount across levels, giving the side's visible
// depth in quote terms.
func quoteDepth(levels []gateway.BookLevel) decimal.Decimal {
	total := decimal.Decimal{}
	for _, lv := range levels {
		total = total.Add(lv.Price.Mul(lv.Amount))
	}
	return total
}
