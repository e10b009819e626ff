// Package edge decomposes the expected profitability of a funding
// arbitrage opportunity into its components: funding pnl, trading fees,
// borrow cost, and a slippage buffer.
package edge

import (
	"time"

	"github.com/shopspring/decimal"
)

// Inputs carries one opportunity evaluation. Funding rates are per
// settlement interval as quoted by each venue; Cadence converts them to
// a common basis. Fee and slippage fields are rates, not amounts.
type Inputs struct {
	Token      string
	VenueLong  string
	VenueShort string

	FundingRateLong  decimal.Decimal
	FundingRateShort decimal.Decimal
	CadenceLong      time.Duration
	CadenceShort     time.Duration

	Notional      decimal.Decimal
	FeeRateLong   decimal.Decimal
	FeeRateShort  decimal.Decimal
	BorrowRate    decimal.Decimal // per hour
	SlippageLong  decimal.Decimal
	SlippageShort decimal.Decimal
	LeverageLong  decimal.Decimal
	LeverageShort decimal.Decimal

	MinEdgeRequired decimal.Decimal
}

// Breakdown is the result of one evaluation. Invariant:
// TotalEdge = ExpectedFundingPnl - FeesOpen - FeesClose - BorrowCost - SlippageBuffer.
type Breakdown struct {
	Token      string
	VenueLong  string
	VenueShort string
	At         time.Time

	FundingDiffPerHour decimal.Decimal
	HorizonHours       decimal.Decimal
	ExpectedFundingPnl decimal.Decimal
	FeesOpen           decimal.Decimal
	FeesClose          decimal.Decimal
	BorrowCost         decimal.Decimal
	SlippageBuffer     decimal.Decimal

	TotalEdge       decimal.Decimal
	MinEdgeRequired decimal.Decimal
	IsProfitable    bool
	Reason          string
}

// EdgeMargin is how far above (or below) the minimum required edge this
// opportunity sits.
func (b Breakdown) EdgeMargin() decimal.Decimal {
	return b.TotalEdge.Sub(b.MinEdgeRequired)
}

type Calculator struct{}

func NewCalculator() *Calculator {
	return &Calculator{}
}

var one = decimal.NewFromInt(1)

func hoursOf(d time.Duration) decimal.Decimal {
	if d <= 0 {
		d = 8 * time.Hour
	}
	return decimal.NewFromFloat(d.Hours())
}

// Evaluate produces the full decomposition. A non-positive funding-rate
// differential rejects immediately, before any fee or slippage work:
// entering a negative-carry hedge is never allowed, no matter how cheap
// the fees are.
func (c *Calculator) Evaluate(in Inputs, now time.Time) Breakdown {
	hoursLong := hoursOf(in.CadenceLong)
	hoursShort := hoursOf(in.CadenceShort)

	ratePerHourLong := in.FundingRateLong.Div(hoursLong)
	ratePerHourShort := in.FundingRateShort.Div(hoursShort)
	diffPerHour := ratePerHourShort.Sub(ratePerHourLong)

	// The horizon both venues are guaranteed to pay within.
	horizon := decimal.Min(hoursLong, hoursShort)

	b := Breakdown{
		Token:              in.Token,
		VenueLong:          in.VenueLong,
		VenueShort:         in.VenueShort,
		At:                 now,
		FundingDiffPerHour: diffPerHour,
		HorizonHours:       horizon,
		MinEdgeRequired:    in.MinEdgeRequired,
	}

	if diffPerHour.Sign() <= 0 {
		b.Reason = "non-positive funding differential"
		return b
	}

	b.ExpectedFundingPnl = diffPerHour.Mul(horizon).Mul(in.Notional)

	feeBoth := in.FeeRateLong.Add(in.FeeRateShort)
	b.FeesOpen = in.Notional.Mul(feeBoth)
	b.FeesClose = in.Notional.Mul(feeBoth)

	b.BorrowCost = borrowCost(in.Notional, in.LeverageLong, in.BorrowRate, horizon).
		Add(borrowCost(in.Notional, in.LeverageShort, in.BorrowRate, horizon))

	b.SlippageBuffer = in.Notional.Mul(in.SlippageLong.Add(in.SlippageShort))

	b.TotalEdge = b.ExpectedFundingPnl.
		Sub(b.FeesOpen).
		Sub(b.FeesClose).
		Sub(b.BorrowCost).
		Sub(b.SlippageBuffer)

	if b.TotalEdge.GreaterThanOrEqual(in.MinEdgeRequired) {
		b.IsProfitable = true
	} else {
		b.Reason = "edge below minimum required"
	}
	return b
}

// borrowCost models the hourly cost of the borrowed fraction of a
// leveraged leg. Unlevered legs borrow nothing.
func borrowCost(notional, leverage, ratePerHour, horizonHours decimal.Decimal) decimal.Decimal {
	if leverage.LessThanOrEqual(one) {
		return decimal.Decimal{}
	}
	borrowed := notional.Mul(leverage.Sub(one)).Div(leverage)
	return borrowed.Mul(ratePerHour).Mul(horizonHours)
}
