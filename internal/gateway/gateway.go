// Package gateway defines the exchange access contract the engine trades
// through. Venue adapters implement Exchange; the engine only ever sees
// this interface plus the typed error classes in errors.go.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderState string

const (
	OrderOpen            OrderState = "open"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCanceled        OrderState = "canceled"
	OrderRejected        OrderState = "rejected"
)

// OrderRequest describes one leg order. A zero Price means market.
type OrderRequest struct {
	Venue  string
	Pair   string
	Side   Side
	Amount decimal.Decimal
	Price  decimal.Decimal
}

func (r OrderRequest) IsMarket() bool {
	return r.Price.IsZero()
}

type OrderStatus struct {
	OrderID      string
	State        OrderState
	FilledAmount decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// FundingInfo is a venue's current funding rate for a pair and when it
// next settles. Rate is per settlement interval, not annualized.
type FundingInfo struct {
	Rate           decimal.Decimal
	NextSettlement time.Time
}

type BookLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

type OrderBookDepth struct {
	Bids []BookLevel
	Asks []BookLevel
}

// BestBid returns the top bid, or false when the side is empty.
func (d OrderBookDepth) BestBid() (BookLevel, bool) {
	if len(d.Bids) == 0 {
		return BookLevel{}, false
	}
	return d.Bids[0], true
}

func (d OrderBookDepth) BestAsk() (BookLevel, bool) {
	if len(d.Asks) == 0 {
		return BookLevel{}, false
	}
	return d.Asks[0], true
}

// MidPrice returns the book midpoint, or false when either side is empty.
func (d OrderBookDepth) MidPrice() (decimal.Decimal, bool) {
	bid, okBid := d.BestBid()
	ask, okAsk := d.BestAsk()
	if !okBid || !okAsk {
		return decimal.Decimal{}, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// SideDepth sums the resting amount on the side a taker order of the
// given side would consume.
func (d OrderBookDepth) SideDepth(side Side) decimal.Decimal {
	levels := d.Asks
	if side == Sell {
		levels = d.Bids
	}
	total := decimal.Decimal{}
	for _, lv := range levels {
		total = total.Add(lv.Amount)
	}
	return total
}

// VenuePosition is ground truth read back from a venue, used by
// reconciliation and the margin monitor. Margin fields are zero when
// the venue does not report them.
type VenuePosition struct {
	Venue    string
	Pair     string
	Side     Side
	Amount   decimal.Decimal
	Notional decimal.Decimal

	Leverage         decimal.Decimal
	MarginRatio      decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
}

// Exchange is the venue access contract. Every call is fallible and
// honors the context deadline; implementations return the typed errors
// from this package so callers can classify failures.
type Exchange interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, venue, orderID string) error
	GetOrderStatus(ctx context.Context, venue, orderID string) (OrderStatus, error)
	GetBalance(ctx context.Context, venue, asset string) (decimal.Decimal, error)
	GetFundingInfo(ctx context.Context, venue, pair string) (FundingInfo, error)
	GetOrderBookDepth(ctx context.Context, venue, pair string) (OrderBookDepth, error)
	GetPositions(ctx context.Context, venue string) ([]VenuePosition, error)
}
