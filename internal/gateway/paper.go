package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	paperDefaultPrice   = decimal.NewFromInt(1000)
	paperDefaultRate    = decimal.RequireFromString("0.0001")
	paperDefaultBalance = decimal.NewFromInt(1000000)
	paperSpread         = decimal.RequireFromString("0.0005")
	paperLevels         = 3
)

type paperBook struct {
	venue string
	pair  string
}

// Paper is an in-memory venue simulator for dry runs. Market orders
// fill immediately and fully at the book midpoint, books are
// synthesized around a settable mark price, and funding rates are
// static until changed. Net exposure per venue and pair is tracked so
// reconciliation sees consistent ground truth.
type Paper struct {
	mu      sync.Mutex
	prices  map[string]decimal.Decimal // token -> mark price
	rates   map[string]decimal.Decimal // venue -> funding rate per interval
	balance decimal.Decimal
	orders  map[string]OrderStatus
	net     map[paperBook]decimal.Decimal // signed base amount, buys positive
	seq     int
	now     func() time.Time
}

func NewPaper() *Paper {
	return &Paper{
		prices:  make(map[string]decimal.Decimal),
		rates:   make(map[string]decimal.Decimal),
		balance: paperDefaultBalance,
		orders:  make(map[string]OrderStatus),
		net:     make(map[paperBook]decimal.Decimal),
		now:     time.Now,
	}
}

func (p *Paper) SetMarkPrice(token string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[token] = price
}

func (p *Paper) SetFundingRate(venueName string, rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[venueName] = rate
}

func (p *Paper) markPrice(pair string) decimal.Decimal {
	if price, ok := p.prices[pair]; ok && price.Sign() > 0 {
		return price
	}
	return paperDefaultPrice
}

func (p *Paper) PlaceOrder(_ context.Context, req OrderRequest) (string, error) {
	if req.Amount.Sign() <= 0 {
		return "", Rejected("order amount must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("paper-%s-%d", req.Venue, p.seq)
	price := p.markPrice(req.Pair)
	p.orders[id] = OrderStatus{
		OrderID:      id,
		State:        OrderFilled,
		FilledAmount: req.Amount,
		AvgFillPrice: price,
	}
	key := paperBook{venue: req.Venue, pair: req.Pair}
	if req.Side == Buy {
		p.net[key] = p.net[key].Add(req.Amount)
	} else {
		p.net[key] = p.net[key].Sub(req.Amount)
	}
	return id, nil
}

func (p *Paper) CancelOrder(_ context.Context, _, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[orderID]; !ok {
		return Stale("unknown order %s", orderID)
	}
	// Paper fills are instant; there is never anything left to cancel.
	return nil
}

func (p *Paper) GetOrderStatus(_ context.Context, _, orderID string) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.orders[orderID]
	if !ok {
		return OrderStatus{}, Stale("unknown order %s", orderID)
	}
	return st, nil
}

func (p *Paper) GetBalance(_ context.Context, _, _ string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *Paper) GetFundingInfo(_ context.Context, venueName, _ string) (FundingInfo, error) {
	p.mu.Lock()
	rate, ok := p.rates[venueName]
	now := p.now().UTC()
	p.mu.Unlock()
	if !ok {
		rate = paperDefaultRate
	}
	next := now.Truncate(8 * time.Hour).Add(8 * time.Hour)
	return FundingInfo{Rate: rate, NextSettlement: next}, nil
}

func (p *Paper) GetOrderBookDepth(_ context.Context, _, pair string) (OrderBookDepth, error) {
	p.mu.Lock()
	mark := p.markPrice(pair)
	p.mu.Unlock()

	half := mark.Mul(paperSpread)
	levelAmount := paperDefaultBalance.Div(mark)
	var depth OrderBookDepth
	for i := 1; i <= paperLevels; i++ {
		step := half.Mul(decimal.NewFromInt(int64(i)))
		depth.Bids = append(depth.Bids, BookLevel{Price: mark.Sub(step), Amount: levelAmount})
		depth.Asks = append(depth.Asks, BookLevel{Price: mark.Add(step), Amount: levelAmount})
	}
	return depth, nil
}

func (p *Paper) GetPositions(_ context.Context, venueName string) ([]VenuePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []VenuePosition
	for key, amount := range p.net {
		if key.venue != venueName || amount.IsZero() {
			continue
		}
		mark := p.markPrice(key.pair)
		vp := VenuePosition{
			Venue:       key.venue,
			Pair:        key.pair,
			Amount:      amount.Abs(),
			Notional:    amount.Abs().Mul(mark),
			MarginRatio: decimal.NewFromInt(3),
			MarkPrice:   mark,
		}
		if amount.Sign() > 0 {
			vp.Side = Buy
		} else {
			vp.Side = Sell
		}
		out = append(out, vp)
	}
	return out, nil
}
