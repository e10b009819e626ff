package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingPayment is one settled funding transfer on one leg.
type FundingPayment struct {
	At     time.Time
	Venue  string
	Amount decimal.Decimal
}

// fundingRing is a fixed-capacity ring of funding payments. Old
// entries are overwritten once the ring is full; the running total
// keeps the full lifetime sum regardless.
type fundingRing struct {
	buf   []FundingPayment
	next  int
	count int
	total decimal.Decimal
}

func newFundingRing(capacity int) *fundingRing {
	if capacity <= 0 {
		capacity = 64
	}
	return &fundingRing{buf: make([]FundingPayment, capacity)}
}

func (r *fundingRing) push(p FundingPayment) {
	r.buf[r.next] = p
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.total = r.total.Add(p.Amount)
}

// items returns the retained payments, oldest first.
func (r *fundingRing) items() []FundingPayment {
	out := make([]FundingPayment, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
