package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding-arb-bot/internal/edge"
	"funding-arb-bot/internal/risk"
)

// Registry tracks open positions and a size-bounded archive of closed
// ones. Pending and Validating positions reserve capacity at their
// requested notional so concurrent opens cannot double-spend margin;
// once active, exposure is the filled notional.
type Registry struct {
	mu          sync.RWMutex
	open        map[string]*position
	archive     []Snapshot
	archiveSize int
	fundingCap  int
}

func NewRegistry(archiveSize int) *Registry {
	if archiveSize <= 0 {
		archiveSize = 500
	}
	return &Registry{
		open:        make(map[string]*position),
		archiveSize: archiveSize,
		fundingCap:  64,
	}
}

// Create registers a new Pending position and returns its id.
func (r *Registry) Create(token, venueLong, venueShort string, notional, leverage decimal.Decimal, expected edge.Breakdown, now time.Time) string {
	id := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[id] = &position{
		id:                id,
		token:             token,
		status:            Pending,
		requestedNotional: notional,
		leverage:          leverage,
		legLong:           Leg{Venue: venueLong},
		legShort:          Leg{Venue: venueShort},
		entryAt:           now,
		expectedEdge:      expected,
		funding:           newFundingRing(r.fundingCap),
	}
	return id
}

func (r *Registry) get(id string) (*position, error) {
	p, ok := r.open[id]
	if !ok {
		return nil, fmt.Errorf("position %s not found", id)
	}
	return p, nil
}

func (r *Registry) transition(p *position, to Status, reason string) error {
	if !transitionAllowed(p.status, to) {
		return fmt.Errorf("illegal transition %s -> %s for position %s", p.status, to, p.id)
	}
	p.status = to
	p.statusReason = reason
	return nil
}

// MarkValidating records both submitted order ids and moves the
// position out of Pending.
func (r *Registry) MarkValidating(id, longOrderID, shortOrderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(id)
	if err != nil {
		return err
	}
	p.legLong.OrderID = longOrderID
	p.legShort.OrderID = shortOrderID
	return r.transition(p, Validating, "both legs submitted")
}

// MarkActive admits the position as live exposure. Both fills must be
// non-zero: a position is never Active with an unfilled leg.
func (r *Registry) MarkActive(id string, legLong, legShort Leg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(id)
	if err != nil {
		return err
	}
	if legLong.FilledAmount.Sign() <= 0 || legShort.FilledAmount.Sign() <= 0 {
		return fmt.Errorf("position %s cannot activate with an unfilled leg", id)
	}
	p.legLong.FilledAmount = legLong.FilledAmount
	p.legLong.AvgFillPrice = legLong.AvgFillPrice
	p.legShort.FilledAmount = legShort.FilledAmount
	p.legShort.AvgFillPrice = legShort.AvgFillPrice
	return r.transition(p, Active, "both legs filled")
}

func (r *Registry) MarkClosing(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(id)
	if err != nil {
		return err
	}
	return r.transition(p, Closing, reason)
}

func (r *Registry) MarkEmergency(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(id)
	if err != nil {
		return err
	}
	return r.transition(p, EmergencyClose, reason)
}

// MarkClosed terminates the position and moves it into the archive.
func (r *Registry) MarkClosed(id, reason string, now time.Time) error {
	return r.finalize(id, Closed, reason, now)
}

// MarkFailed terminates a position whose emergency close could not
// fully unwind exposure.
func (r *Registry) MarkFailed(id, reason string, now time.Time) error {
	return r.finalize(id, Failed, reason, now)
}

func (r *Registry) finalize(id string, to Status, reason string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(id)
	if err != nil {
		return err
	}
	if err := r.transition(p, to, reason); err != nil {
		return err
	}
	p.closedAt = now
	delete(r.open, id)
	r.archive = append(r.archive, p.snapshot())
	if len(r.archive) > r.archiveSize {
		r.archive = r.archive[len(r.archive)-r.archiveSize:]
	}
	return nil
}

// Restore reinstalls persisted positions at startup. Terminal
// snapshots land in the archive; everything else rejoins the open set
// under its original id. Funding detail beyond the running total is
// not reconstructed.
func (r *Registry) Restore(snaps []Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range snaps {
		if s.Status.Terminal() {
			r.archive = append(r.archive, s)
			continue
		}
		ring := newFundingRing(r.fundingCap)
		ring.total = s.FundingCollected
		r.open[s.ID] = &position{
			id:                s.ID,
			token:             s.Token,
			status:            s.Status,
			requestedNotional: s.RequestedNotional,
			leverage:          s.Leverage,
			legLong:           s.LegLong,
			legShort:          s.LegShort,
			entryAt:           s.EntryAt,
			closedAt:          s.ClosedAt,
			statusReason:      s.StatusReason,
			expectedEdge:      s.ExpectedEdge,
			funding:           ring,
		}
	}
	if len(r.archive) > r.archiveSize {
		r.archive = r.archive[len(r.archive)-r.archiveSize:]
	}
}

// AddFundingPayment records one settled funding transfer.
func (r *Registry) AddFundingPayment(id string, payment FundingPayment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(id)
	if err != nil {
		return err
	}
	p.funding.push(payment)
	return nil
}

// ReduceFilled scales both legs down by the same factor, used by
// deleveraging partial closes. The factor is the fraction retained.
func (r *Registry) ReduceFilled(id string, retain decimal.Decimal) error {
	if retain.Sign() <= 0 || retain.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("retain factor %s outside (0, 1]", retain)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(id)
	if err != nil {
		return err
	}
	if p.status != Active {
		return fmt.Errorf("position %s is %s, only active positions can be reduced", id, p.status)
	}
	p.legLong.FilledAmount = p.legLong.FilledAmount.Mul(retain)
	p.legShort.FilledAmount = p.legShort.FilledAmount.Mul(retain)
	p.requestedNotional = p.requestedNotional.Mul(retain)
	return nil
}

// UpdateLegFills overwrites the current fill state of both legs, used
// while draining a close.
func (r *Registry) UpdateLegFills(id string, longFilled, shortFilled decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.get(id)
	if err != nil {
		return err
	}
	p.legLong.FilledAmount = longFilled
	p.legShort.FilledAmount = shortFilled
	return nil
}

// Get returns a snapshot of one open position.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.open[id]
	if !ok {
		return Snapshot{}, false
	}
	return p.snapshot(), true
}

// Open returns snapshots of all non-terminal positions.
func (r *Registry) Open() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.open))
	for _, p := range r.open {
		out = append(out, p.snapshot())
	}
	return out
}

// Archive returns the retained closed-position history, oldest first.
func (r *Registry) Archive() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, len(r.archive))
	copy(out, r.archive)
	return out
}

// ActiveCount reports how many positions are currently live exposure.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.open {
		if p.status == Active {
			n++
		}
	}
	return n
}

// Exposure implements risk.ExposureSource. Each leg contributes to its
// venue's notional and to the total. Pending and Validating positions
// count at their requested notional (reserved capacity); later states
// count at filled value.
func (r *Registry) Exposure() risk.Exposure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exp := risk.Exposure{
		VenueNotional: make(map[string]decimal.Decimal),
		TokenNotional: make(map[string]decimal.Decimal),
	}
	for _, p := range r.open {
		var longNotional, shortNotional decimal.Decimal
		switch p.status {
		case Pending, Validating:
			longNotional = p.requestedNotional
			shortNotional = p.requestedNotional
		default:
			longNotional = p.legLong.Notional()
			shortNotional = p.legShort.Notional()
		}
		exp.VenueNotional[p.legLong.Venue] = exp.VenueNotional[p.legLong.Venue].Add(longNotional)
		exp.VenueNotional[p.legShort.Venue] = exp.VenueNotional[p.legShort.Venue].Add(shortNotional)
		exp.TokenNotional[p.token] = exp.TokenNotional[p.token].Add(longNotional).Add(shortNotional)
		exp.TotalNotional = exp.TotalNotional.Add(longNotional).Add(shortNotional)
	}
	return exp
}
