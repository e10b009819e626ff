// Package position holds the arbitrage position model and its registry.
// The registry is owned by the execution coordinator: all mutation goes
// through transition methods, every other component sees read-only
// snapshots.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"funding-arb-bot/internal/edge"
)

type Status string

const (
	Pending        Status = "pending"
	Validating     Status = "validating"
	Active         Status = "active"
	Closing        Status = "closing"
	EmergencyClose Status = "emergency_close"
	Closed         Status = "closed"
	Failed         Status = "failed"
)

func (s Status) Terminal() bool {
	return s == Closed || s == Failed
}

// legalTransitions is the full state machine. Emergency close is
// reachable from every non-terminal working state; a failed emergency
// close is the only path into Failed.
var legalTransitions = map[Status][]Status{
	Pending:        {Validating, EmergencyClose},
	Validating:     {Active, EmergencyClose},
	Active:         {Closing, EmergencyClose},
	Closing:        {Closed, EmergencyClose},
	EmergencyClose: {Closed, Failed},
}

func transitionAllowed(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Leg is one side of the hedge.
type Leg struct {
	Venue        string
	OrderID      string
	FilledAmount decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// Notional is the filled value of the leg in quote terms.
func (l Leg) Notional() decimal.Decimal {
	return l.FilledAmount.Mul(l.AvgFillPrice)
}

type position struct {
	id                string
	token             string
	status            Status
	requestedNotional decimal.Decimal
	leverage          decimal.Decimal
	legLong           Leg
	legShort          Leg
	entryAt           time.Time
	closedAt          time.Time
	statusReason      string
	expectedEdge      edge.Breakdown
	funding           *fundingRing
}

// Snapshot is an immutable copy handed to risk, margin, and
// reconciliation checks.
type Snapshot struct {
	ID                string
	Token             string
	Status            Status
	RequestedNotional decimal.Decimal
	Leverage          decimal.Decimal
	LegLong           Leg
	LegShort          Leg
	EntryAt           time.Time
	ClosedAt          time.Time
	StatusReason      string
	ExpectedEdge      edge.Breakdown
	FundingCollected  decimal.Decimal
	FundingPayments   []FundingPayment
}

// Age is how long the position has been open.
func (s Snapshot) Age(now time.Time) time.Duration {
	if s.EntryAt.IsZero() {
		return 0
	}
	return now.Sub(s.EntryAt)
}

func (p *position) snapshot() Snapshot {
	return Snapshot{
		ID:                p.id,
		Token:             p.token,
		Status:            p.status,
		RequestedNotional: p.requestedNotional,
		Leverage:          p.leverage,
		LegLong:           p.legLong,
		LegShort:          p.legShort,
		EntryAt:           p.entryAt,
		ClosedAt:          p.closedAt,
		StatusReason:      p.statusReason,
		ExpectedEdge:      p.expectedEdge,
		FundingCollected:  p.funding.total,
		FundingPayments:   p.funding.items(),
	}
}
