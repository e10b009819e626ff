package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-arb-bot/internal/position"
)

// Notifier formats engine events for the operator channel. Every method
// is fire-and-forget: a failed send is logged, never returned.
type Notifier struct {
	sender Sender
	log    *zap.Logger
}

func NewNotifier(sender Sender, log *zap.Logger) *Notifier {
	return &Notifier{sender: sender, log: log}
}

func (n *Notifier) send(ctx context.Context, message string) {
	if err := n.sender.Send(ctx, message); err != nil {
		n.log.Warn("alert delivery failed", zap.Error(err))
	}
}

// PositionOpened announces a freshly activated hedge.
func (n *Notifier) PositionOpened(ctx context.Context, p position.Snapshot) {
	n.send(ctx, fmt.Sprintf(
		"OPENED %s\nlong %s / short %s\nnotional %s USD at %sx\nexpected edge %s USD",
		p.Token, p.LegLong.Venue, p.LegShort.Venue,
		p.RequestedNotional.StringFixed(2), p.Leverage,
		p.ExpectedEdge.TotalEdge.StringFixed(4)))
}

// PositionClosed announces a completed unwind with collected funding.
func (n *Notifier) PositionClosed(ctx context.Context, p position.Snapshot, reason string) {
	n.send(ctx, fmt.Sprintf(
		"CLOSED %s (%s)\nlong %s / short %s\nfunding collected %s USD\nheld %s",
		p.Token, reason, p.LegLong.Venue, p.LegShort.Venue,
		p.FundingCollected.StringFixed(4),
		p.ClosedAt.Sub(p.EntryAt).Round(time.Second)))
}

// EmergencyClose announces an immediate unwind and why it happened.
func (n *Notifier) EmergencyClose(ctx context.Context, p position.Snapshot, reason string) {
	n.send(ctx, fmt.Sprintf(
		"EMERGENCY CLOSE %s\nreason: %s\nlong %s / short %s, notional %s USD",
		p.Token, reason, p.LegLong.Venue, p.LegShort.Venue,
		p.RequestedNotional.StringFixed(2)))
}

// UnwindFailed is the most severe event the engine emits: exposure is
// live and the engine could not remove it.
func (n *Notifier) UnwindFailed(ctx context.Context, p position.Snapshot, err error) {
	n.send(ctx, fmt.Sprintf(
		"UNWIND FAILED %s — MANUAL INTERVENTION REQUIRED\nlong %s / short %s\nerror: %v",
		p.Token, p.LegLong.Venue, p.LegShort.Venue, err))
}

// ReconciliationHalt announces that the discrepancy latch has flipped
// and new opens are blocked.
func (n *Notifier) ReconciliationHalt(ctx context.Context, streak int, details []string) {
	var b strings.Builder
	fmt.Fprintf(&b, "RECONCILIATION HALT\n%d consecutive cycles with critical discrepancies; new opens blocked until operator review", streak)
	for i, d := range details {
		if i >= 5 {
			fmt.Fprintf(&b, "\n… and %d more", len(details)-i)
			break
		}
		b.WriteString("\n")
		b.WriteString(d)
	}
	n.send(ctx, b.String())
}

// DeleverageTriggered announces a forced leverage reduction.
func (n *Notifier) DeleverageTriggered(ctx context.Context, venue, token string, from, to decimal.Decimal) {
	n.send(ctx, fmt.Sprintf(
		"DELEVERAGE %s on %s\nleverage %s -> %s",
		token, venue, from.StringFixed(2), to.StringFixed(2)))
}
