package engine

import (
	"context"

	"go.uber.org/zap"

	"funding-arb-bot/internal/position"
)

// Recover resumes positions the registry restored in a non-steady
// state, so nothing sits in the open set that no loop will ever touch.
// Pending positions never submitted an order and are closed on the
// spot; Validating positions re-run fill validation from their recorded
// order ids; interrupted closes are unwound immediately. Active
// positions need nothing here, the supervision loops pick them up.
func (c *Coordinator) Recover(ctx context.Context) {
	for _, snap := range c.registry.Open() {
		switch snap.Status {
		case position.Pending:
			c.emergencyClose(ctx, snap.ID, "restored before any leg was submitted")
		case position.Validating:
			c.log.Info("resuming fill validation after restart",
				zap.String("position", snap.ID), zap.String("token", snap.Token))
			cand := candidate{
				token:      snap.Token,
				venueLong:  snap.LegLong.Venue,
				venueShort: snap.LegShort.Venue,
				breakdown:  snap.ExpectedEdge,
			}
			c.validateFills(ctx, snap.ID, cand, snap.LegLong.OrderID, snap.LegShort.OrderID)
		case position.Closing, position.EmergencyClose:
			c.log.Warn("resuming interrupted close after restart",
				zap.String("position", snap.ID), zap.String("token", snap.Token))
			if snap.Status == position.Closing {
				if err := c.registry.MarkEmergency(snap.ID, "close interrupted by restart"); err != nil {
					c.log.Error("mark emergency failed", zap.String("position", snap.ID), zap.Error(err))
					continue
				}
			}
			c.unwind(ctx, snap, "close interrupted by restart")
		}
	}
	c.updateGauges()
}
