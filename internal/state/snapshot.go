package state

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"funding-arb-bot/internal/edge"
	"funding-arb-bot/internal/position"
)

const EngineSnapshotKey = "engine:snapshot"

// LegRecord is the persisted form of one hedge leg. Decimals travel as
// strings so no precision is lost in encoding.
type LegRecord struct {
	Venue        string `msgpack:"venue"`
	OrderID      string `msgpack:"order_id"`
	FilledAmount string `msgpack:"filled_amount"`
	AvgFillPrice string `msgpack:"avg_fill_price"`
}

type PositionRecord struct {
	ID                string    `msgpack:"id"`
	Token             string    `msgpack:"token"`
	Status            string    `msgpack:"status"`
	RequestedNotional string    `msgpack:"requested_notional"`
	Leverage          string    `msgpack:"leverage"`
	LegLong           LegRecord `msgpack:"leg_long"`
	LegShort          LegRecord `msgpack:"leg_short"`
	EntryAtMS         int64     `msgpack:"entry_at_ms"`
	ClosedAtMS        int64     `msgpack:"closed_at_ms"`
	StatusReason      string    `msgpack:"status_reason"`
	ExpectedEdgeTotal string    `msgpack:"expected_edge_total"`
	FundingCollected  string    `msgpack:"funding_collected"`
}

type EngineSnapshot struct {
	SavedAtMS int64            `msgpack:"saved_at_ms"`
	Open      []PositionRecord `msgpack:"open"`
	Archive   []PositionRecord `msgpack:"archive"`
	Halted    bool             `msgpack:"halted"`
}

func legRecord(l position.Leg) LegRecord {
	return LegRecord{
		Venue:        l.Venue,
		OrderID:      l.OrderID,
		FilledAmount: l.FilledAmount.String(),
		AvgFillPrice: l.AvgFillPrice.String(),
	}
}

func (lr LegRecord) leg() (position.Leg, error) {
	filled, err := decimal.NewFromString(lr.FilledAmount)
	if err != nil {
		return position.Leg{}, fmt.Errorf("leg filled amount %q: %w", lr.FilledAmount, err)
	}
	price, err := decimal.NewFromString(lr.AvgFillPrice)
	if err != nil {
		return position.Leg{}, fmt.Errorf("leg fill price %q: %w", lr.AvgFillPrice, err)
	}
	return position.Leg{Venue: lr.Venue, OrderID: lr.OrderID, FilledAmount: filled, AvgFillPrice: price}, nil
}

// RecordFromSnapshot converts a live position snapshot to its
// persisted form.
func RecordFromSnapshot(s position.Snapshot) PositionRecord {
	rec := PositionRecord{
		ID:                s.ID,
		Token:             s.Token,
		Status:            string(s.Status),
		RequestedNotional: s.RequestedNotional.String(),
		Leverage:          s.Leverage.String(),
		LegLong:           legRecord(s.LegLong),
		LegShort:          legRecord(s.LegShort),
		EntryAtMS:         s.EntryAt.UnixMilli(),
		StatusReason:      s.StatusReason,
		ExpectedEdgeTotal: s.ExpectedEdge.TotalEdge.String(),
		FundingCollected:  s.FundingCollected.String(),
	}
	if !s.ClosedAt.IsZero() {
		rec.ClosedAtMS = s.ClosedAt.UnixMilli()
	}
	return rec
}

// Snapshot converts a persisted record back to a position snapshot.
func (r PositionRecord) Snapshot() (position.Snapshot, error) {
	notional, err := decimal.NewFromString(r.RequestedNotional)
	if err != nil {
		return position.Snapshot{}, fmt.Errorf("position %s notional %q: %w", r.ID, r.RequestedNotional, err)
	}
	leverage, err := decimal.NewFromString(r.Leverage)
	if err != nil {
		return position.Snapshot{}, fmt.Errorf("position %s leverage %q: %w", r.ID, r.Leverage, err)
	}
	legLong, err := r.LegLong.leg()
	if err != nil {
		return position.Snapshot{}, fmt.Errorf("position %s long: %w", r.ID, err)
	}
	legShort, err := r.LegShort.leg()
	if err != nil {
		return position.Snapshot{}, fmt.Errorf("position %s short: %w", r.ID, err)
	}
	edgeTotal, err := decimal.NewFromString(r.ExpectedEdgeTotal)
	if err != nil {
		return position.Snapshot{}, fmt.Errorf("position %s edge %q: %w", r.ID, r.ExpectedEdgeTotal, err)
	}
	funding, err := decimal.NewFromString(r.FundingCollected)
	if err != nil {
		return position.Snapshot{}, fmt.Errorf("position %s funding %q: %w", r.ID, r.FundingCollected, err)
	}
	snap := position.Snapshot{
		ID:                r.ID,
		Token:             r.Token,
		Status:            position.Status(r.Status),
		RequestedNotional: notional,
		Leverage:          leverage,
		LegLong:           legLong,
		LegShort:          legShort,
		EntryAt:           time.UnixMilli(r.EntryAtMS).UTC(),
		StatusReason:      r.StatusReason,
		ExpectedEdge:      edge.Breakdown{TotalEdge: edgeTotal},
		FundingCollected:  funding,
	}
	if r.ClosedAtMS != 0 {
		snap.ClosedAt = time.UnixMilli(r.ClosedAtMS).UTC()
	}
	return snap, nil
}

// SaveEngineSnapshot persists the current position book and halt flag.
func SaveEngineSnapshot(ctx context.Context, store Store, open, archive []position.Snapshot, halted bool, now time.Time) error {
	if store == nil {
		return nil
	}
	snap := EngineSnapshot{SavedAtMS: now.UnixMilli(), Halted: halted}
	for _, s := range open {
		snap.Open = append(snap.Open, RecordFromSnapshot(s))
	}
	for _, s := range archive {
		snap.Archive = append(snap.Archive, RecordFromSnapshot(s))
	}
	payload, err := msgpack.Marshal(snap)
	if err != nil {
		return err
	}
	return store.Set(ctx, EngineSnapshotKey, payload)
}

// LoadEngineSnapshot returns the persisted snapshot, if any.
func LoadEngineSnapshot(ctx context.Context, store Store) (EngineSnapshot, bool, error) {
	if store == nil {
		return EngineSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, EngineSnapshotKey)
	if err != nil || !ok {
		return EngineSnapshot{}, false, err
	}
	var snap EngineSnapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return EngineSnapshot{}, false, err
	}
	return snap, true, nil
}

// RestoreRegistry decodes a snapshot's records and installs them into
// the registry. A record that fails to decode is skipped and reported;
// one corrupt row must not discard the rest of the book.
func RestoreRegistry(snap EngineSnapshot, reg *position.Registry) []error {
	var errs []error
	var restored []position.Snapshot
	for _, rec := range append(append([]PositionRecord{}, snap.Archive...), snap.Open...) {
		s, err := rec.Snapshot()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		restored = append(restored, s)
	}
	reg.Restore(restored)
	return errs
}
