package history

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/edge"
	"funding-arb-bot/internal/position"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.HistoryConfig{Enabled: false}, zap.NewNop())
	if err != nil {
		t.Fatalf("disabled history must not error: %v", err)
	}
	if w != nil {
		t.Fatalf("disabled history must return a nil writer")
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.HistoryConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("enabled history without dsn must error")
	}
}

func TestNilWriterIsSafe(t *testing.T) {
	var w *Writer
	w.Start(context.Background())
	w.EnqueueFundingSample(FundingSample{})
	w.EnqueueTrade(TradeRecord{})
	if err := w.Close(); err != nil {
		t.Fatalf("nil writer close: %v", err)
	}
}

func TestTradeFromSnapshot(t *testing.T) {
	dec := decimal.RequireFromString
	opened := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	snap := position.Snapshot{
		ID:                "p1",
		Token:             "BTC-USDT",
		Status:            position.Closed,
		RequestedNotional: dec("10000"),
		Leverage:          dec("2"),
		LegLong:           position.Leg{Venue: "binance"},
		LegShort:          position.Leg{Venue: "bybit"},
		EntryAt:           opened,
		ClosedAt:          opened.Add(6 * time.Hour),
		StatusReason:      "take profit",
		ExpectedEdge:      edge.Breakdown{TotalEdge: dec("4.2")},
		FundingCollected:  dec("6.5"),
	}

	got := TradeFromSnapshot(snap)
	if got.PositionID != "p1" || got.VenueLong != "binance" || got.VenueShort != "bybit" {
		t.Fatalf("identity fields lost: %+v", got)
	}
	if got.NotionalUSD != 10000 || got.Leverage != 2 {
		t.Fatalf("size fields lost: %+v", got)
	}
	if got.ExpectedEdgeUSD != 4.2 || got.FundingCollected != 6.5 {
		t.Fatalf("pnl fields lost: %+v", got)
	}
	if got.Status != "closed" || got.CloseReason != "take profit" {
		t.Fatalf("status fields lost: %+v", got)
	}
	if !got.ClosedAt.Equal(opened.Add(6 * time.Hour)) {
		t.Fatalf("close time lost: %v", got.ClosedAt)
	}
}
