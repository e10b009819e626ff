package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/edge"
	"funding-arb-bot/internal/position"
)

func TestTelegramSendDisabled(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: false}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: true}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if gotPayload["chat_id"] != "123" {
		t.Fatalf("expected chat_id 123, got %q", gotPayload["chat_id"])
	}
	if gotPayload["text"] != "hello" {
		t.Fatalf("expected text hello, got %q", gotPayload["text"])
	}
}

type recordingSender struct {
	messages []string
	err      error
}

func (r *recordingSender) Send(_ context.Context, message string) error {
	r.messages = append(r.messages, message)
	return r.err
}

func sampleSnapshot() position.Snapshot {
	entry := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	return position.Snapshot{
		ID:                "p1",
		Token:             "BTC-USDT",
		Status:            position.Active,
		RequestedNotional: decimal.RequireFromString("10000"),
		Leverage:          decimal.RequireFromString("2"),
		LegLong:           position.Leg{Venue: "binance"},
		LegShort:          position.Leg{Venue: "bybit"},
		EntryAt:           entry,
		ClosedAt:          entry.Add(3 * time.Hour),
		ExpectedEdge:      edge.Breakdown{TotalEdge: decimal.RequireFromString("4.2")},
		FundingCollected:  decimal.RequireFromString("6.5"),
	}
}

func TestNotifierFormatsOpenAndClose(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier(rec, zap.NewNop())

	n.PositionOpened(context.Background(), sampleSnapshot())
	n.PositionClosed(context.Background(), sampleSnapshot(), "take profit")

	if len(rec.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(rec.messages))
	}
	open := rec.messages[0]
	for _, want := range []string{"OPENED BTC-USDT", "long binance / short bybit", "10000.00", "4.2000"} {
		if !strings.Contains(open, want) {
			t.Fatalf("open message missing %q: %s", want, open)
		}
	}
	closed := rec.messages[1]
	for _, want := range []string{"CLOSED BTC-USDT (take profit)", "6.5000", "3h0m0s"} {
		if !strings.Contains(closed, want) {
			t.Fatalf("close message missing %q: %s", want, closed)
		}
	}
}

func TestNotifierHaltTruncatesDetails(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier(rec, zap.NewNop())

	details := []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7"}
	n.ReconciliationHalt(context.Background(), 3, details)

	if len(rec.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(rec.messages))
	}
	msg := rec.messages[0]
	if !strings.Contains(msg, "3 consecutive cycles") {
		t.Fatalf("halt message missing streak: %s", msg)
	}
	if !strings.Contains(msg, "d5") || strings.Contains(msg, "d6") {
		t.Fatalf("expected details capped at 5, got %s", msg)
	}
	if !strings.Contains(msg, "and 2 more") {
		t.Fatalf("expected truncation note, got %s", msg)
	}
}

func TestNotifierSwallowsSendFailure(t *testing.T) {
	rec := &recordingSender{err: context.DeadlineExceeded}
	n := NewNotifier(rec, zap.NewNop())
	// Must not panic or propagate.
	n.DeleverageTriggered(context.Background(), "binance", "BTC-USDT",
		decimal.RequireFromString("5"), decimal.RequireFromString("3"))
	if len(rec.messages) != 1 {
		t.Fatalf("expected attempted delivery, got %d", len(rec.messages))
	}
}
