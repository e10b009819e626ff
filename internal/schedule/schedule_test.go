package schedule

import (
	"testing"
	"time"
)

var venues = []string{"binance", "bybit"}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

func newTestScheduler() *Scheduler {
	return NewScheduler(30*time.Minute, 24*time.Hour)
}

func TestTimeToNextSettlement(t *testing.T) {
	s := newTestScheduler()
	// Binance settles at 00:00, 08:00, 16:00 UTC.
	got := s.TimeToNextSettlement("binance", at(6, 0))
	if got != 2*time.Hour {
		t.Fatalf("expected 2h to settlement, got %v", got)
	}
	// Wraps past midnight.
	got = s.TimeToNextSettlement("binance", at(17, 0))
	if got != 7*time.Hour {
		t.Fatalf("expected 7h to settlement, got %v", got)
	}
}

func TestSafeWindowToOpenMidWindow(t *testing.T) {
	s := newTestScheduler()
	ok, reason := s.SafeWindowToOpen(venues, at(4, 0))
	if !ok {
		t.Fatalf("expected safe to open mid-window, got %q", reason)
	}
}

func TestSafeWindowToOpenRejectsImminentSettlement(t *testing.T) {
	s := newTestScheduler()
	// 07:58 is inside bybit's 5-minute pre-settlement buffer.
	ok, reason := s.SafeWindowToOpen(venues, at(7, 58))
	if ok {
		t.Fatalf("expected rejection inside pre-settlement buffer")
	}
	if reason != "settlement imminent on at least one venue" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestSafeWindowToOpenRejectsPostSettlement(t *testing.T) {
	s := newTestScheduler()
	// 08:01 is inside the post-settlement delay.
	ok, reason := s.SafeWindowToOpen(venues, at(8, 1))
	if ok {
		t.Fatalf("expected rejection right after settlement, got %q", reason)
	}
}

func TestSafeWindowToOpenRejectsShortHorizon(t *testing.T) {
	s := NewScheduler(2*time.Hour, 24*time.Hour)
	// 07:00 leaves only 1h before the 08:00 settlement.
	ok, reason := s.SafeWindowToOpen(venues, at(7, 0))
	if ok {
		t.Fatalf("expected rejection for short horizon, got %q", reason)
	}
}

func TestSafeWindowToCloseEmergencyOverrides(t *testing.T) {
	s := newTestScheduler()
	ok, _ := s.SafeWindowToClose(venues, time.Minute, 10*time.Minute, true, at(7, 59))
	if !ok {
		t.Fatalf("emergency close must always be allowed")
	}
}

func TestSafeWindowToCloseHoldsYoungPosition(t *testing.T) {
	s := newTestScheduler()
	ok, _ := s.SafeWindowToClose(venues, 2*time.Minute, 10*time.Minute, false, at(4, 0))
	if ok {
		t.Fatalf("young position outside closing window must be held")
	}
}

func TestSafeWindowToCloseForcedWhenImminent(t *testing.T) {
	s := newTestScheduler()
	// Imminent settlement forces a close even for a young position.
	ok, _ := s.SafeWindowToClose(venues, 2*time.Minute, 10*time.Minute, false, at(7, 58))
	if !ok {
		t.Fatalf("imminent settlement must force a close")
	}
}

func TestSafeWindowToCloseInClosingWindow(t *testing.T) {
	s := newTestScheduler()
	// 07:45 is inside the closing window (pre-buffer + 15m lead).
	ok, _ := s.SafeWindowToClose(venues, time.Hour, 10*time.Minute, false, at(7, 45))
	if !ok {
		t.Fatalf("mature position inside closing window should close")
	}
}

func TestNextOpenWindowWhenCurrentlySafe(t *testing.T) {
	s := newTestScheduler()
	start, dur := s.NextOpenWindow(venues, at(4, 0))
	if !start.Equal(at(4, 0)) {
		t.Fatalf("expected window to start now, got %v", start)
	}
	// Next restriction begins 20m before 08:00 (bybit 5m buffer + 15m lead).
	want := 3*time.Hour + 40*time.Minute
	if dur != want {
		t.Fatalf("expected window duration %v, got %v", want, dur)
	}
}

func TestNextOpenWindowWhileBlocked(t *testing.T) {
	s := newTestScheduler()
	// 07:55 is blocked until 08:03 (bybit post delay).
	start, dur := s.NextOpenWindow(venues, at(7, 55))
	if !start.Equal(at(8, 3)) {
		t.Fatalf("expected window start 08:03, got %v", start)
	}
	if dur <= 0 {
		t.Fatalf("expected positive window duration, got %v", dur)
	}
}

func TestNextOpenWindowNeverFailsOnUnknownVenues(t *testing.T) {
	s := newTestScheduler()
	start, dur := s.NextOpenWindow([]string{}, at(4, 0))
	if start.IsZero() || dur <= 0 {
		t.Fatalf("expected fallback window, got %v / %v", start, dur)
	}
}

func TestCombinedStatusMostRestrictiveWins(t *testing.T) {
	s := newTestScheduler()
	// Hyperliquid settles hourly; at 06:58 it is imminent while binance
	// is safe. The combined status must be the restrictive one.
	status, _ := s.CombinedStatus([]string{"binance", "hyperliquid"}, at(6, 58))
	if status != SettlementImminent {
		t.Fatalf("expected settlement_imminent, got %v", status)
	}
}
