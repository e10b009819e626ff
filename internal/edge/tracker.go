package edge

import (
	"sync"
	"time"
)

// Tracker keeps a bounded history of evaluations for diagnostics and
// the profitability-rate signal surfaced in status reports.
type Tracker struct {
	mu         sync.Mutex
	maxHistory int
	history    []Breakdown
	profitable int
	total      int
}

func NewTracker(maxHistory int) *Tracker {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Tracker{maxHistory: maxHistory}
}

func (t *Tracker) Add(b Breakdown) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, b)
	t.total++
	if b.IsProfitable {
		t.profitable++
	}
	if len(t.history) > t.maxHistory {
		t.history = t.history[1:]
	}
}

// ProfitabilityRate is the share of evaluations in the lookback window
// that were profitable. Returns 0 when the window is empty.
func (t *Tracker) ProfitabilityRate(lookback time.Duration, now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := now.Add(-lookback)
	var recent, recentProfitable int
	for _, b := range t.history {
		if b.At.Before(cutoff) {
			continue
		}
		recent++
		if b.IsProfitable {
			recentProfitable++
		}
	}
	if recent == 0 {
		return 0
	}
	return float64(recentProfitable) / float64(recent)
}

// RecentProfitable returns up to n most recent profitable evaluations,
// newest last.
func (t *Tracker) RecentProfitable(n int) []Breakdown {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Breakdown
	for _, b := range t.history {
		if b.IsProfitable {
			out = append(out, b)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Counts reports lifetime totals, not bounded by the history window.
func (t *Tracker) Counts() (total, profitable int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total, t.profitable
}
