// Package schedule gates opening and closing around venue funding
// settlements. All arithmetic is on UTC wall-clock times derived from
// the venue capability table.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"funding-arb-bot/internal/venue"
)

type Status int

const (
	SafeToOpen Status = iota
	ClosingWindow
	PostSettlement
	SettlementImminent
)

func (s Status) String() string {
	switch s {
	case SafeToOpen:
		return "safe_to_open"
	case ClosingWindow:
		return "closing_window"
	case PostSettlement:
		return "post_settlement"
	case SettlementImminent:
		return "settlement_imminent"
	default:
		return "unknown"
	}
}

// closingWindowLead is how long before the pre-settlement buffer the
// close window opens.
const closingWindowLead = 15 * time.Minute

type Scheduler struct {
	minHorizon time.Duration
	lookahead  time.Duration
}

func NewScheduler(minHorizon, lookahead time.Duration) *Scheduler {
	if minHorizon <= 0 {
		minHorizon = 30 * time.Minute
	}
	if lookahead <= 0 {
		lookahead = 24 * time.Hour
	}
	return &Scheduler{minHorizon: minHorizon, lookahead: lookahead}
}

// nextSettlement returns the first settlement strictly after now.
func nextSettlement(caps venue.Capabilities, now time.Time) time.Time {
	now = now.UTC()
	best := time.Time{}
	for day := 0; day <= 1; day++ {
		date := now.AddDate(0, 0, day)
		for _, hour := range caps.SettlementHours {
			t := time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, time.UTC)
			if t.After(now) && (best.IsZero() || t.Before(best)) {
				best = t
			}
		}
	}
	if best.IsZero() {
		// Degenerate table; assume one cadence away.
		best = now.Add(caps.Cadence())
	}
	return best
}

// prevSettlement returns the most recent settlement at or before now.
func prevSettlement(caps venue.Capabilities, now time.Time) time.Time {
	now = now.UTC()
	best := time.Time{}
	for day := 0; day >= -1; day-- {
		date := now.AddDate(0, 0, day)
		for _, hour := range caps.SettlementHours {
			t := time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, time.UTC)
			if !t.After(now) && t.After(best) {
				best = t
			}
		}
	}
	return best
}

// TimeToNextSettlement reports how far away the venue's next settlement
// is. Unknown venues use the default capability row.
func (s *Scheduler) TimeToNextSettlement(venueName string, now time.Time) time.Duration {
	caps, _ := venue.Lookup(venueName)
	return nextSettlement(caps, now).Sub(now.UTC())
}

// LastSettlement reports the venue's most recent settlement at or
// before now. Zero when no settlement falls inside the scan range.
func (s *Scheduler) LastSettlement(venueName string, now time.Time) time.Time {
	caps, _ := venue.Lookup(venueName)
	return prevSettlement(caps, now)
}

func venueStatus(caps venue.Capabilities, now time.Time) (Status, time.Duration) {
	until := nextSettlement(caps, now).Sub(now.UTC())
	if prev := prevSettlement(caps, now); !prev.IsZero() {
		if now.UTC().Sub(prev) < caps.PostDelay {
			return PostSettlement, until
		}
	}
	switch {
	case until <= caps.PreBuffer:
		return SettlementImminent, until
	case until <= caps.PreBuffer+closingWindowLead:
		return ClosingWindow, until
	default:
		return SafeToOpen, until
	}
}

// CombinedStatus returns the most restrictive status across venues and
// the shortest time to settlement.
func (s *Scheduler) CombinedStatus(venues []string, now time.Time) (Status, time.Duration) {
	overall := SafeToOpen
	minUntil := time.Duration(0)
	first := true
	for _, name := range venues {
		caps, _ := venue.Lookup(name)
		st, until := venueStatus(caps, now)
		if first || until < minUntil {
			minUntil = until
			first = false
		}
		overall = moreRestrictive(overall, st)
	}
	return overall, minUntil
}

func moreRestrictive(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case SettlementImminent:
			return 3
		case PostSettlement:
			return 2
		case ClosingWindow:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// SafeWindowToOpen reports whether a new position may be opened now:
// no venue is inside its settlement buffers and the shortest time to
// settlement leaves at least the configured horizon.
func (s *Scheduler) SafeWindowToOpen(venues []string, now time.Time) (bool, string) {
	status, minUntil := s.CombinedStatus(venues, now)
	switch status {
	case SettlementImminent:
		return false, "settlement imminent on at least one venue"
	case PostSettlement:
		return false, "recently settled, funding data still noisy"
	}
	if minUntil < s.minHorizon {
		return false, fmt.Sprintf("insufficient horizon: %s until settlement, %s required",
			minUntil.Round(time.Minute), s.minHorizon)
	}
	return true, fmt.Sprintf("safe to open, %s until next settlement", minUntil.Round(time.Minute))
}

// SafeWindowToClose reports whether a position should or may be closed
// now. Emergency closes bypass forfeit protection entirely. Otherwise a
// position younger than minHold is held, positions inside the closing
// window are flushed, and closing right before settlement would forfeit
// the accrued payment, so it is forced only when imminent.
func (s *Scheduler) SafeWindowToClose(venues []string, positionAge, minHold time.Duration, emergency bool, now time.Time) (bool, string) {
	if emergency {
		return true, "emergency close overrides settlement timing"
	}
	status, minUntil := s.CombinedStatus(venues, now)
	if status == SettlementImminent {
		return true, "settlement imminent, closing now"
	}
	if positionAge < minHold {
		return false, fmt.Sprintf("position too young: %s held, %s minimum", positionAge.Round(time.Second), minHold)
	}
	if status == ClosingWindow {
		return true, fmt.Sprintf("inside closing window, %s until settlement", minUntil.Round(time.Minute))
	}
	return false, "no timing-based reason to close"
}

type interval struct {
	start time.Time
	end   time.Time
}

// NextOpenWindow returns the start and duration of the next interval in
// which opening is allowed. If now is already inside an open interval
// the remaining duration is returned. The computation never fails on an
// empty candidate set: with no future boundary in the lookahead it
// falls back to the longest settlement cadence in play.
func (s *Scheduler) NextOpenWindow(venues []string, now time.Time) (time.Time, time.Duration) {
	now = now.UTC()
	fallback := 8 * time.Hour
	var forbidden []interval
	for _, name := range venues {
		caps, _ := venue.Lookup(name)
		if caps.Cadence() > fallback {
			fallback = caps.Cadence()
		}
		cursor := now.Add(-caps.Cadence())
		for cursor.Before(now.Add(s.lookahead)) {
			settle := nextSettlement(caps, cursor)
			forbidden = append(forbidden, interval{
				start: settle.Add(-(caps.PreBuffer + closingWindowLead)),
				end:   settle.Add(caps.PostDelay),
			})
			cursor = settle
		}
	}
	if len(forbidden) == 0 {
		return now, fallback
	}
	sort.Slice(forbidden, func(i, j int) bool { return forbidden[i].start.Before(forbidden[j].start) })

	inForbidden := func(t time.Time) (bool, time.Time) {
		blocked := false
		end := t
		for _, iv := range forbidden {
			if !iv.start.After(t) && iv.end.After(t) {
				blocked = true
				if iv.end.After(end) {
					end = iv.end
				}
			}
		}
		return blocked, end
	}

	nextStartAfter := func(t time.Time) (time.Time, bool) {
		for _, iv := range forbidden {
			if iv.start.After(t) {
				return iv.start, true
			}
		}
		return time.Time{}, false
	}

	start := now
	for {
		blocked, end := inForbidden(start)
		if !blocked {
			break
		}
		start = end
	}

	if next, ok := nextStartAfter(start); ok {
		return start, next.Sub(start)
	}
	return start, fallback
}
