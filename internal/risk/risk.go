// Package risk enforces admission limits for new positions and
// monitors hedge gaps. Exposure aggregates are derived on demand from
// the position registry, including capacity reserved by in-flight
// opens, so two concurrent admissions cannot both pass on the same
// headroom.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Level string

const (
	Low      Level = "low"
	Medium   Level = "medium"
	High     Level = "high"
	Critical Level = "critical"
)

// Exposure is the current capital deployment picture, active plus
// reserved.
type Exposure struct {
	VenueNotional map[string]decimal.Decimal
	TokenNotional map[string]decimal.Decimal
	TotalNotional decimal.Decimal
}

// ExposureSource is implemented by the position registry.
type ExposureSource interface {
	Exposure() Exposure
}

type Limits struct {
	MaxNotionalPerVenue decimal.Decimal
	MaxTotalNotional    decimal.Decimal
	MaxLeverage         decimal.Decimal
	MaxConcentration    decimal.Decimal
	MaxImpactRatio      decimal.Decimal
	MaxHedgeGap         decimal.Decimal
}

// warningThreshold is the share of a limit at which a warning (not a
// violation) is raised.
var warningThreshold = decimal.RequireFromString("0.8")

type violationRecord struct {
	At       time.Time
	Messages []string
}

type Manager struct {
	limits Limits
	source ExposureSource

	mu         sync.Mutex
	violations []violationRecord
	maxHistory int
}

func NewManager(limits Limits, source ExposureSource) *Manager {
	return &Manager{limits: limits, source: source, maxHistory: 200}
}

// CheckAdmission runs the ordered limit checks for a proposed position
// leg: per-venue notional, total notional, leverage, concentration.
// Violations are collected rather than short-circuited so the caller
// can log the full set.
func (m *Manager) CheckAdmission(venueName, token string, proposedNotional, proposedLeverage decimal.Decimal) (bool, []string, Level) {
	exp := m.source.Exposure()
	var violations, warnings []string

	venueNotional := exp.VenueNotional[venueName].Add(proposedNotional)
	if venueNotional.GreaterThan(m.limits.MaxNotionalPerVenue) {
		violations = append(violations, fmt.Sprintf(
			"venue %s notional %s exceeds limit %s", venueName, venueNotional, m.limits.MaxNotionalPerVenue))
	} else if venueNotional.GreaterThan(m.limits.MaxNotionalPerVenue.Mul(warningThreshold)) {
		warnings = append(warnings, fmt.Sprintf("venue %s notional approaching limit", venueName))
	}

	totalNotional := exp.TotalNotional.Add(proposedNotional)
	if totalNotional.GreaterThan(m.limits.MaxTotalNotional) {
		violations = append(violations, fmt.Sprintf(
			"total notional %s exceeds limit %s", totalNotional, m.limits.MaxTotalNotional))
	} else if totalNotional.GreaterThan(m.limits.MaxTotalNotional.Mul(warningThreshold)) {
		warnings = append(warnings, "total notional approaching limit")
	}

	if proposedLeverage.GreaterThan(m.limits.MaxLeverage) {
		violations = append(violations, fmt.Sprintf(
			"leverage %s exceeds limit %s", proposedLeverage, m.limits.MaxLeverage))
	} else if proposedLeverage.GreaterThan(m.limits.MaxLeverage.Mul(warningThreshold)) {
		warnings = append(warnings, fmt.Sprintf("leverage %s approaching limit", proposedLeverage))
	}

	tokenNotional := exp.TokenNotional[token].Add(proposedNotional)
	if totalNotional.Sign() > 0 {
		concentration := tokenNotional.Div(totalNotional)
		if concentration.GreaterThan(m.limits.MaxConcentration) {
			violations = append(violations, fmt.Sprintf(
				"concentration in %s (%s) exceeds limit %s", token, concentration.Round(4), m.limits.MaxConcentration))
		} else if concentration.GreaterThan(m.limits.MaxConcentration.Mul(warningThreshold)) {
			warnings = append(warnings, fmt.Sprintf("concentration in %s approaching limit", token))
		}
	}

	level := Low
	switch {
	case len(violations) > 0:
		level = Critical
	case len(warnings) >= 3:
		level = High
	case len(warnings) >= 1:
		level = Medium
	}

	if len(violations) > 0 {
		m.recordViolations(violations)
	}

	return len(violations) == 0, append(violations, warnings...), level
}

// CheckLiquidity compares the proposed notional against the available
// depth. Zero depth is rejected with its own reason, never divided by.
func (m *Manager) CheckLiquidity(availableDepth, proposedNotional decimal.Decimal) (bool, string, decimal.Decimal) {
	if availableDepth.Sign() <= 0 {
		return false, "no visible depth on the book", decimal.NewFromInt(1)
	}
	impact := proposedNotional.Div(availableDepth)
	if impact.GreaterThan(m.limits.MaxImpactRatio) {
		return false, fmt.Sprintf("projected impact %s exceeds ceiling %s",
			impact.Round(4), m.limits.MaxImpactRatio), impact
	}
	return true, fmt.Sprintf("acceptable impact %s", impact.Round(4)), impact
}

// HedgeGap measures leg imbalance: |long − short| / max(long, short).
// Both legs zero is a fully closed hedge (gap 0, defined). Exactly one
// leg zero is an unhedged exposure: the gap is reported as maximal and
// undefined so the caller escalates instead of rebalancing.
func HedgeGap(longNotional, shortNotional decimal.Decimal) (decimal.Decimal, bool) {
	if longNotional.IsZero() && shortNotional.IsZero() {
		return decimal.Decimal{}, true
	}
	if longNotional.IsZero() || shortNotional.IsZero() {
		return decimal.NewFromInt(1), false
	}
	larger := decimal.Max(longNotional, shortNotional)
	return longNotional.Sub(shortNotional).Abs().Div(larger), true
}

// GapExceeded applies the configured hedge-gap ceiling.
func (m *Manager) GapExceeded(gap decimal.Decimal) bool {
	return gap.GreaterThan(m.limits.MaxHedgeGap)
}

func (m *Manager) recordViolations(messages []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, violationRecord{At: time.Now(), Messages: messages})
	if len(m.violations) > m.maxHistory {
		m.violations = m.violations[1:]
	}
}

// ViolationCount reports how many admission attempts hit a hard limit
// within the history window.
func (m *Manager) ViolationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.violations)
}

// Summary is a point-in-time utilization report for status surfaces.
type Summary struct {
	TotalNotional    decimal.Decimal
	TotalUtilization decimal.Decimal
	VenueUtilization map[string]decimal.Decimal
	Violations       int
}

func (m *Manager) Summary() Summary {
	exp := m.source.Exposure()
	s := Summary{
		TotalNotional:    exp.TotalNotional,
		VenueUtilization: make(map[string]decimal.Decimal, len(exp.VenueNotional)),
		Violations:       m.ViolationCount(),
	}
	if m.limits.MaxTotalNotional.Sign() > 0 {
		s.TotalUtilization = exp.TotalNotional.Div(m.limits.MaxTotalNotional)
	}
	if m.limits.MaxNotionalPerVenue.Sign() > 0 {
		for v, n := range exp.VenueNotional {
			s.VenueUtilization[v] = n.Div(m.limits.MaxNotionalPerVenue)
		}
	}
	return s
}
