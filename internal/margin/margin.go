// Package margin models liquidation safety: tiered margin-rate lookup,
// safe leverage with a buffer above maintenance, and side-aware
// distance to the modeled liquidation price.
package margin

import (
	"sync"

	"github.com/shopspring/decimal"

	"funding-arb-bot/internal/gateway"
)

type Status string

const (
	Healthy         Status = "healthy"
	Warning         Status = "warning"
	Danger          Status = "danger"
	Critical        Status = "critical"
	LiquidationRisk Status = "liquidation_risk"
)

// StatusFromRatio buckets an equity/used-margin ratio.
func StatusFromRatio(ratio decimal.Decimal) Status {
	switch {
	case ratio.GreaterThanOrEqual(decimal.NewFromInt(2)):
		return Healthy
	case ratio.GreaterThanOrEqual(decimal.RequireFromString("1.5")):
		return Warning
	case ratio.GreaterThanOrEqual(decimal.RequireFromString("1.1")):
		return Danger
	case ratio.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return Critical
	default:
		return LiquidationRisk
	}
}

// Tier maps a notional bracket to its maintenance margin rate. Tiers
// are ordered ascending by MaxNotional; a position larger than every
// bracket pays the last tier's rate.
type Tier struct {
	MaxNotional decimal.Decimal
	Rate        decimal.Decimal
}

// Requirements is one venue's margin schedule.
type Requirements struct {
	Tiers       map[string][]Tier // symbol -> maintenance tiers
	DefaultRate decimal.Decimal
	MaxLeverage map[string]decimal.Decimal
}

var (
	fallbackMaintenanceRate = decimal.RequireFromString("0.05")
	fallbackVenueLeverage   = decimal.NewFromInt(10)
	conservativeLeverage    = decimal.NewFromInt(3)
)

// MaintenanceRate looks up the tiered rate for a symbol and size. A
// present-but-empty tier table falls back to the default rate instead
// of indexing into nothing.
func (r Requirements) MaintenanceRate(symbol string, notional decimal.Decimal) decimal.Decimal {
	tiers, ok := r.Tiers[symbol]
	if !ok || len(tiers) == 0 {
		if r.DefaultRate.Sign() > 0 {
			return r.DefaultRate
		}
		return fallbackMaintenanceRate
	}
	for _, tier := range tiers {
		if notional.LessThanOrEqual(tier.MaxNotional) {
			return tier.Rate
		}
	}
	return tiers[len(tiers)-1].Rate
}

type Config struct {
	SafetyBuffer     decimal.Decimal
	MaxLeverage      decimal.Decimal
	DeleverageTarget decimal.Decimal
	MinLiqDistance   decimal.Decimal
}

type Monitor struct {
	cfg Config

	mu           sync.RWMutex
	requirements map[string]Requirements
}

func NewMonitor(cfg Config) *Monitor {
	return &Monitor{cfg: cfg, requirements: make(map[string]Requirements)}
}

func (m *Monitor) SetRequirements(venue string, req Requirements) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requirements[venue] = req
}

// SafeLeverage is the highest leverage that keeps maintenance margin
// covered with the configured safety buffer:
// 1 / (maintenanceRate * (1 + buffer)), further capped by the venue's
// per-symbol limit and the configured maximum. Venues with no known
// requirements get a conservative cap.
func (m *Monitor) SafeLeverage(venue, symbol string, notional decimal.Decimal) decimal.Decimal {
	m.mu.RLock()
	req, ok := m.requirements[venue]
	m.mu.RUnlock()
	if !ok {
		return decimal.Min(m.cfg.MaxLeverage, conservativeLeverage)
	}

	rate := req.MaintenanceRate(symbol, notional)
	safe := decimal.NewFromInt(1).Div(rate.Mul(decimal.NewFromInt(1).Add(m.cfg.SafetyBuffer)))

	venueMax, ok := req.MaxLeverage[symbol]
	if !ok {
		venueMax = fallbackVenueLeverage
	}
	return decimal.Min(safe, decimal.Min(venueMax, m.cfg.MaxLeverage))
}

// DistanceToLiquidation is signed and side-aware: positive means the
// mark price has room before the modeled liquidation point, negative
// means the model says the leg is already past it (only possible with
// stale inputs). Returns ok=false when either price is unavailable.
func DistanceToLiquidation(side gateway.Side, markPrice, liquidationPrice decimal.Decimal) (decimal.Decimal, bool) {
	if markPrice.Sign() <= 0 || liquidationPrice.Sign() <= 0 {
		return decimal.Decimal{}, false
	}
	if side == gateway.Buy {
		return markPrice.Sub(liquidationPrice).Div(markPrice), true
	}
	return liquidationPrice.Sub(markPrice).Div(markPrice), true
}

// LegState carries the inputs NeedsDeleverage looks at for one leg.
type LegState struct {
	Venue            string
	Symbol           string
	Side             gateway.Side
	Notional         decimal.Decimal
	CurrentLeverage  decimal.Decimal
	MarginRatio      decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
}

// NeedsDeleverage decides whether a leg must be brought down to a lower
// leverage, and to what target. Leverage above the safe bound, a margin
// ratio in the danger bands, or liquidation closer than the configured
// minimum distance all trigger.
func (m *Monitor) NeedsDeleverage(leg LegState) (bool, decimal.Decimal) {
	safe := m.SafeLeverage(leg.Venue, leg.Symbol, leg.Notional)

	if leg.CurrentLeverage.GreaterThan(safe) {
		return true, safe
	}

	status := StatusFromRatio(leg.MarginRatio)
	if status == Danger || status == Critical || status == LiquidationRisk {
		return true, decimal.Min(safe.Mul(decimal.RequireFromString("0.8")), m.cfg.DeleverageTarget)
	}

	if dist, ok := DistanceToLiquidation(leg.Side, leg.MarkPrice, leg.LiquidationPrice); ok {
		if dist.LessThan(m.cfg.MinLiqDistance) {
			return true, m.cfg.DeleverageTarget
		}
	}
	return false, decimal.Decimal{}
}
