package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.PositionsOpened.Inc()
	prom.Metrics.PositionsClosed.Inc()
	prom.Metrics.EmergencyCloses.Inc()
	prom.Metrics.ReconDiscrepancies.Inc()
	prom.Metrics.HaltEngaged.Inc()
	prom.Metrics.ActivePositions.Set(3)
	prom.Metrics.TotalNotional.Set(12500)

	expected := `
# HELP funding_arb_bot_active_positions Number of currently active arbitrage positions.
# TYPE funding_arb_bot_active_positions gauge
funding_arb_bot_active_positions 3
`
	if err := testutil.GatherAndCompare(prom.registry, strings.NewReader(expected),
		"funding_arb_bot_active_positions"); err != nil {
		t.Fatalf("unexpected gauge state: %v", err)
	}

	expected = `
# HELP funding_arb_bot_positions_opened_total Total number of arbitrage positions opened.
# TYPE funding_arb_bot_positions_opened_total counter
funding_arb_bot_positions_opened_total 1
`
	if err := testutil.GatherAndCompare(prom.registry, strings.NewReader(expected),
		"funding_arb_bot_positions_opened_total"); err != nil {
		t.Fatalf("unexpected counter state: %v", err)
	}
}

func TestPrometheusPnLGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.RealizedPnL.Set(42.5)
	prom.Metrics.UnrealizedPnL.Set(-3.25)
	prom.Metrics.ScanSkipsBalance.Inc()
	prom.Metrics.ScanSkipsSlippage.Inc()

	expected := `
# HELP funding_arb_bot_realized_pnl_usd Funding collected by closed positions.
# TYPE funding_arb_bot_realized_pnl_usd gauge
funding_arb_bot_realized_pnl_usd 42.5
`
	if err := testutil.GatherAndCompare(prom.registry, strings.NewReader(expected),
		"funding_arb_bot_realized_pnl_usd"); err != nil {
		t.Fatalf("unexpected gauge state: %v", err)
	}

	expected = `
# HELP funding_arb_bot_scan_skips_balance_total Opportunities skipped on insufficient free balance.
# TYPE funding_arb_bot_scan_skips_balance_total counter
funding_arb_bot_scan_skips_balance_total 1
`
	if err := testutil.GatherAndCompare(prom.registry, strings.NewReader(expected),
		"funding_arb_bot_scan_skips_balance_total"); err != nil {
		t.Fatalf("unexpected counter state: %v", err)
	}
}

func TestNoopMetricsAreSafe(t *testing.T) {
	m := NewNoop()
	m.PositionsOpened.Inc()
	m.Deleverages.Inc()
	m.ScanSkipsBalance.Inc()
	m.ScanSkipsSlippage.Inc()
	m.ActivePositions.Set(1)
	m.TotalNotional.Set(0)
	m.RealizedPnL.Set(0)
	m.UnrealizedPnL.Set(0)
	m.HedgeGapMax.Set(0)
	m.MarginRatioMin.Set(0)
}
