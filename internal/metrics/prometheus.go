package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_arb_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	positionsOpened := newCounter("positions_opened_total", "Total number of arbitrage positions opened.")
	positionsClosed := newCounter("positions_closed_total", "Total number of arbitrage positions closed.")
	emergencyCloses := newCounter("emergency_closes_total", "Total number of emergency close flows.")
	openFailed := newCounter("open_failed_total", "Total number of failed open flows.")
	closeFailed := newCounter("close_failed_total", "Total number of failed close flows.")
	scanSkipsEdge := newCounter("scan_skips_edge_total", "Opportunities skipped because the edge was not profitable.")
	scanSkipsRisk := newCounter("scan_skips_risk_total", "Opportunities skipped by risk limits.")
	scanSkipsSlippage := newCounter("scan_skips_slippage_total", "Opportunities skipped because the books could not absorb the order.")
	scanSkipsBalance := newCounter("scan_skips_balance_total", "Opportunities skipped on insufficient free balance.")
	scanSkipsSchedule := newCounter("scan_skips_schedule_total", "Opportunities skipped by the settlement schedule.")
	scanSkipsHalted := newCounter("scan_skips_halted_total", "Opportunities skipped while trading was halted.")
	reconDiscrepancies := newCounter("recon_discrepancies_total", "Total reconciliation discrepancies detected.")
	haltEngaged := newCounter("halt_engaged_total", "Total number of reconciliation halt engagements.")
	deleverages := newCounter("deleverages_total", "Total number of deleverage flows executed.")

	activePositions := newGauge("active_positions", "Number of currently active arbitrage positions.")
	totalNotional := newGauge("total_notional_usd", "Total notional currently deployed across venues.")
	realizedPnL := newGauge("realized_pnl_usd", "Funding collected by closed positions.")
	unrealizedPnL := newGauge("unrealized_pnl_usd", "Funding plus mark-to-market value of open positions.")
	hedgeGapMax := newGauge("hedge_gap_max", "Largest hedge gap across active positions.")
	marginRatioMin := newGauge("margin_ratio_min", "Lowest margin ratio observed across venue legs.")

	registry.MustRegister(
		positionsOpened, positionsClosed, emergencyCloses, openFailed, closeFailed,
		scanSkipsEdge, scanSkipsRisk, scanSkipsSlippage, scanSkipsBalance,
		scanSkipsSchedule, scanSkipsHalted,
		reconDiscrepancies, haltEngaged, deleverages,
		activePositions, totalNotional, realizedPnL, unrealizedPnL,
		hedgeGapMax, marginRatioMin,
	)

	m := &Metrics{
		PositionsOpened:    promCounter{positionsOpened},
		PositionsClosed:    promCounter{positionsClosed},
		EmergencyCloses:    promCounter{emergencyCloses},
		OpenFailed:         promCounter{openFailed},
		CloseFailed:        promCounter{closeFailed},
		ScanSkipsEdge:      promCounter{scanSkipsEdge},
		ScanSkipsRisk:      promCounter{scanSkipsRisk},
		ScanSkipsSlippage:  promCounter{scanSkipsSlippage},
		ScanSkipsBalance:   promCounter{scanSkipsBalance},
		ScanSkipsSchedule:  promCounter{scanSkipsSchedule},
		ScanSkipsHalted:    promCounter{scanSkipsHalted},
		ReconDiscrepancies: promCounter{reconDiscrepancies},
		HaltEngaged:        promCounter{haltEngaged},
		Deleverages:        promCounter{deleverages},
		ActivePositions:    promGauge{activePositions},
		TotalNotional:      promGauge{totalNotional},
		RealizedPnL:        promGauge{realizedPnL},
		UnrealizedPnL:      promGauge{unrealizedPnL},
		HedgeGapMax:        promGauge{hedgeGapMax},
		MarginRatioMin:     promGauge{marginRatioMin},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
