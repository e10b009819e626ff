package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	PositionsOpened    Counter
	PositionsClosed    Counter
	EmergencyCloses    Counter
	OpenFailed         Counter
	CloseFailed        Counter
	ScanSkipsEdge      Counter
	ScanSkipsRisk      Counter
	ScanSkipsSlippage  Counter
	ScanSkipsBalance   Counter
	ScanSkipsSchedule  Counter
	ScanSkipsHalted    Counter
	ReconDiscrepancies Counter
	HaltEngaged        Counter
	Deleverages        Counter

	ActivePositions Gauge
	TotalNotional   Gauge
	RealizedPnL     Gauge
	UnrealizedPnL   Gauge
	HedgeGapMax     Gauge
	MarginRatioMin  Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		PositionsOpened:    n,
		PositionsClosed:    n,
		EmergencyCloses:    n,
		OpenFailed:         n,
		CloseFailed:        n,
		ScanSkipsEdge:      n,
		ScanSkipsRisk:      n,
		ScanSkipsSlippage:  n,
		ScanSkipsBalance:   n,
		ScanSkipsSchedule:  n,
		ScanSkipsHalted:    n,
		ReconDiscrepancies: n,
		HaltEngaged:        n,
		Deleverages:        n,
		ActivePositions:    g,
		TotalNotional:      g,
		RealizedPnL:        g,
		UnrealizedPnL:      g,
		HedgeGapMax:        g,
		MarginRatioMin:     g,
	}
}
