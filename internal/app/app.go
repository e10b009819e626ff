// Package app wires the configuration into live components and runs
// the supervision loops: opportunity scan, hedge revalidation, margin
// checks, reconciliation, and periodic state persistence.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/engine"
	"funding-arb-bot/internal/feed"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/history"
	"funding-arb-bot/internal/margin"
	"funding-arb-bot/internal/metrics"
	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/recon"
	"funding-arb-bot/internal/risk"
	"funding-arb-bot/internal/schedule"
	"funding-arb-bot/internal/state"
	"funding-arb-bot/internal/state/sqlite"
)

// persistInterval is how often the position book is checkpointed
// between the save-on-shutdown and save-after-mutation paths.
const persistInterval = time.Minute

// statusInterval paces the periodic status report in the log.
const statusInterval = 5 * time.Minute

type App struct {
	cfg   *config.Config
	log   *zap.Logger
	store *sqlite.Store

	registry *position.Registry
	coord    *engine.Coordinator
	prices   *feed.MarkPrices
	history  *history.Writer
	prom     *metrics.Prometheus
}

// New builds the full component graph. The venue gateway is supplied by
// the caller; everything else is constructed from config.
func New(cfg *config.Config, gw gateway.Exchange, log *zap.Logger) (*App, error) {
	if gw == nil {
		return nil, errors.New("a venue gateway is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	throttled := gateway.NewThrottled(gw, gateway.ThrottleConfig{
		CallsPerSecond: cfg.Gateway.CallsPerSecond,
		Burst:          cfg.Gateway.Burst,
		RetryAttempts:  cfg.Gateway.RetryAttempts,
		RetryMinDelay:  cfg.Gateway.RetryMinDelay,
		RetryMaxDelay:  cfg.Gateway.RetryMaxDelay,
	})

	registry := position.NewRegistry(cfg.State.ClosedArchive)
	riskManager := risk.NewManager(riskLimits(cfg.Risk), registry)
	marginMonitor := margin.NewMonitor(marginConfig(cfg.Margin))
	scheduler := schedule.NewScheduler(cfg.Schedule.MinHorizon, cfg.Schedule.LookaheadWindow)
	reconEngine := recon.NewEngine(throttled, log)
	notifier := alerts.NewNotifier(alerts.NewTelegram(cfg.Telegram, log), log)

	historyWriter, err := history.New(cfg.History, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var prom *metrics.Prometheus
	met := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		met = prom.Metrics
	}

	var prices *feed.MarkPrices
	var priceSource engine.PriceSource
	if cfg.Feed.URL != "" {
		prices = feed.NewMarkPrices(cfg.Feed, log)
		priceSource = prices
	}

	coord := engine.New(engineConfig(cfg.Strategy), engine.Deps{
		Gateway:   throttled,
		Registry:  registry,
		Risk:      riskManager,
		Margin:    marginMonitor,
		Scheduler: scheduler,
		Recon:     reconEngine,
		Notifier:  notifier,
		History:   historyWriter,
		Metrics:   met,
		Prices:    priceSource,
		Log:       log,
	})

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		registry: registry,
		coord:    coord,
		prices:   prices,
		history:  historyWriter,
		prom:     prom,
	}, nil
}

// Run restores the persisted position book, starts every background
// loop under one group, and checkpoints the book on the way out. Open
// positions are hedged; they survive restarts instead of being closed
// on every deploy.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.history.Close()

	a.restore(ctx)
	a.coord.Recover(ctx)
	a.history.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	if a.prices != nil {
		for _, token := range a.cfg.Strategy.Tokens {
			if err := a.prices.Subscribe(gctx, token); err != nil {
				a.log.Warn("feed subscription failed", zap.String("token", token), zap.Error(err))
			}
		}
		g.Go(func() error {
			if err := a.prices.Run(gctx); err != nil && gctx.Err() == nil {
				// The engine falls back to venue-reported prices.
				a.log.Warn("mark price feed stopped", zap.Error(err))
			}
			return nil
		})
	}

	if a.prom != nil {
		a.serveMetrics(g, gctx)
	}

	g.Go(a.every(gctx, a.cfg.Strategy.ScanInterval, func(ctx context.Context) {
		a.coord.Scan(ctx)
	}))
	g.Go(a.every(gctx, a.cfg.Strategy.HedgeCheckInterval, func(ctx context.Context) {
		a.coord.CheckHedges(ctx)
		a.coord.SuperviseActive(ctx)
	}))
	g.Go(a.every(gctx, a.cfg.Strategy.MarginInterval, func(ctx context.Context) {
		a.coord.CheckMargins(ctx)
	}))
	g.Go(a.every(gctx, a.cfg.Strategy.ReconInterval, func(ctx context.Context) {
		a.coord.RunReconciliation(ctx)
	}))
	g.Go(a.every(gctx, persistInterval, a.persist))
	g.Go(a.every(gctx, statusInterval, func(context.Context) {
		a.reportStatus()
	}))

	a.log.Info("engine running",
		zap.Strings("tokens", a.cfg.Strategy.Tokens),
		zap.Strings("venues", a.cfg.Strategy.Venues),
		zap.Int("open_positions", len(a.registry.Open())))

	err := g.Wait()

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.persist(saveCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// every runs fn on a fixed interval until the context ends. Failures
// inside fn are the component's to log; one bad iteration never stops
// the loop.
func (a *App) every(ctx context.Context, interval time.Duration, fn func(context.Context)) func() error {
	return func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				fn(ctx)
			}
		}
	}
}

func (a *App) restore(ctx context.Context) {
	snap, ok, err := state.LoadEngineSnapshot(ctx, a.store)
	if err != nil {
		a.log.Warn("state restore failed, starting with an empty book", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	for _, decodeErr := range state.RestoreRegistry(snap, a.registry) {
		a.log.Warn("persisted position skipped", zap.Error(decodeErr))
	}
	a.log.Info("position book restored",
		zap.Int("open", len(a.registry.Open())),
		zap.Int("archived", len(a.registry.Archive())),
		zap.Bool("was_halted", snap.Halted),
		zap.Time("saved_at", time.UnixMilli(snap.SavedAtMS).UTC()))
}

func (a *App) persist(ctx context.Context) {
	err := state.SaveEngineSnapshot(ctx, a.store,
		a.registry.Open(), a.registry.Archive(), a.coord.Halted(), time.Now().UTC())
	if err != nil {
		a.log.Warn("state checkpoint failed", zap.Error(err))
	}
}

// reportStatus writes one summary log line: position book, evaluation
// profitability, risk utilization, and feed freshness per token.
func (a *App) reportStatus() {
	st := a.coord.Status()
	fields := []zap.Field{
		zap.Int("open_positions", st.OpenPositions),
		zap.Bool("halted", st.Halted),
		zap.Int("evaluations", st.EvaluationsTotal),
		zap.Int("profitable", st.EvaluationsProfitable),
		zap.Float64("profitability_rate", st.ProfitabilityRate),
		zap.String("total_notional", st.Risk.TotalNotional.StringFixed(2)),
		zap.String("utilization", st.Risk.TotalUtilization.StringFixed(4)),
		zap.Int("risk_violations", st.Risk.Violations),
	}
	if n := len(st.LastProfitable); n > 0 {
		last := st.LastProfitable[n-1]
		fields = append(fields, zap.String("last_profitable_edge", last.TotalEdge.StringFixed(2)))
	}
	if a.prices != nil {
		for _, token := range a.cfg.Strategy.Tokens {
			if age, ok := a.prices.Age(token); ok {
				fields = append(fields, zap.Duration("feed_age_"+token, age))
			}
		}
	}
	a.log.Info("status", fields...)
}

func (a *App) serveMetrics(g *errgroup.Group, ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

func engineConfig(s config.StrategyConfig) engine.Config {
	return engine.Config{
		Tokens:            s.Tokens,
		Venues:            s.Venues,
		NotionalUSD:       decimal.NewFromFloat(s.NotionalUSD),
		Leverage:          decimal.NewFromFloat(s.Leverage),
		MinEdgeUSD:        decimal.NewFromFloat(s.MinEdgeUSD),
		StopFundingDiff:   decimal.NewFromFloat(s.StopFundingDiff),
		TargetProfitUSD:   decimal.NewFromFloat(s.TargetProfitUSD),
		BorrowRateHourly:  decimal.NewFromFloat(s.BorrowRateHourly),
		ValidationTimeout: s.ValidationTimeout,
		VerifyTimeout:     s.VerifyTimeout,
		EmergencyTimeout:  s.EmergencyTimeout,
		MinHoldTime:       s.MinHoldTime,
	}
}

func riskLimits(r config.RiskConfig) risk.Limits {
	return risk.Limits{
		MaxNotionalPerVenue: decimal.NewFromFloat(r.MaxNotionalPerVenueUSD),
		MaxTotalNotional:    decimal.NewFromFloat(r.MaxTotalNotionalUSD),
		MaxLeverage:         decimal.NewFromFloat(r.MaxLeverage),
		MaxConcentration:    decimal.NewFromFloat(r.MaxConcentrationPct),
		MaxImpactRatio:      decimal.NewFromFloat(r.MaxImpactRatio),
		MaxHedgeGap:         decimal.NewFromFloat(r.MaxHedgeGapPct),
	}
}

func marginConfig(m config.MarginConfig) margin.Config {
	return margin.Config{
		SafetyBuffer:     decimal.NewFromFloat(m.SafetyBuffer),
		MaxLeverage:      decimal.NewFromFloat(m.MaxLeverage),
		DeleverageTarget: decimal.NewFromFloat(m.DeleverageTarget),
		MinLiqDistance:   decimal.NewFromFloat(m.MinLiqDistancePct),
	}
}
