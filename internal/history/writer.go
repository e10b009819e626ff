// Package history streams funding-rate samples and completed trades
// into TimescaleDB for offline analysis. Writes are buffered and
// best-effort: a full queue drops the record rather than blocking the
// trading loop.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"funding-arb-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"funding-arb-bot/internal/position"
)

const writeTimeout = 3 * time.Second

// FundingSample is one observed funding rate on one venue.
type FundingSample struct {
	Time           time.Time
	Token          string
	Venue          string
	Rate           float64
	NextSettlement time.Time
}

// TradeRecord is one completed arbitrage position.
type TradeRecord struct {
	PositionID       string
	Token            string
	VenueLong        string
	VenueShort       string
	NotionalUSD      float64
	Leverage         float64
	ExpectedEdgeUSD  float64
	FundingCollected float64
	Status           string
	CloseReason      string
	OpenedAt         time.Time
	ClosedAt         time.Time
}

// TradeFromSnapshot builds the persisted row for a finished position.
// Decimals are flattened to float64; the analytics store is not the
// book of record.
func TradeFromSnapshot(s position.Snapshot) TradeRecord {
	return TradeRecord{
		PositionID:       s.ID,
		Token:            s.Token,
		VenueLong:        s.LegLong.Venue,
		VenueShort:       s.LegShort.Venue,
		NotionalUSD:      s.RequestedNotional.InexactFloat64(),
		Leverage:         s.Leverage.InexactFloat64(),
		ExpectedEdgeUSD:  s.ExpectedEdge.TotalEdge.InexactFloat64(),
		FundingCollected: s.FundingCollected.InexactFloat64(),
		Status:           string(s.Status),
		CloseReason:      s.StatusReason,
		OpenedAt:         s.EntryAt,
		ClosedAt:         s.ClosedAt,
	}
}

type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	samples     chan FundingSample
	trades      chan TradeRecord
	started     atomic.Bool
	dropSamples atomic.Uint64
	dropTrades  atomic.Uint64
}

// New returns nil without error when history is disabled; a nil Writer
// is safe to use everywhere.
func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		samples: make(chan FundingSample, queueSize),
		trades:  make(chan TradeRecord, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueFundingSample(sample FundingSample) {
	if w == nil {
		return
	}
	select {
	case w.samples <- sample:
		return
	default:
		if w.dropSamples.Add(1) == 1 && w.log != nil {
			w.log.Warn("history funding sample queue full")
		}
	}
}

func (w *Writer) EnqueueTrade(trade TradeRecord) {
	if w == nil {
		return
	}
	select {
	case w.trades <- trade:
		return
	default:
		if w.dropTrades.Add(1) == 1 && w.log != nil {
			w.log.Warn("history trade queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.samples:
			w.writeSample(ctx, sample)
		case trade := <-w.trades:
			w.writeTrade(ctx, trade)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		token TEXT NOT NULL,
		venue TEXT NOT NULL,
		rate DOUBLE PRECISION NOT NULL,
		next_settlement TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (ts, token, venue)
	)`, w.table("funding_rates"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		position_id TEXT NOT NULL,
		token TEXT NOT NULL,
		venue_long TEXT NOT NULL,
		venue_short TEXT NOT NULL,
		notional_usd DOUBLE PRECISION NOT NULL,
		leverage DOUBLE PRECISION NOT NULL,
		expected_edge_usd DOUBLE PRECISION NOT NULL,
		funding_collected DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL,
		close_reason TEXT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (position_id)
	)`, w.table("trades"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("funding_rates"))); err != nil && w.log != nil {
		w.log.Warn("funding_rates hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeSample(ctx context.Context, sample FundingSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, token, venue, rate, next_settlement
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (ts, token, venue) DO UPDATE SET
		rate = EXCLUDED.rate,
		next_settlement = EXCLUDED.next_settlement`, w.table("funding_rates"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time,
		sample.Token,
		sample.Venue,
		sample.Rate,
		sample.NextSettlement,
	); err != nil && w.log != nil {
		w.log.Warn("funding sample insert failed", zap.Error(err))
	}
}

func (w *Writer) writeTrade(ctx context.Context, trade TradeRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		position_id, token, venue_long, venue_short, notional_usd, leverage,
		expected_edge_usd, funding_collected, status, close_reason, opened_at, closed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (position_id) DO UPDATE SET
		funding_collected = EXCLUDED.funding_collected,
		status = EXCLUDED.status,
		close_reason = EXCLUDED.close_reason,
		closed_at = EXCLUDED.closed_at`, w.table("trades"))
	if _, err := w.db.ExecContext(ctx, query,
		trade.PositionID,
		trade.Token,
		trade.VenueLong,
		trade.VenueShort,
		trade.NotionalUSD,
		trade.Leverage,
		trade.ExpectedEdgeUSD,
		trade.FundingCollected,
		trade.Status,
		trade.CloseReason,
		trade.OpenedAt,
		trade.ClosedAt,
	); err != nil && w.log != nil {
		w.log.Warn("trade insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
