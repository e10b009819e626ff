package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-arb-bot/internal/config"
)

// maxAge is how old a mark price may be before Price refuses to serve
// it. Decisions on a hedge must never run on a dead feed.
const maxAge = 30 * time.Second

type markUpdate struct {
	Channel string `json:"channel"`
	Data    struct {
		Token string `json:"token"`
		Price string `json:"price"`
	} `json:"data"`
}

type entry struct {
	price decimal.Decimal
	at    time.Time
}

// MarkPrices is the live price table.
type MarkPrices struct {
	client *client
	log    *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	prices map[string]entry
}

func NewMarkPrices(cfg config.FeedConfig, log *zap.Logger) *MarkPrices {
	return &MarkPrices{
		client: newClient(cfg.URL, cfg.ReconnectDelay, 20*time.Second, log),
		log:    log,
		now:    time.Now,
		prices: make(map[string]entry),
	}
}

// Subscribe requests mark-price updates for one token. Safe before or
// after Run; subscriptions replay on reconnect.
func (m *MarkPrices) Subscribe(ctx context.Context, token string) error {
	return m.client.subscribe(ctx, map[string]any{
		"method":  "subscribe",
		"channel": "mark_price",
		"token":   token,
	})
}

// Run connects and consumes the stream until the context ends.
func (m *MarkPrices) Run(ctx context.Context) error {
	if err := m.client.connect(ctx); err != nil {
		return err
	}
	return m.client.run(ctx, m.handle)
}

func (m *MarkPrices) handle(raw json.RawMessage) {
	var upd markUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		m.log.Debug("feed message discarded", zap.Error(err))
		return
	}
	if upd.Channel != "mark_price" || upd.Data.Token == "" {
		return
	}
	price, err := decimal.NewFromString(upd.Data.Price)
	if err != nil || price.Sign() <= 0 {
		m.log.Warn("feed delivered unusable price",
			zap.String("token", upd.Data.Token), zap.String("price", upd.Data.Price))
		return
	}
	m.mu.Lock()
	m.prices[upd.Data.Token] = entry{price: price, at: m.now()}
	m.mu.Unlock()
}

// Price returns the current mark price for a token. ok is false for
// unknown tokens and for entries older than the staleness cutoff.
func (m *MarkPrices) Price(token string) (decimal.Decimal, bool) {
	m.mu.RLock()
	e, ok := m.prices[token]
	m.mu.RUnlock()
	if !ok || m.now().Sub(e.at) > maxAge {
		return decimal.Decimal{}, false
	}
	return e.price, true
}

// Age reports how old the entry for a token is.
func (m *MarkPrices) Age(token string) (time.Duration, bool) {
	m.mu.RLock()
	e, ok := m.prices[token]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return m.now().Sub(e.at), true
}
