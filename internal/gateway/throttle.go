package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ThrottleConfig bounds the call rate per venue and the retry policy for
// transient failures. Rejections and stale-data errors are never retried.
type ThrottleConfig struct {
	CallsPerSecond float64
	Burst          int
	RetryAttempts  int
	RetryMinDelay  time.Duration
	RetryMaxDelay  time.Duration
}

// Throttled wraps an Exchange with per-venue token-bucket rate limiting
// and bounded retry with exponential backoff for transient errors.
type Throttled struct {
	inner Exchange
	cfg   ThrottleConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewThrottled(inner Exchange, cfg ThrottleConfig) *Throttled {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryMinDelay <= 0 {
		cfg.RetryMinDelay = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryMinDelay {
		cfg.RetryMaxDelay = cfg.RetryMinDelay
	}
	return &Throttled{
		inner:    inner,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *Throttled) limiter(venue string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.limiters[venue]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(t.cfg.CallsPerSecond), t.cfg.Burst)
		t.limiters[venue] = lim
	}
	return lim
}

func (t *Throttled) call(ctx context.Context, venue string, fn func() error) error {
	b := &backoff.Backoff{
		Min:    t.cfg.RetryMinDelay,
		Max:    t.cfg.RetryMaxDelay,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for attempt := 0; attempt < t.cfg.RetryAttempts; attempt++ {
		if err := t.limiter(venue).Wait(ctx); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}

func (t *Throttled) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	var id string
	err := t.call(ctx, req.Venue, func() error {
		var err error
		id, err = t.inner.PlaceOrder(ctx, req)
		return err
	})
	return id, err
}

func (t *Throttled) CancelOrder(ctx context.Context, venue, orderID string) error {
	return t.call(ctx, venue, func() error {
		return t.inner.CancelOrder(ctx, venue, orderID)
	})
}

func (t *Throttled) GetOrderStatus(ctx context.Context, venue, orderID string) (OrderStatus, error) {
	var st OrderStatus
	err := t.call(ctx, venue, func() error {
		var err error
		st, err = t.inner.GetOrderStatus(ctx, venue, orderID)
		return err
	})
	return st, err
}

func (t *Throttled) GetBalance(ctx context.Context, venue, asset string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := t.call(ctx, venue, func() error {
		var err error
		bal, err = t.inner.GetBalance(ctx, venue, asset)
		return err
	})
	return bal, err
}

func (t *Throttled) GetFundingInfo(ctx context.Context, venue, pair string) (FundingInfo, error) {
	var fi FundingInfo
	err := t.call(ctx, venue, func() error {
		var err error
		fi, err = t.inner.GetFundingInfo(ctx, venue, pair)
		return err
	})
	return fi, err
}

func (t *Throttled) GetOrderBookDepth(ctx context.Context, venue, pair string) (OrderBookDepth, error) {
	var depth OrderBookDepth
	err := t.call(ctx, venue, func() error {
		var err error
		depth, err = t.inner.GetOrderBookDepth(ctx, venue, pair)
		return err
	})
	return depth, err
}

func (t *Throttled) GetPositions(ctx context.Context, venue string) ([]VenuePosition, error) {
	var positions []VenuePosition
	err := t.call(ctx, venue, func() error {
		var err error
		positions, err = t.inner.GetPositions(ctx, venue)
		return err
	})
	return positions, err
}
