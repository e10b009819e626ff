package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/edge"
	"funding-arb-bot/internal/gateway"
	"funding-arb-bot/internal/margin"
	"funding-arb-bot/internal/position"
	"funding-arb-bot/internal/recon"
	"funding-arb-bot/internal/risk"
	"funding-arb-bot/internal/schedule"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type captureSender struct {
	mu       sync.Mutex
	messages []string
}

func (s *captureSender) Send(_ context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

func (s *captureSender) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func legKey(venueName string, side gateway.Side) string {
	return venueName + "/" + string(side)
}

// fakeExchange scripts venue behavior per (venue, side): submit errors,
// partial fills, and ground-truth positions for reconciliation.
type fakeExchange struct {
	mu        sync.Mutex
	funding   map[string]gateway.FundingInfo
	depth     map[string]gateway.OrderBookDepth
	balance   decimal.Decimal
	price     decimal.Decimal
	positions map[string][]gateway.VenuePosition
	placeErr  map[string]error
	fillFrac  map[string]decimal.Decimal

	orders map[string]gateway.OrderStatus
	placed []gateway.OrderRequest
	seq    int
}

func deepBook(mid decimal.Decimal) gateway.OrderBookDepth {
	ten := decimal.NewFromInt(10)
	spread := decimal.NewFromInt(10)
	return gateway.OrderBookDepth{
		Bids: []gateway.BookLevel{{Price: mid.Sub(spread), Amount: ten}, {Price: mid.Sub(spread.Mul(decimal.NewFromInt(2))), Amount: ten}},
		Asks: []gateway.BookLevel{{Price: mid.Add(spread), Amount: ten}, {Price: mid.Add(spread.Mul(decimal.NewFromInt(2))), Amount: ten}},
	}
}

func newFakeExchange() *fakeExchange {
	price := dec("100000")
	settle := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	return &fakeExchange{
		funding: map[string]gateway.FundingInfo{
			"binance": {Rate: dec("0.0001"), NextSettlement: settle},
			"bybit":   {Rate: dec("0.0031"), NextSettlement: settle},
		},
		depth: map[string]gateway.OrderBookDepth{
			"binance": deepBook(price),
			"bybit":   deepBook(price),
		},
		balance:   dec("1000000"),
		price:     price,
		positions: make(map[string][]gateway.VenuePosition),
		placeErr:  make(map[string]error),
		fillFrac:  make(map[string]decimal.Decimal),
		orders:    make(map[string]gateway.OrderStatus),
	}
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req gateway.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.placeErr[legKey(req.Venue, req.Side)]; err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("%s-%d", req.Venue, f.seq)
	frac, ok := f.fillFrac[legKey(req.Venue, req.Side)]
	if !ok {
		frac = decimal.NewFromInt(1)
	}
	state := gateway.OrderFilled
	if frac.LessThan(decimal.NewFromInt(1)) {
		state = gateway.OrderPartiallyFilled
	}
	f.orders[id] = gateway.OrderStatus{
		OrderID:      id,
		State:        state,
		FilledAmount: req.Amount.Mul(frac),
		AvgFillPrice: f.price,
	}
	f.placed = append(f.placed, req)
	return id, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.orders[orderID]; ok && st.State != gateway.OrderFilled {
		st.State = gateway.OrderCanceled
		f.orders[orderID] = st
	}
	return nil
}

func (f *fakeExchange) GetOrderStatus(_ context.Context, _, orderID string) (gateway.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.orders[orderID]
	if !ok {
		return gateway.OrderStatus{}, gateway.Stale("unknown order %s", orderID)
	}
	return st, nil
}

func (f *fakeExchange) GetBalance(_ context.Context, _, _ string) (decimal.Decimal, error) {
	return f.balance, nil
}

func (f *fakeExchange) GetFundingInfo(_ context.Context, venueName, _ string) (gateway.FundingInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.funding[venueName]
	if !ok {
		return gateway.FundingInfo{}, gateway.Stale("no funding info for %s", venueName)
	}
	return info, nil
}

func (f *fakeExchange) GetOrderBookDepth(_ context.Context, venueName, _ string) (gateway.OrderBookDepth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depth[venueName], nil
}

func (f *fakeExchange) GetPositions(_ context.Context, venueName string) ([]gateway.VenuePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[venueName], nil
}

func (f *fakeExchange) placedOrders() []gateway.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.OrderRequest(nil), f.placed...)
}

func newTestCoordinator(t *testing.T, fake *fakeExchange) (*Coordinator, *position.Registry, *captureSender) {
	t.Helper()
	reg := position.NewRegistry(100)
	rm := risk.NewManager(risk.Limits{
		MaxNotionalPerVenue: dec("50000"),
		MaxTotalNotional:    dec("200000"),
		MaxLeverage:         dec("10"),
		MaxConcentration:    dec("1"),
		MaxImpactRatio:      dec("0.5"),
		MaxHedgeGap:         dec("0.1"),
	}, reg)
	mm := margin.NewMonitor(margin.Config{
		SafetyBuffer:     dec("0.2"),
		MaxLeverage:      dec("5"),
		DeleverageTarget: dec("1"),
		MinLiqDistance:   dec("0.15"),
	})
	sender := &captureSender{}
	c := New(Config{
		Tokens:            []string{"BTC-USDT"},
		Venues:            []string{"binance", "bybit"},
		NotionalUSD:       dec("10000"),
		Leverage:          dec("1"),
		MinEdgeUSD:        dec("1"),
		StopFundingDiff:   dec("-0.0001"),
		TargetProfitUSD:   dec("50"),
		BorrowRateHourly:  dec("0.00001"),
		ValidationTimeout: 150 * time.Millisecond,
		VerifyTimeout:     150 * time.Millisecond,
		EmergencyTimeout:  300 * time.Millisecond,
		MinHoldTime:       10 * time.Minute,
	}, Deps{
		Gateway:   fake,
		Registry:  reg,
		Risk:      rm,
		Margin:    mm,
		Scheduler: schedule.NewScheduler(30*time.Minute, 24*time.Hour),
		Recon:     recon.NewEngine(fake, zap.NewNop()),
		Notifier:  alerts.NewNotifier(sender, zap.NewNop()),
		Log:       zap.NewNop(),
	})
	c.pollInterval = 2 * time.Millisecond
	// Advancing clock anchored at a time safely between settlements.
	base := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	start := time.Now()
	c.now = func() time.Time { return base.Add(time.Since(start)) }
	return c, reg, sender
}

func makeActive(t *testing.T, c *Coordinator, reg *position.Registry, leverage string) string {
	t.Helper()
	id := reg.Create("BTC-USDT", "binance", "bybit", dec("10000"), dec(leverage),
		edge.Breakdown{}, c.now().Add(-5*time.Hour))
	if err := reg.MarkValidating(id, "l1", "s1"); err != nil {
		t.Fatalf("MarkValidating: %v", err)
	}
	err := reg.MarkActive(id,
		position.Leg{Venue: "binance", OrderID: "l1", FilledAmount: dec("0.1"), AvgFillPrice: dec("100000")},
		position.Leg{Venue: "bybit", OrderID: "s1", FilledAmount: dec("0.1"), AvgFillPrice: dec("100000")},
	)
	if err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	return id
}

func TestScanOpensPositionHappyPath(t *testing.T) {
	fake := newFakeExchange()
	c, reg, sender := newTestCoordinator(t, fake)

	c.Scan(context.Background())

	open := reg.Open()
	if len(open) != 1 {
		t.Fatalf("expected one open position, got %d", len(open))
	}
	snap := open[0]
	if snap.Status != position.Active {
		t.Fatalf("expected active position, got %v", snap.Status)
	}
	if snap.LegLong.Venue != "binance" || snap.LegShort.Venue != "bybit" {
		t.Fatalf("expected long binance / short bybit, got %s / %s", snap.LegLong.Venue, snap.LegShort.Venue)
	}
	if !snap.LegLong.FilledAmount.Equal(dec("0.1")) || !snap.LegShort.FilledAmount.Equal(dec("0.1")) {
		t.Fatalf("expected both legs filled 0.1, got %v / %v",
			snap.LegLong.FilledAmount, snap.LegShort.FilledAmount)
	}

	orders := fake.placedOrders()
	if len(orders) != 2 {
		t.Fatalf("expected exactly two leg orders, got %d", len(orders))
	}
	opened := false
	for _, msg := range sender.all() {
		if strings.Contains(msg, "OPENED BTC-USDT") {
			opened = true
		}
	}
	if !opened {
		t.Fatalf("expected open alert, got %v", sender.all())
	}

	// A second scan must not stack a second position on the same token.
	c.Scan(context.Background())
	if len(reg.Open()) != 1 || len(fake.placedOrders()) != 2 {
		t.Fatalf("second scan must not duplicate the position")
	}
}

func TestPartialFillRollsBackToClosed(t *testing.T) {
	fake := newFakeExchange()
	// The short leg only ever fills 40%: the resulting 60% gap must
	// trigger an emergency close of both legs.
	fake.fillFrac[legKey("bybit", gateway.Sell)] = dec("0.4")
	c, reg, _ := newTestCoordinator(t, fake)

	c.Scan(context.Background())

	if n := len(reg.Open()); n != 0 {
		t.Fatalf("position must not stay open, got %d open", n)
	}
	archive := reg.Archive()
	if len(archive) != 1 || archive[0].Status != position.Closed {
		t.Fatalf("expected emergency-closed position in archive, got %+v", archive)
	}

	var unwindSell, unwindBuy bool
	for _, o := range fake.placedOrders() {
		if o.Venue == "binance" && o.Side == gateway.Sell && o.Amount.Equal(dec("0.1")) {
			unwindSell = true
		}
		if o.Venue == "bybit" && o.Side == gateway.Buy && o.Amount.Equal(dec("0.04")) {
			unwindBuy = true
		}
	}
	if !unwindSell || !unwindBuy {
		t.Fatalf("expected both legs unwound, orders: %+v", fake.placedOrders())
	}
}

func TestSubmitFailureRollsBackSibling(t *testing.T) {
	fake := newFakeExchange()
	fake.placeErr[legKey("bybit", gateway.Sell)] = gateway.Rejected("margin check failed")
	c, reg, _ := newTestCoordinator(t, fake)

	c.Scan(context.Background())

	if n := len(reg.Open()); n != 0 {
		t.Fatalf("failed open must not leave an open position, got %d", n)
	}
	archive := reg.Archive()
	if len(archive) != 1 || archive[0].Status != position.Closed {
		t.Fatalf("expected rolled-back position in archive, got %+v", archive)
	}
	var closedLong bool
	for _, o := range fake.placedOrders() {
		if o.Venue == "binance" && o.Side == gateway.Sell && o.Amount.Equal(dec("0.1")) {
			closedLong = true
		}
	}
	if !closedLong {
		t.Fatalf("the filled long leg must be closed during rollback, orders: %+v", fake.placedOrders())
	}
}

func TestZeroDepthRejectsBeforeAnyOrder(t *testing.T) {
	fake := newFakeExchange()
	// Books have prices but no resting size; the spread alone keeps the
	// edge positive thanks to a wide differential.
	empty := deepBook(dec("100000"))
	for i := range empty.Bids {
		empty.Bids[i].Amount = decimal.Decimal{}
	}
	for i := range empty.Asks {
		empty.Asks[i].Amount = decimal.Decimal{}
	}
	fake.depth["binance"] = empty
	fake.depth["bybit"] = empty
	fake.funding["bybit"] = gateway.FundingInfo{Rate: dec("0.02")}
	c, reg, _ := newTestCoordinator(t, fake)

	c.Scan(context.Background())

	if len(fake.placedOrders()) != 0 {
		t.Fatalf("no order may be submitted without visible depth")
	}
	if len(reg.Open()) != 0 || len(reg.Archive()) != 0 {
		t.Fatalf("no position may be created without liquidity")
	}
}

func TestNonPositiveDifferentialNeverOpens(t *testing.T) {
	fake := newFakeExchange()
	fake.funding["binance"] = gateway.FundingInfo{Rate: dec("0.0002")}
	fake.funding["bybit"] = gateway.FundingInfo{Rate: dec("0.0002")}
	c, reg, _ := newTestCoordinator(t, fake)

	c.Scan(context.Background())

	if len(fake.placedOrders()) != 0 {
		t.Fatalf("equal rates leave no edge in either direction, no order may be placed")
	}
	if len(reg.Open()) != 0 {
		t.Fatalf("no position may be created on a non-positive differential")
	}
}

func TestSuperviseClosesOnFundingReversal(t *testing.T) {
	fake := newFakeExchange()
	fake.funding["binance"] = gateway.FundingInfo{Rate: dec("0.001")}
	fake.funding["bybit"] = gateway.FundingInfo{Rate: dec("0.0001")}
	c, reg, _ := newTestCoordinator(t, fake)
	id := makeActive(t, c, reg, "1")

	c.SuperviseActive(context.Background())

	if _, ok := reg.Get(id); ok {
		t.Fatalf("reversed funding must close the position")
	}
	archive := reg.Archive()
	if len(archive) != 1 || archive[0].Status != position.Closed {
		t.Fatalf("expected closed position, got %+v", archive)
	}
	if !strings.Contains(archive[0].StatusReason, "funding differential reversed") {
		t.Fatalf("unexpected close reason %q", archive[0].StatusReason)
	}
}

func TestSuperviseClosesOnTakeProfit(t *testing.T) {
	fake := newFakeExchange()
	c, reg, _ := newTestCoordinator(t, fake)
	id := makeActive(t, c, reg, "1")
	if err := reg.AddFundingPayment(id, position.FundingPayment{
		At: c.now(), Venue: "bybit", Amount: dec("60"),
	}); err != nil {
		t.Fatalf("AddFundingPayment: %v", err)
	}

	c.SuperviseActive(context.Background())

	archive := reg.Archive()
	if len(archive) != 1 || archive[0].StatusReason != "take profit reached" {
		t.Fatalf("expected take-profit close, got %+v", archive)
	}
}

func TestSuperviseAccruesFundingOncePerSettlement(t *testing.T) {
	fake := newFakeExchange()
	c, reg, _ := newTestCoordinator(t, fake)
	id := makeActive(t, c, reg, "1") // entered 5h ago, one 00:00 UTC settlement in between

	c.SuperviseActive(context.Background())
	snap, ok := reg.Get(id)
	if !ok {
		t.Fatalf("position must stay open")
	}
	// Short receives 0.0031 * 10000, long pays 0.0001 * 10000.
	if !snap.FundingCollected.Equal(dec("30")) {
		t.Fatalf("expected 30 collected, got %v", snap.FundingCollected)
	}

	c.SuperviseActive(context.Background())
	snap, _ = reg.Get(id)
	if !snap.FundingCollected.Equal(dec("30")) {
		t.Fatalf("same settlement must not accrue twice, got %v", snap.FundingCollected)
	}
}

func TestCheckHedgesEmergencyOnDrift(t *testing.T) {
	fake := newFakeExchange()
	c, reg, _ := newTestCoordinator(t, fake)
	id := makeActive(t, c, reg, "1")
	if err := reg.UpdateLegFills(id, dec("0.1"), dec("0.04")); err != nil {
		t.Fatalf("UpdateLegFills: %v", err)
	}

	c.CheckHedges(context.Background())

	archive := reg.Archive()
	if len(archive) != 1 || archive[0].Status != position.Closed {
		t.Fatalf("drifted hedge must be emergency closed, got %+v", archive)
	}
	if !strings.Contains(archive[0].StatusReason, "hedge gap drifted") {
		t.Fatalf("unexpected reason %q", archive[0].StatusReason)
	}
}

func TestCheckHedgesEmergencyOnLostLeg(t *testing.T) {
	fake := newFakeExchange()
	c, reg, _ := newTestCoordinator(t, fake)
	id := makeActive(t, c, reg, "1")
	if err := reg.UpdateLegFills(id, dec("0.1"), decimal.Decimal{}); err != nil {
		t.Fatalf("UpdateLegFills: %v", err)
	}

	c.CheckHedges(context.Background())

	archive := reg.Archive()
	if len(archive) != 1 || archive[0].Status != position.Closed {
		t.Fatalf("one-legged hedge must be emergency closed, got %+v", archive)
	}
}

func TestCheckMarginsDeleverages(t *testing.T) {
	fake := newFakeExchange()
	c, reg, _ := newTestCoordinator(t, fake)
	id := makeActive(t, c, reg, "2")
	fake.positions["binance"] = []gateway.VenuePosition{{
		Venue: "binance", Pair: "BTC-USDT", Side: gateway.Buy,
		Amount: dec("0.1"), MarginRatio: dec("1.05"),
	}}
	fake.positions["bybit"] = []gateway.VenuePosition{{
		Venue: "bybit", Pair: "BTC-USDT", Side: gateway.Sell,
		Amount: dec("0.1"), MarginRatio: dec("3"),
	}}

	c.CheckMargins(context.Background())

	snap, ok := reg.Get(id)
	if !ok {
		t.Fatalf("deleveraged position must stay open")
	}
	if !snap.LegLong.FilledAmount.Equal(dec("0.05")) || !snap.LegShort.FilledAmount.Equal(dec("0.05")) {
		t.Fatalf("expected both legs halved, got %v / %v",
			snap.LegLong.FilledAmount, snap.LegShort.FilledAmount)
	}
	var reducedLong, reducedShort bool
	for _, o := range fake.placedOrders() {
		if o.Venue == "binance" && o.Side == gateway.Sell && o.Amount.Equal(dec("0.05")) {
			reducedLong = true
		}
		if o.Venue == "bybit" && o.Side == gateway.Buy && o.Amount.Equal(dec("0.05")) {
			reducedShort = true
		}
	}
	if !reducedLong || !reducedShort {
		t.Fatalf("expected simultaneous partial closes, orders: %+v", fake.placedOrders())
	}
}

func TestSuperviseTakeProfitIncludesMarkToMarket(t *testing.T) {
	fake := newFakeExchange()
	c, reg, _ := newTestCoordinator(t, fake)
	// The short filled 1000 above the long: +100 of basis is locked in
	// at entry. Funding alone (30.31) stays below the 50 target; only
	// the combined value crosses it.
	id := reg.Create("BTC-USDT", "binance", "bybit", dec("10000"), dec("1"),
		edge.Breakdown{}, c.now().Add(-5*time.Hour))
	if err := reg.MarkValidating(id, "l1", "s1"); err != nil {
		t.Fatalf("MarkValidating: %v", err)
	}
	err := reg.MarkActive(id,
		position.Leg{Venue: "binance", OrderID: "l1", FilledAmount: dec("0.1"), AvgFillPrice: dec("100000")},
		position.Leg{Venue: "bybit", OrderID: "s1", FilledAmount: dec("0.1"), AvgFillPrice: dec("101000")},
	)
	if err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	c.SuperviseActive(context.Background())

	archive := reg.Archive()
	if len(archive) != 1 || archive[0].StatusReason != "take profit reached" {
		t.Fatalf("funding plus mark-to-market crosses the target, expected close, got %+v", archive)
	}
	if archive[0].FundingCollected.GreaterThanOrEqual(dec("50")) {
		t.Fatalf("funding alone must stay below target for this scenario, got %v",
			archive[0].FundingCollected)
	}
}

func TestRecoverResumesValidatingPosition(t *testing.T) {
	fake := newFakeExchange()
	fake.orders["l1"] = gateway.OrderStatus{
		OrderID: "l1", State: gateway.OrderFilled, FilledAmount: dec("0.1"), AvgFillPrice: dec("100000"),
	}
	fake.orders["s1"] = gateway.OrderStatus{
		OrderID: "s1", State: gateway.OrderFilled, FilledAmount: dec("0.1"), AvgFillPrice: dec("100000"),
	}
	c, reg, _ := newTestCoordinator(t, fake)
	reg.Restore([]position.Snapshot{{
		ID: "p-val", Token: "BTC-USDT", Status: position.Validating,
		RequestedNotional: dec("10000"), Leverage: dec("1"),
		LegLong:  position.Leg{Venue: "binance", OrderID: "l1"},
		LegShort: position.Leg{Venue: "bybit", OrderID: "s1"},
		EntryAt:  c.now().Add(-time.Minute),
	}})

	c.Recover(context.Background())

	snap, ok := reg.Get("p-val")
	if !ok || snap.Status != position.Active {
		t.Fatalf("restored validating position must resume to active, got %+v ok=%v", snap, ok)
	}
	if !snap.LegLong.FilledAmount.Equal(dec("0.1")) || !snap.LegShort.FilledAmount.Equal(dec("0.1")) {
		t.Fatalf("fills must come from the recorded orders, got %v / %v",
			snap.LegLong.FilledAmount, snap.LegShort.FilledAmount)
	}
	if len(fake.placedOrders()) != 0 {
		t.Fatalf("resuming validation must not submit new orders, got %+v", fake.placedOrders())
	}
}

func TestRecoverUnwindsInterruptedCloses(t *testing.T) {
	fake := newFakeExchange()
	c, reg, _ := newTestCoordinator(t, fake)
	legLong := position.Leg{Venue: "binance", OrderID: "gone-1", FilledAmount: dec("0.1"), AvgFillPrice: dec("100000")}
	legShort := position.Leg{Venue: "bybit", OrderID: "gone-2", FilledAmount: dec("0.1"), AvgFillPrice: dec("100000")}
	reg.Restore([]position.Snapshot{
		{
			ID: "p-closing", Token: "BTC-USDT", Status: position.Closing,
			RequestedNotional: dec("10000"), Leverage: dec("1"),
			LegLong: legLong, LegShort: legShort, EntryAt: c.now().Add(-time.Hour),
		},
		{
			ID: "p-em", Token: "BTC-USDT", Status: position.EmergencyClose,
			RequestedNotional: dec("10000"), Leverage: dec("1"),
			LegLong: legLong, LegShort: legShort, EntryAt: c.now().Add(-time.Hour),
		},
	})

	c.Recover(context.Background())

	if n := len(reg.Open()); n != 0 {
		t.Fatalf("interrupted closes must not stay open, got %d", n)
	}
	archive := reg.Archive()
	if len(archive) != 2 {
		t.Fatalf("expected both positions archived, got %d", len(archive))
	}
	for _, snap := range archive {
		if snap.Status != position.Closed {
			t.Fatalf("expected closed, got %+v", snap)
		}
	}
	var sells, buys int
	for _, o := range fake.placedOrders() {
		if o.Venue == "binance" && o.Side == gateway.Sell && o.Amount.Equal(dec("0.1")) {
			sells++
		}
		if o.Venue == "bybit" && o.Side == gateway.Buy && o.Amount.Equal(dec("0.1")) {
			buys++
		}
	}
	if sells != 2 || buys != 2 {
		t.Fatalf("expected both legs of both positions unwound, orders: %+v", fake.placedOrders())
	}
}

func TestRecoverClosesStalePendingWithoutOrders(t *testing.T) {
	fake := newFakeExchange()
	c, reg, _ := newTestCoordinator(t, fake)
	reg.Restore([]position.Snapshot{{
		ID: "p-pending", Token: "BTC-USDT", Status: position.Pending,
		RequestedNotional: dec("10000"), Leverage: dec("1"),
		LegLong:  position.Leg{Venue: "binance"},
		LegShort: position.Leg{Venue: "bybit"},
		EntryAt:  c.now().Add(-time.Minute),
	}})

	c.Recover(context.Background())

	if n := len(reg.Open()); n != 0 {
		t.Fatalf("restored pending position must not reserve capacity forever, got %d open", n)
	}
	archive := reg.Archive()
	if len(archive) != 1 || archive[0].Status != position.Closed {
		t.Fatalf("expected closed archive entry, got %+v", archive)
	}
	if len(fake.placedOrders()) != 0 {
		t.Fatalf("a position with no submitted legs has nothing to unwind, orders: %+v", fake.placedOrders())
	}
}

type countingCounter struct {
	mu sync.Mutex
	n  int
}

func (c *countingCounter) Inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestScanSkipCountersSplitBalanceAndLiquidity(t *testing.T) {
	fake := newFakeExchange()
	fake.balance = dec("10")
	c, reg, _ := newTestCoordinator(t, fake)
	balanceSkips := &countingCounter{}
	slippageSkips := &countingCounter{}
	c.met.ScanSkipsBalance = balanceSkips
	c.met.ScanSkipsSlippage = slippageSkips

	c.Scan(context.Background())
	if balanceSkips.count() != 1 || slippageSkips.count() != 0 {
		t.Fatalf("expected one balance skip, got balance=%d slippage=%d",
			balanceSkips.count(), slippageSkips.count())
	}
	if len(reg.Open()) != 0 || len(fake.placedOrders()) != 0 {
		t.Fatalf("insufficient balance must not open anything")
	}

	fake2 := newFakeExchange()
	empty := deepBook(dec("100000"))
	for i := range empty.Bids {
		empty.Bids[i].Amount = decimal.Decimal{}
	}
	for i := range empty.Asks {
		empty.Asks[i].Amount = decimal.Decimal{}
	}
	fake2.depth["binance"] = empty
	fake2.depth["bybit"] = empty
	fake2.funding["bybit"] = gateway.FundingInfo{Rate: dec("0.02")}
	c2, _, _ := newTestCoordinator(t, fake2)
	balanceSkips2 := &countingCounter{}
	slippageSkips2 := &countingCounter{}
	c2.met.ScanSkipsBalance = balanceSkips2
	c2.met.ScanSkipsSlippage = slippageSkips2

	c2.Scan(context.Background())
	if slippageSkips2.count() != 1 || balanceSkips2.count() != 0 {
		t.Fatalf("expected one slippage skip, got balance=%d slippage=%d",
			balanceSkips2.count(), slippageSkips2.count())
	}
}

func TestStatusSummarizesEvaluationsAndRisk(t *testing.T) {
	fake := newFakeExchange()
	c, _, _ := newTestCoordinator(t, fake)

	c.Scan(context.Background())

	st := c.Status()
	if st.OpenPositions != 1 || st.Halted {
		t.Fatalf("expected one open position and no halt, got %+v", st)
	}
	if st.EvaluationsTotal != 2 || st.EvaluationsProfitable != 1 {
		t.Fatalf("both ordered venue pairs are evaluated, one is profitable, got %d/%d",
			st.EvaluationsProfitable, st.EvaluationsTotal)
	}
	if st.ProfitabilityRate != 0.5 {
		t.Fatalf("expected profitability rate 0.5, got %v", st.ProfitabilityRate)
	}
	if len(st.LastProfitable) != 1 {
		t.Fatalf("expected one recent profitable evaluation, got %d", len(st.LastProfitable))
	}
	if !st.Risk.TotalNotional.Equal(dec("20000")) {
		t.Fatalf("both legs count toward notional, got %v", st.Risk.TotalNotional)
	}
	if !st.Risk.TotalUtilization.Equal(dec("0.1")) {
		t.Fatalf("expected 10%% utilization of the 200k limit, got %v", st.Risk.TotalUtilization)
	}
}

func TestThinBookDetection(t *testing.T) {
	fake := newFakeExchange()
	thin := deepBook(dec("100000"))
	for i := range thin.Bids {
		thin.Bids[i].Amount = dec("0.01")
	}
	for i := range thin.Asks {
		thin.Asks[i].Amount = dec("0.01")
	}
	fake.depth["binance"] = thin
	c, _, _ := newTestCoordinator(t, fake)

	ctx := context.Background()
	if !c.thinBook(ctx, "BTC-USDT", "binance", gateway.Sell, dec("0.1")) {
		t.Fatalf("0.02 of resting bids cannot absorb a 0.1 sell")
	}
	if c.thinBook(ctx, "BTC-USDT", "bybit", gateway.Sell, dec("0.1")) {
		t.Fatalf("the deep book absorbs the order")
	}
	if c.thinBook(ctx, "BTC-USDT", "binance", gateway.Sell, decimal.Decimal{}) {
		t.Fatalf("a zero-size order is never thin")
	}
}

func TestReconHaltBlocksNewOpens(t *testing.T) {
	fake := newFakeExchange()
	c, reg, sender := newTestCoordinator(t, fake)
	makeActive(t, c, reg, "1")
	// Ground truth wildly disagrees with the believed long leg.
	fake.positions["binance"] = []gateway.VenuePosition{{
		Venue: "binance", Pair: "BTC-USDT", Side: gateway.Buy, Amount: dec("0.01"),
	}}
	fake.positions["bybit"] = []gateway.VenuePosition{{
		Venue: "bybit", Pair: "BTC-USDT", Side: gateway.Sell, Amount: dec("0.1"),
	}}

	for i := 0; i < 3; i++ {
		c.RunReconciliation(context.Background())
	}
	if !c.Halted() {
		t.Fatalf("three critical cycles must latch the halt")
	}

	halts := 0
	for _, msg := range sender.all() {
		if strings.Contains(msg, "RECONCILIATION HALT") {
			halts++
		}
	}
	if halts != 1 {
		t.Fatalf("expected exactly one halt alert, got %d", halts)
	}

	before := len(fake.placedOrders())
	c.Scan(context.Background())
	if len(fake.placedOrders()) != before {
		t.Fatalf("halted engine must not submit orders")
	}
}
