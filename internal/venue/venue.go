// Package venue holds the static capability table for supported venues:
// settlement cadence and buffers, default fee tiers, and trading-pair
// parsing. Live fee schedules override the defaults when available.
package venue

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type AssetClass string

const (
	Stablecoin AssetClass = "stablecoin"
	Major      AssetClass = "major"
	Altcoin    AssetClass = "altcoin"
)

// Capabilities describes the funding mechanics of one venue. Settlement
// hours are UTC; minutes are always :00 on supported venues.
type Capabilities struct {
	Name            string
	SettlementHours []int
	PreBuffer       time.Duration
	PostDelay       time.Duration
	TakerFees       map[AssetClass]decimal.Decimal
}

// Cadence is the spacing between consecutive settlements.
func (c Capabilities) Cadence() time.Duration {
	if len(c.SettlementHours) == 0 {
		return 8 * time.Hour
	}
	return 24 * time.Hour / time.Duration(len(c.SettlementHours))
}

// TakerFee returns the default taker fee for the asset class, falling
// back to the altcoin tier when the class is unknown.
func (c Capabilities) TakerFee(class AssetClass) decimal.Decimal {
	if fee, ok := c.TakerFees[class]; ok {
		return fee
	}
	return c.TakerFees[Altcoin]
}

func everyHour() []int {
	hours := make([]int, 24)
	for i := range hours {
		hours[i] = i
	}
	return hours
}

func feeTiers(stable, major, alt string) map[AssetClass]decimal.Decimal {
	return map[AssetClass]decimal.Decimal{
		Stablecoin: decimal.RequireFromString(stable),
		Major:      decimal.RequireFromString(major),
		Altcoin:    decimal.RequireFromString(alt),
	}
}

var table = map[string]Capabilities{
	"binance": {
		Name:            "binance",
		SettlementHours: []int{0, 8, 16},
		PreBuffer:       3 * time.Minute,
		PostDelay:       2 * time.Minute,
		TakerFees:       feeTiers("0.0002", "0.0004", "0.0005"),
	},
	"bybit": {
		Name:            "bybit",
		SettlementHours: []int{0, 8, 16},
		PreBuffer:       5 * time.Minute,
		PostDelay:       3 * time.Minute,
		TakerFees:       feeTiers("0.0003", "0.00055", "0.00055"),
	},
	"okx": {
		Name:            "okx",
		SettlementHours: []int{0, 8, 16},
		PreBuffer:       4 * time.Minute,
		PostDelay:       2 * time.Minute,
		TakerFees:       feeTiers("0.0003", "0.0005", "0.0005"),
	},
	"gate_io": {
		Name:            "gate_io",
		SettlementHours: []int{0, 8, 16},
		PreBuffer:       5 * time.Minute,
		PostDelay:       3 * time.Minute,
		TakerFees:       feeTiers("0.0003", "0.0005", "0.00075"),
	},
	"kucoin": {
		Name:            "kucoin",
		SettlementHours: []int{0, 8, 16},
		PreBuffer:       6 * time.Minute,
		PostDelay:       3 * time.Minute,
		TakerFees:       feeTiers("0.0002", "0.0006", "0.0006"),
	},
	"hyperliquid": {
		Name:            "hyperliquid",
		SettlementHours: everyHour(),
		PreBuffer:       3 * time.Minute,
		PostDelay:       2 * time.Minute,
		TakerFees:       feeTiers("0.00025", "0.00035", "0.00035"),
	},
}

var defaultCapabilities = Capabilities{
	Name:            "default",
	SettlementHours: []int{0, 8, 16},
	PreBuffer:       5 * time.Minute,
	PostDelay:       3 * time.Minute,
	TakerFees:       feeTiers("0.0003", "0.0005", "0.0006"),
}

// Lookup returns the capability row for a venue. Unknown venues get the
// conservative default row and ok=false so the caller can log once.
func Lookup(name string) (Capabilities, bool) {
	name = strings.ToLower(strings.TrimSuffix(strings.ToLower(name), "_perpetual"))
	if caps, ok := table[name]; ok {
		return caps, true
	}
	return defaultCapabilities, false
}

var quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "DAI", "USD", "BTC", "ETH"}

// SplitPair splits a trading pair into base and quote. Delimited forms
// ("BTC-USDT", "BTC/USDT", "BTC_USDT") are split at the delimiter;
// otherwise known quote suffixes are tried longest first.
func SplitPair(pair string) (base, quote string, ok bool) {
	upper := strings.ToUpper(pair)
	for _, delim := range []string{"-", "/", "_"} {
		if b, q, found := strings.Cut(upper, delim); found {
			return b, q, b != "" && q != ""
		}
	}
	best := ""
	for _, q := range quoteAssets {
		if strings.HasSuffix(upper, q) && len(upper) > len(q) && len(q) > len(best) {
			best = q
		}
	}
	if best == "" {
		return "", "", false
	}
	return strings.TrimSuffix(upper, best), best, true
}

var stablecoins = map[string]bool{
	"USDT": true, "USDC": true, "DAI": true, "FDUSD": true, "BUSD": true, "TUSD": true,
}

var majors = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true, "BNB": true,
}

// Classify buckets a base asset into a fee tier class.
func Classify(base string) AssetClass {
	upper := strings.ToUpper(base)
	switch {
	case stablecoins[upper]:
		return Stablecoin
	case majors[upper]:
		return Major
	default:
		return Altcoin
	}
}
