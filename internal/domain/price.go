package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source labels carried by every resolved price for provenance.
const (
	SourceTokenMetrics = "tokenmetrics"
	SourceCoinGecko    = "coingecko"
	SourceBinance      = "binance"
	SourceCache        = "cache"
	SourceFallback     = "fallback"
)

// PriceRecord is the canonical USD price for a single asset.
// AssetKey is the normalized ticker (see NormalizeAssetKey); the shared
// price table holds at most one live row per AssetKey.
type PriceRecord struct {
	AssetKey  string           `json:"asset_key"`
	PriceUSD  decimal.Decimal  `json:"price_usd"`
	Change24h *decimal.Decimal `json:"change_24h_pct,omitempty"` // absent when the provider did not supply it
	UpdatedAt time.Time        `json:"updated_at"`
	Source    string           `json:"source"`
	IsStale   bool             `json:"is_stale,omitempty"` // older than the fresh window but still the best we have
}

// Age returns how long ago the record was last updated.
func (r PriceRecord) Age() time.Duration {
	return time.Since(r.UpdatedAt)
}

// quoteCurrencies are suffixes stripped from trading-pair style input
// such as "BTC/USDT" or "ETH-USD".
var quoteCurrencies = map[string]bool{
	"USDT": true,
	"USD":  true,
	"USDC": true,
	"BUSD": true,
}

// NormalizeAssetKey maps user input to the canonical asset key:
// trimmed, upper-cased, quote-currency suffix removed.
// "btc", "BTC/USDT" and "BTC/USD" all normalize to "BTC".
// Returns "" for input that cannot name an asset.
func NormalizeAssetKey(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return ""
	}
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(s, sep); i > 0 {
			if quoteCurrencies[s[i+len(sep):]] {
				s = s[:i]
			}
			break
		}
	}
	return s
}

// stablecoins are pegged 1:1 to USD; unresolved requests for them fall
// back to a synthesized $1.00 record rather than coming back empty.
var stablecoins = map[string]bool{
	"USDT": true,
	"USDC": true,
	"DAI":  true,
	"BUSD": true,
	"TUSD": true,
	"USDP": true,
}

// IsStablecoin reports whether the normalized key is a known USD stablecoin.
func IsStablecoin(assetKey string) bool {
	return stablecoins[assetKey]
}

// StablecoinFallback synthesizes a $1.00 record for a stablecoin whose
// price could not be resolved. The record is never persisted.
func StablecoinFallback(assetKey string) PriceRecord {
	return PriceRecord{
		AssetKey:  assetKey,
		PriceUSD:  decimal.NewFromInt(1),
		UpdatedAt: time.Now(),
		Source:    SourceFallback,
	}
}
