// Package oracle provides read-only access to the shared price cache
// populated by the external ingestion pipeline. The engine consumes prices
// and resolution status here; it never writes them.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoQuote is returned when the cache has no price for a market. The core
// never falls back to a stale or default price; callers surface this as a
// retryable "market data unavailable" error.
var ErrNoQuote = errors.New("oracle: no quote for market")

// Quote is the latest YES price for a market, in probability units (0..1).
type Quote struct {
	MarketID  string          `json:"market_id"`
	YesPrice  decimal.Decimal `json:"yes_price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Resolution is the final outcome of a market.
type Resolution struct {
	IsResolved      bool             `json:"is_resolved"`
	WinningOutcome  string           `json:"winning_outcome,omitempty"`  // "YES" or "NO"
	ResolutionPrice *decimal.Decimal `json:"resolution_price,omitempty"` // 0 or 1 when present
}

// SettlementPrice returns the YES-side settlement price (0 or 1), preferring
// an explicit resolution price over the outcome label. ok is false when
// neither is available; callers must skip settlement rather than guess.
func (r Resolution) SettlementPrice() (price decimal.Decimal, ok bool) {
	if r.ResolutionPrice != nil {
		return *r.ResolutionPrice, true
	}
	switch r.WinningOutcome {
	case "YES":
		return decimal.NewFromInt(1), true
	case "NO":
		return decimal.Zero, true
	}
	return decimal.Zero, false
}

// Oracle is the price/resolution read interface.
type Oracle interface {
	// LatestPrice returns the current YES price for a market, or ErrNoQuote.
	LatestPrice(ctx context.Context, marketID string) (*Quote, error)

	// BatchResolutionStatus returns resolution status for a set of markets
	// in one round trip. Markets absent from the result are unresolved.
	BatchResolutionStatus(ctx context.Context, marketIDs []string) (map[string]Resolution, error)
}
