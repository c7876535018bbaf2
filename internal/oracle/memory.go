package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryOracle is an in-process oracle for tests and development.
type MemoryOracle struct {
	mu          sync.RWMutex
	quotes      map[string]Quote
	resolutions map[string]Resolution
}

// NewMemoryOracle creates an empty in-memory oracle.
func NewMemoryOracle() *MemoryOracle {
	return &MemoryOracle{
		quotes:      make(map[string]Quote),
		resolutions: make(map[string]Resolution),
	}
}

// SetPrice records the current YES price for a market.
func (o *MemoryOracle) SetPrice(marketID string, yesPrice decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[marketID] = Quote{
		MarketID:  marketID,
		YesPrice:  yesPrice,
		Timestamp: time.Now().UTC(),
	}
}

// RemovePrice drops the quote for a market (simulates a dead feed).
func (o *MemoryOracle) RemovePrice(marketID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.quotes, marketID)
}

// SetResolution records a market's final outcome.
func (o *MemoryOracle) SetResolution(marketID string, r Resolution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolutions[marketID] = r
}

func (o *MemoryOracle) LatestPrice(_ context.Context, marketID string) (*Quote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	q, ok := o.quotes[marketID]
	if !ok {
		return nil, ErrNoQuote
	}
	return &q, nil
}

func (o *MemoryOracle) BatchResolutionStatus(_ context.Context, marketIDs []string) (map[string]Resolution, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]Resolution, len(marketIDs))
	for _, id := range marketIDs {
		if r, ok := o.resolutions[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}
