// Package sentinel implements the per-market circuit breaker. Abnormal price
// movement — a large jump within a short window on one venue, or divergence
// between two venues quoting the same market — freezes the market for a
// cooldown. Freeze state lives in a shared, TTL-expiring store so a stuck
// breaker unfreezes itself; admins can also clear a freeze early.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propdesk/eval-engine/internal/metrics"
	"github.com/propdesk/eval-engine/internal/model"
)

// ErrFreezeStateUnavailable is returned when the freeze store cannot be
// read. Callers on the trading path treat this as frozen (fail closed).
var ErrFreezeStateUnavailable = errors.New("sentinel: freeze state unavailable")

// FreezeStore holds freeze entries keyed by market id. Entries expire on
// their own after the cooldown.
type FreezeStore interface {
	// Freeze records a freeze with a TTL equal to expiresAt - frozenAt.
	Freeze(ctx context.Context, f model.Freeze) error

	// Get returns the unexpired freeze for a market, or (nil, nil) when the
	// market is not frozen.
	Get(ctx context.Context, marketID string) (*model.Freeze, error)

	// Clear removes a freeze before expiry (manual admin action).
	Clear(ctx context.Context, marketID string) error
}

// Config holds breaker thresholds.
type Config struct {
	// DivergenceThreshold is the minimum absolute price move, in probability
	// units, that counts as abnormal (default 0.05 = 5 percentage points).
	DivergenceThreshold decimal.Decimal

	// Window is the maximum elapsed time between two ticks for the move to
	// count (default 1s).
	Window time.Duration

	// Cooldown is how long a freeze lasts (default 30s).
	Cooldown time.Duration
}

// DefaultConfig returns the thresholds used in production.
func DefaultConfig() Config {
	return Config{
		DivergenceThreshold: decimal.NewFromFloat(0.05),
		Window:              time.Second,
		Cooldown:            30 * time.Second,
	}
}

type tick struct {
	price decimal.Decimal
	at    time.Time
}

// Sentinel observes price updates and trips freezes. The last-tick table is
// process-local; freeze state is shared via the FreezeStore so every trading
// instance sees it.
type Sentinel struct {
	cfg    Config
	store  FreezeStore
	logger *slog.Logger

	mu    sync.Mutex
	ticks map[string]tick // keyed by marketID + "|" + venue
}

// New creates a sentinel over the given freeze store.
func New(cfg Config, store FreezeStore, logger *slog.Logger) *Sentinel {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.DivergenceThreshold.IsPositive() {
		cfg.DivergenceThreshold = DefaultConfig().DivergenceThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Sentinel{
		cfg:    cfg,
		store:  store,
		logger: logger,
		ticks:  make(map[string]tick),
	}
}

// ObservePrice records one price tick and trips the breaker when the move
// from the previous tick on the same market+venue is abnormal, or when two
// venues diverge on the same market.
func (s *Sentinel) ObservePrice(ctx context.Context, marketID, venue string, price decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	key := marketID + "|" + venue
	prev, hadPrev := s.ticks[key]
	s.ticks[key] = tick{price: price, at: at}

	// Cross-venue: latest tick from any other venue on this market.
	var crossVenue string
	var crossPrice decimal.Decimal
	var hasCross bool
	for k, t := range s.ticks {
		if k == key {
			continue
		}
		mid, v := splitKey(k)
		if mid == marketID && v != venue {
			crossVenue, crossPrice, hasCross = v, t.price, true
			break
		}
	}
	s.mu.Unlock()

	if hadPrev {
		delta := price.Sub(prev.price).Abs()
		if delta.GreaterThanOrEqual(s.cfg.DivergenceThreshold) && at.Sub(prev.at) <= s.cfg.Window {
			reason := fmt.Sprintf("price moved %s on %s within %s", delta.String(), venue, at.Sub(prev.at))
			return s.trip(ctx, marketID, reason, "velocity", at)
		}
	}

	if hasCross {
		delta := price.Sub(crossPrice).Abs()
		if delta.GreaterThanOrEqual(s.cfg.DivergenceThreshold) {
			reason := fmt.Sprintf("venues %s and %s diverge by %s", venue, crossVenue, delta.String())
			return s.trip(ctx, marketID, reason, "cross_venue", at)
		}
	}

	return nil
}

func (s *Sentinel) trip(ctx context.Context, marketID, reason, trigger string, at time.Time) error {
	f := model.Freeze{
		MarketID:  marketID,
		Reason:    reason,
		FrozenAt:  at,
		ExpiresAt: at.Add(s.cfg.Cooldown),
	}
	if err := s.store.Freeze(ctx, f); err != nil {
		return fmt.Errorf("sentinel: record freeze: %w", err)
	}
	metrics.MarketFreezes.WithLabelValues(trigger).Inc()
	s.logger.Warn("market frozen",
		"market", marketID,
		"trigger", trigger,
		"reason", reason,
		"expires_at", f.ExpiresAt,
	)
	return nil
}

// Status returns the current freeze for a market, or nil when trading is
// allowed. A store read failure is surfaced as ErrFreezeStateUnavailable;
// the trade path rejects the order in that case rather than guessing.
func (s *Sentinel) Status(ctx context.Context, marketID string) (*model.Freeze, error) {
	f, err := s.store.Get(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFreezeStateUnavailable, err)
	}
	return f, nil
}

// Clear removes a freeze ahead of its expiry.
func (s *Sentinel) Clear(ctx context.Context, marketID string) error {
	return s.store.Clear(ctx, marketID)
}

func splitKey(k string) (marketID, venue string) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == '|' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
