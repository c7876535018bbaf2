package sentinel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propdesk/eval-engine/internal/model"
	"github.com/propdesk/eval-engine/internal/sentinel"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestSentinel(t *testing.T) (*sentinel.Sentinel, *sentinel.MemoryFreezeStore) {
	t.Helper()
	fs := sentinel.NewMemoryFreezeStore()
	s := sentinel.New(sentinel.DefaultConfig(), fs, nil)
	return s, fs
}

func TestRapidMoveTripsBreaker(t *testing.T) {
	s, _ := newTestSentinel(t)
	ctx := context.Background()
	base := time.Now().UTC()

	if err := s.ObservePrice(ctx, "mkt1", "alpha", d(0.50), base); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	// 5 percentage points within 400ms: abnormal.
	if err := s.ObservePrice(ctx, "mkt1", "alpha", d(0.55), base.Add(400*time.Millisecond)); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	freeze, err := s.Status(ctx, "mkt1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if freeze == nil {
		t.Fatal("expected market frozen")
	}
	wantExpiry := base.Add(400*time.Millisecond + 30*time.Second)
	if !freeze.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires at %v, want %v", freeze.ExpiresAt, wantExpiry)
	}
	if freeze.Reason == "" {
		t.Error("freeze should carry a reason")
	}
}

func TestSlowMoveDoesNotTrip(t *testing.T) {
	s, _ := newTestSentinel(t)
	ctx := context.Background()
	base := time.Now().UTC()

	s.ObservePrice(ctx, "mkt1", "alpha", d(0.50), base)
	// Same 5-point move but over 2s: normal repricing.
	s.ObservePrice(ctx, "mkt1", "alpha", d(0.55), base.Add(2*time.Second))

	freeze, err := s.Status(ctx, "mkt1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if freeze != nil {
		t.Errorf("slow move should not freeze, got %+v", freeze)
	}
}

func TestSmallMoveDoesNotTrip(t *testing.T) {
	s, _ := newTestSentinel(t)
	ctx := context.Background()
	base := time.Now().UTC()

	s.ObservePrice(ctx, "mkt1", "alpha", d(0.50), base)
	s.ObservePrice(ctx, "mkt1", "alpha", d(0.53), base.Add(100*time.Millisecond))

	freeze, _ := s.Status(ctx, "mkt1")
	if freeze != nil {
		t.Errorf("3-point move should not freeze, got %+v", freeze)
	}
}

func TestCrossVenueDivergenceTrips(t *testing.T) {
	s, _ := newTestSentinel(t)
	ctx := context.Background()
	base := time.Now().UTC()

	s.ObservePrice(ctx, "mkt1", "alpha", d(0.50), base)
	// Other venue quotes the same market 8 points away.
	s.ObservePrice(ctx, "mkt1", "beta", d(0.58), base.Add(5*time.Second))

	freeze, err := s.Status(ctx, "mkt1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if freeze == nil {
		t.Fatal("cross-venue divergence should freeze the market")
	}
}

func TestFreezeExpiresWithoutIntervention(t *testing.T) {
	fs := sentinel.NewMemoryFreezeStore()
	s := sentinel.New(sentinel.DefaultConfig(), fs, nil)
	ctx := context.Background()
	base := time.Now().UTC()

	s.ObservePrice(ctx, "mkt1", "alpha", d(0.50), base)
	s.ObservePrice(ctx, "mkt1", "alpha", d(0.60), base.Add(200*time.Millisecond))

	if freeze, _ := s.Status(ctx, "mkt1"); freeze == nil {
		t.Fatal("expected frozen before expiry")
	}

	// Advance the store clock past the cooldown.
	fs.SetClock(func() time.Time { return base.Add(31 * time.Second) })

	freeze, err := s.Status(ctx, "mkt1")
	if err != nil {
		t.Fatalf("status after expiry: %v", err)
	}
	if freeze != nil {
		t.Errorf("freeze should self-expire, got %+v", freeze)
	}
}

func TestManualClear(t *testing.T) {
	s, _ := newTestSentinel(t)
	ctx := context.Background()
	base := time.Now().UTC()

	s.ObservePrice(ctx, "mkt1", "alpha", d(0.50), base)
	s.ObservePrice(ctx, "mkt1", "alpha", d(0.60), base.Add(100*time.Millisecond))

	if err := s.Clear(ctx, "mkt1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if freeze, _ := s.Status(ctx, "mkt1"); freeze != nil {
		t.Errorf("freeze should be cleared, got %+v", freeze)
	}
}

func TestIndependentMarkets(t *testing.T) {
	s, _ := newTestSentinel(t)
	ctx := context.Background()
	base := time.Now().UTC()

	s.ObservePrice(ctx, "mkt1", "alpha", d(0.50), base)
	s.ObservePrice(ctx, "mkt1", "alpha", d(0.60), base.Add(100*time.Millisecond))
	s.ObservePrice(ctx, "mkt2", "alpha", d(0.50), base)

	if freeze, _ := s.Status(ctx, "mkt2"); freeze != nil {
		t.Errorf("mkt2 should be unaffected by mkt1's freeze, got %+v", freeze)
	}
}

// failingFreezeStore simulates the backing store being unreachable.
type failingFreezeStore struct{}

func (failingFreezeStore) Freeze(context.Context, model.Freeze) error { return errors.New("down") }
func (failingFreezeStore) Get(context.Context, string) (*model.Freeze, error) {
	return nil, errors.New("down")
}
func (failingFreezeStore) Clear(context.Context, string) error { return errors.New("down") }

func TestStatusFailsClosedOnStoreError(t *testing.T) {
	s := sentinel.New(sentinel.DefaultConfig(), failingFreezeStore{}, nil)

	_, err := s.Status(context.Background(), "mkt1")
	if !errors.Is(err, sentinel.ErrFreezeStateUnavailable) {
		t.Fatalf("expected ErrFreezeStateUnavailable, got %v", err)
	}
}
