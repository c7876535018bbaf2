package equity_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/propdesk/eval-engine/internal/equity"
	"github.com/propdesk/eval-engine/internal/model"
	"github.com/propdesk/eval-engine/internal/oracle"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestValue(t *testing.T) {
	o := oracle.NewMemoryOracle()
	o.SetPrice("mkt1", d(0.60))
	o.SetPrice("mkt2", d(0.30))

	positions := []model.Position{
		{MarketID: "mkt1", Direction: model.DirectionYes, Shares: d(100), EntryPrice: d(0.50), Status: model.PositionOpen},
		{MarketID: "mkt2", Direction: model.DirectionNo, Shares: d(50), EntryPrice: d(0.80), Status: model.PositionOpen},
		{MarketID: "mkt1", Direction: model.DirectionYes, Shares: d(999), EntryPrice: d(0.50), Status: model.PositionClosed},
	}

	// 1000 cash + 100 * 0.60 + 50 * (1 - 0.30); the closed position is ignored.
	got := equity.Value(context.Background(), o, d(1000), positions)
	if !got.Equal(d(1095)) {
		t.Errorf("equity = %s, want 1095", got)
	}
}

func TestValue_EntryPriceFallback(t *testing.T) {
	o := oracle.NewMemoryOracle() // no quotes at all

	positions := []model.Position{
		// NO position: EntryPrice is the NO-side fill, used as-is.
		{MarketID: "mkt1", Direction: model.DirectionNo, Shares: d(200), EntryPrice: d(0.35), Status: model.PositionOpen},
	}

	got := equity.Value(context.Background(), o, d(500), positions)
	if !got.Equal(d(570)) {
		t.Errorf("equity = %s, want 570 (500 + 200 * 0.35)", got)
	}
}

func TestOpenExposure(t *testing.T) {
	positions := []model.Position{
		{SizeAmount: d(300), Status: model.PositionOpen},
		{SizeAmount: d(200), Status: model.PositionOpen},
		{SizeAmount: d(999), Status: model.PositionClosed},
	}
	if got := equity.OpenExposure(positions); !got.Equal(d(500)) {
		t.Errorf("exposure = %s, want 500", got)
	}
}
