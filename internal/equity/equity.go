// Package equity values an account: cash plus the mark-to-market value of
// its open positions at the oracle's latest prices.
package equity

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/propdesk/eval-engine/internal/model"
	"github.com/propdesk/eval-engine/internal/oracle"
)

// Value returns cash plus the direction-adjusted market value of the open
// positions. A position whose market has no live quote is valued at its
// entry price: the feed going quiet must not manufacture phantom drawdown.
func Value(ctx context.Context, o oracle.Oracle, cash decimal.Decimal, positions []model.Position) decimal.Decimal {
	total := cash
	for _, p := range positions {
		if p.Status != model.PositionOpen {
			continue
		}
		// EntryPrice is already side-adjusted; only a live quote needs the
		// YES->NO conversion.
		value := p.Shares.Mul(p.EntryPrice)
		if q, err := o.LatestPrice(ctx, p.MarketID); err == nil {
			value = p.Shares.Mul(model.DirectionAdjusted(p.Direction, q.YesPrice))
		}
		total = total.Add(value)
	}
	return total
}

// OpenExposure returns the summed cost basis of the open positions, the
// input to the open-exposure limit check.
func OpenExposure(positions []model.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		if p.Status == model.PositionOpen {
			total = total.Add(p.SizeAmount)
		}
	}
	return total
}
