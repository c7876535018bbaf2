// Package risk computes drawdown, daily-loss, and profit-target state from an
// account's rules and current equity. Pure computation: no I/O, no side
// effects, so every rule is testable as a function of its inputs.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/propdesk/eval-engine/internal/model"
)

var (
	// ErrPositionTooLarge is returned when a single order exceeds the
	// per-position percentage-of-balance cap.
	ErrPositionTooLarge = errors.New("risk: order exceeds max position size")

	// ErrExposureTooLarge is returned when total open exposure plus the new
	// order exceeds the account's open-exposure cap.
	ErrExposureTooLarge = errors.New("risk: order exceeds max open exposure")
)

var hundred = decimal.NewFromInt(100)

// Snapshot is the result of one rule evaluation.
type Snapshot struct {
	TotalPnL            decimal.Decimal  `json:"total_pnl"`
	DrawdownAmount      decimal.Decimal  `json:"drawdown_amount"`
	DrawdownUsage       decimal.Decimal  `json:"drawdown_usage"` // % of max total drawdown, may exceed 100
	DailyPnL            *decimal.Decimal `json:"daily_pnl"`      // nil until a start-of-day equity snapshot exists
	DailyDrawdownAmount decimal.Decimal  `json:"daily_drawdown_amount"`
	DailyDrawdownUsage  decimal.Decimal  `json:"daily_drawdown_usage"`
	ProfitProgress      decimal.Decimal  `json:"profit_progress"` // clamped to [0, 100]
	TargetReached       bool             `json:"target_reached"`
}

// Breached reports whether a hard limit is blown: total or daily drawdown
// usage at or beyond 100%.
func (s Snapshot) Breached() bool {
	return s.DrawdownUsage.GreaterThanOrEqual(hundred) ||
		s.DailyDrawdownUsage.GreaterThanOrEqual(hundred)
}

// Evaluate computes the risk snapshot for one account state.
//
// equity is cash plus mark-to-market value of open positions.
// startOfDayEquity is nil for accounts that have not yet received a daily
// snapshot; daily P&L is then reported as unknown rather than computed from
// a mismatched cash-only baseline.
func Evaluate(rules model.RulesConfig, startingBalance, equity, highWaterMark decimal.Decimal, startOfDayEquity *decimal.Decimal) Snapshot {
	snap := Snapshot{
		TotalPnL: equity.Sub(startingBalance),
	}

	snap.DrawdownAmount = decimal.Max(decimal.Zero, highWaterMark.Sub(equity))
	snap.DrawdownUsage = usage(snap.DrawdownAmount, rules.MaxTotalDrawdown)

	if startOfDayEquity != nil {
		daily := equity.Sub(*startOfDayEquity)
		snap.DailyPnL = &daily
		snap.DailyDrawdownAmount = decimal.Max(decimal.Zero, startOfDayEquity.Sub(equity))
		dailyLimit := rules.MaxDailyDrawdownPct.Div(hundred).Mul(startingBalance)
		snap.DailyDrawdownUsage = usage(snap.DailyDrawdownAmount, dailyLimit)
	}

	snap.ProfitProgress = profitProgress(snap.TotalPnL, rules.ProfitTarget)
	snap.TargetReached = rules.ProfitTarget.IsPositive() &&
		snap.TotalPnL.GreaterThanOrEqual(rules.ProfitTarget)

	return snap
}

// usage returns amount/limit as a percentage, treating a zero or negative
// limit as 0% used rather than dividing by zero.
func usage(amount, limit decimal.Decimal) decimal.Decimal {
	if !limit.IsPositive() {
		return decimal.Zero
	}
	return amount.Div(limit).Mul(hundred)
}

// profitProgress returns totalPnL/target as a percentage clamped to [0, 100].
func profitProgress(totalPnL, target decimal.Decimal) decimal.Decimal {
	if !target.IsPositive() {
		return decimal.Zero
	}
	progress := totalPnL.Div(target).Mul(hundred)
	if progress.IsNegative() {
		return decimal.Zero
	}
	if progress.GreaterThan(hundred) {
		return hundred
	}
	return progress
}

// ValidateOrder checks a prospective order against the account's
// position-size and open-exposure caps. openExposure is the cost basis
// summed across the account's currently open positions.
func ValidateOrder(rules model.RulesConfig, currentBalance, openExposure, orderAmount decimal.Decimal) error {
	if rules.MaxPositionSizePct.IsPositive() {
		maxOrder := rules.MaxPositionSizePct.Div(hundred).Mul(currentBalance)
		if orderAmount.GreaterThan(maxOrder) {
			return ErrPositionTooLarge
		}
	}
	if rules.MaxOpenExposurePct.IsPositive() {
		maxExposure := rules.MaxOpenExposurePct.Div(hundred).Mul(currentBalance)
		if openExposure.Add(orderAmount).GreaterThan(maxExposure) {
			return ErrExposureTooLarge
		}
	}
	return nil
}

// ValidateRules rejects rule bundles that would be meaningless or unsafe at
// provisioning time, before any account is created with them.
func ValidateRules(rules model.RulesConfig) error {
	switch {
	case !rules.ProfitTarget.IsPositive():
		return errors.New("risk: profit target must be a positive dollar amount")
	case !rules.MaxTotalDrawdown.IsPositive():
		return errors.New("risk: max total drawdown must be a positive dollar amount")
	case rules.MaxDailyDrawdownPct.IsNegative() || rules.MaxDailyDrawdownPct.GreaterThan(hundred):
		return errors.New("risk: max daily drawdown must be a percentage in [0, 100]")
	case rules.MaxPositionSizePct.IsNegative() || rules.MaxPositionSizePct.GreaterThan(hundred):
		return errors.New("risk: max position size must be a percentage in [0, 100]")
	case rules.MaxOpenExposurePct.IsNegative() || rules.MaxOpenExposurePct.GreaterThan(hundred):
		return errors.New("risk: max open exposure must be a percentage in [0, 100]")
	case rules.ProfitSplitPct.IsNegative() || rules.ProfitSplitPct.GreaterThan(hundred):
		return errors.New("risk: profit split must be a percentage in [0, 100]")
	case rules.DurationDays <= 0:
		return errors.New("risk: duration must be at least one day")
	}
	return nil
}
