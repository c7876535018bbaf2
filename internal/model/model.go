// Package model defines the core domain types shared across the evaluation
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account phases. An account starts in the challenge phase and is promoted
// through verification to funded when the rule evaluator passes it.
const (
	PhaseChallenge    = "challenge"
	PhaseVerification = "verification"
	PhaseFunded       = "funded"
)

// Account statuses.
const (
	StatusActive = "active"
	StatusPassed = "passed"
	StatusFailed = "failed"
	StatusClosed = "closed"
)

// Position directions. A YES share pays 1 if the market resolves yes;
// a NO share is valued at 1 - yesPrice throughout its life.
const (
	DirectionYes = "YES"
	DirectionNo  = "NO"
)

// Position statuses.
const (
	PositionOpen   = "OPEN"
	PositionClosed = "CLOSED"
)

// Trade types.
const (
	TradeBuy  = "BUY"
	TradeSell = "SELL"
)

// ClosureSettlement tags trades created by the settlement sweep rather than
// an explicit user sell.
const ClosureSettlement = "market_settlement"

// RulesConfig is the per-account rule bundle, validated at provisioning time.
//
// Monetary thresholds are absolute currency amounts. Percentage thresholds
// carry a "Pct" suffix and hold 0-100 values. The two kinds are never mixed
// in one field.
type RulesConfig struct {
	ProfitTarget        decimal.Decimal `json:"profit_target" yaml:"profit_target"`                 // absolute $
	MaxTotalDrawdown    decimal.Decimal `json:"max_total_drawdown" yaml:"max_total_drawdown"`       // absolute $
	MaxDailyDrawdownPct decimal.Decimal `json:"max_daily_drawdown_pct" yaml:"max_daily_drawdown_pct"` // % of starting balance
	MaxPositionSizePct  decimal.Decimal `json:"max_position_size_pct" yaml:"max_position_size_pct"` // % of current balance per order
	MaxOpenExposurePct  decimal.Decimal `json:"max_open_exposure_pct" yaml:"max_open_exposure_pct"` // % of current balance across open positions
	DurationDays        int             `json:"duration_days" yaml:"duration_days"`
	ProfitSplitPct      decimal.Decimal `json:"profit_split_pct" yaml:"profit_split_pct"`
	PayoutCap           decimal.Decimal `json:"payout_cap" yaml:"payout_cap"` // absolute $
}

// Account represents one evaluation or funded trading account.
// CurrentBalance is mutated only through the balance manager.
type Account struct {
	ID                string           `json:"id" db:"id"`
	OwnerID           string           `json:"owner_id" db:"owner_id"`
	Phase             string           `json:"phase" db:"phase"`
	Status            string           `json:"status" db:"status"`
	StartingBalance   decimal.Decimal  `json:"starting_balance" db:"starting_balance"`
	CurrentBalance    decimal.Decimal  `json:"current_balance" db:"current_balance"`
	HighWaterMark     decimal.Decimal  `json:"high_water_mark" db:"high_water_mark"`
	StartOfDayBalance decimal.Decimal  `json:"start_of_day_balance" db:"start_of_day_balance"`
	StartOfDayEquity  *decimal.Decimal `json:"start_of_day_equity" db:"start_of_day_equity"` // nil until first daily snapshot
	Rules             RulesConfig      `json:"rules" db:"rules"`
	StartedAt         time.Time        `json:"started_at" db:"started_at"`
	EndsAt            time.Time        `json:"ends_at" db:"ends_at"`
	LastResetAt       time.Time        `json:"last_reset_at" db:"last_reset_at"`
	LastActivityAt    time.Time        `json:"last_activity_at" db:"last_activity_at"`
}

// Position is one open or closed directional stake in a market.
type Position struct {
	ID          string           `json:"id" db:"id"`
	AccountID   string           `json:"account_id" db:"account_id"`
	MarketID    string           `json:"market_id" db:"market_id"`
	Direction   string           `json:"direction" db:"direction"`
	EntryPrice  decimal.Decimal  `json:"entry_price" db:"entry_price"` // 0..1 average entry
	Shares      decimal.Decimal  `json:"shares" db:"shares"`
	SizeAmount  decimal.Decimal  `json:"size_amount" db:"size_amount"` // cost basis in currency
	Status      string           `json:"status" db:"status"`
	OpenedAt    time.Time        `json:"opened_at" db:"opened_at"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
	ClosedPrice *decimal.Decimal `json:"closed_price,omitempty" db:"closed_price"`
	PnL         *decimal.Decimal `json:"pnl,omitempty" db:"pnl"`
}

// Trade is an immutable audit record of one executed order.
// Once created, these are never modified or deleted.
type Trade struct {
	ID            string           `json:"id" db:"id"`
	AccountID     string           `json:"account_id" db:"account_id"`
	PositionID    string           `json:"position_id" db:"position_id"`
	Type          string           `json:"type" db:"type"` // BUY or SELL
	Amount        decimal.Decimal  `json:"amount" db:"amount"`
	Price         decimal.Decimal  `json:"price" db:"price"`
	Shares        decimal.Decimal  `json:"shares" db:"shares"`
	RealizedPnL   *decimal.Decimal `json:"realized_pnl,omitempty" db:"realized_pnl"` // populated on SELL
	ClosureReason string           `json:"closure_reason,omitempty" db:"closure_reason"`
	ExecutedAt    time.Time        `json:"executed_at" db:"executed_at"`
}

// Freeze is the circuit breaker state for one market. Presence of an
// unexpired entry means the market is frozen for new orders.
type Freeze struct {
	MarketID  string    `json:"market_id"`
	Reason    string    `json:"reason"`
	FrozenAt  time.Time `json:"frozen_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DirectionAdjusted returns the value of one share for the side held:
// YES shares are worth yesPrice, NO shares are worth 1 - yesPrice.
func DirectionAdjusted(direction string, yesPrice decimal.Decimal) decimal.Decimal {
	if direction == DirectionNo {
		return decimal.NewFromInt(1).Sub(yesPrice)
	}
	return yesPrice
}
