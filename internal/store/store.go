// Package store defines the persistence interface for the evaluation engine.
// Implementations include PostgreSQL (source of truth, row-level locking) and
// in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propdesk/eval-engine/internal/model"
)

// Sentinel errors shared by all implementations.
var (
	ErrAccountNotFound  = errors.New("store: account not found")
	ErrPositionNotFound = errors.New("store: position not found")
	ErrDuplicateAccount = errors.New("store: account already exists")
)

// Store is the persistence interface. Every money-mutating operation runs
// inside WithinTx with an explicit Tx handle; there is no ambient connection.
type Store interface {
	// WithinTx runs fn inside one transaction. Any error from fn rolls the
	// whole transaction back; nil commits it.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Read-only queries (no row locks) ---

	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListActiveAccounts(ctx context.Context) ([]model.Account, error)

	GetPosition(ctx context.Context, id string) (*model.Position, error)
	ListOpenPositions(ctx context.Context) ([]model.Position, error)
	ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error)
	ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error)

	CreateAccount(ctx context.Context, a *model.Account) error
}

// Tx is the unit-of-work handle passed through every core operation.
// ForUpdate reads take a row lock held until commit/rollback, so two
// concurrent trades on one account (or two settlement runs on one position)
// serialize instead of both reading the same starting state.
type Tx interface {
	// GetAccountForUpdate reads and row-locks an account.
	GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error)

	// UpdateAccountBalance writes the new cash balance and bumps
	// last-activity. Callers go through the balance manager, never here
	// directly.
	UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error

	// UpdateAccountStatus transitions the account lifecycle state.
	UpdateAccountStatus(ctx context.Context, id, status string) error

	// UpdateHighWaterMark raises the drawdown baseline.
	UpdateHighWaterMark(ctx context.Context, id string, hwm decimal.Decimal) error

	// SetStartOfDay re-bases the daily-loss baseline (nightly reset).
	SetStartOfDay(ctx context.Context, id string, balance, equity decimal.Decimal, at time.Time) error

	// GetPositionForUpdate reads and row-locks a position.
	GetPositionForUpdate(ctx context.Context, id string) (*model.Position, error)

	// GetOpenPositionForUpdate finds and row-locks the OPEN position for
	// account+market+direction, or returns (nil, nil) when there is none.
	GetOpenPositionForUpdate(ctx context.Context, accountID, marketID, direction string) (*model.Position, error)

	CreatePosition(ctx context.Context, p *model.Position) error

	// IncreasePosition adds shares/cost to an open position and re-averages
	// its entry price.
	IncreasePosition(ctx context.Context, id string, shares, sizeAmount, entryPrice decimal.Decimal) error

	// ClosePosition takes the position out of OPEN: shares to zero, status
	// CLOSED, close price/PnL/timestamp recorded.
	ClosePosition(ctx context.Context, id string, closedPrice, pnl decimal.Decimal, at time.Time) error

	// ListOpenPositionsByAccount returns the account's OPEN positions within
	// the transaction, for in-tx equity and exposure computation.
	ListOpenPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error)

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error
}
