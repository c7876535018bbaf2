// Package balance is the sole authority for mutating an account's cash
// balance. Every mutation runs inside a caller-supplied transaction and
// leaves a forensic log entry, so every dollar's provenance is traceable.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propdesk/eval-engine/internal/metrics"
	"github.com/propdesk/eval-engine/internal/store"
)

var (
	// ErrNegativeBalance is the hard invariant: a deduct that would take the
	// balance below zero (beyond a $0.01 rounding tolerance) aborts the
	// enclosing transaction. Never clamped, never a warning.
	ErrNegativeBalance = errors.New("balance: balance would go negative")

	// ErrInvalidAmount is returned for zero or negative mutation amounts.
	ErrInvalidAmount = errors.New("balance: amount must be positive")
)

// negativeTolerance absorbs sub-cent rounding from share-price arithmetic.
var negativeTolerance = decimal.NewFromFloat(-0.01)

// Manager performs the two narrow, symmetric balance mutations. Callers must
// hold the account row lock via tx before calling either.
type Manager struct {
	largeTxnThreshold decimal.Decimal
	logger            *slog.Logger
}

// NewManager creates a balance manager. Deducts or credits above
// largeTxnThreshold are flagged to observability without blocking.
func NewManager(largeTxnThreshold decimal.Decimal, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		largeTxnThreshold: largeTxnThreshold,
		logger:            logger,
	}
}

// DeductCost subtracts amount from the account's cash balance.
// Returns the new balance, or ErrNegativeBalance if the deduct would breach
// the no-negative-balance invariant.
func (m *Manager) DeductCost(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, source string) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}

	account, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("deduct: %w", err)
	}

	newBalance := account.CurrentBalance.Sub(amount)
	if newBalance.LessThan(negativeTolerance) {
		m.logger.Error("balance would go negative",
			"operation", "DEDUCT",
			"account", accountID,
			"source", source,
			"amount", amount.String(),
			"before", account.CurrentBalance.String(),
			"after", newBalance.String(),
		)
		metrics.BalanceRejections.Inc()
		return decimal.Zero, ErrNegativeBalance
	}

	if amount.GreaterThan(m.largeTxnThreshold) {
		m.logger.Warn("large transaction",
			"operation", "DEDUCT",
			"account", accountID,
			"source", source,
			"amount", amount.String(),
		)
		metrics.BalanceAnomalies.WithLabelValues("large_transaction").Inc()
	}

	if err := tx.UpdateAccountBalance(ctx, accountID, newBalance, time.Now().UTC()); err != nil {
		return decimal.Zero, fmt.Errorf("deduct: write balance: %w", err)
	}

	m.logger.Info("balance mutation",
		"operation", "DEDUCT",
		"account", accountID,
		"source", source,
		"amount", amount.String(),
		"before", account.CurrentBalance.String(),
		"after", newBalance.String(),
	)
	return newBalance, nil
}

// CreditProceeds adds amount to the account's cash balance. Crediting cannot
// make a balance negative, so it always succeeds once the account resolves.
func (m *Manager) CreditProceeds(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, source string) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidAmount
	}

	account, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit: %w", err)
	}

	newBalance := account.CurrentBalance.Add(amount)

	// A single credit larger than the whole starting balance usually means
	// broken settlement math, not a legitimate win. Flag, don't block.
	if amount.GreaterThan(account.StartingBalance) {
		m.logger.Warn("credit larger than starting balance",
			"operation", "CREDIT",
			"account", accountID,
			"source", source,
			"amount", amount.String(),
			"starting_balance", account.StartingBalance.String(),
		)
		metrics.BalanceAnomalies.WithLabelValues("oversized_credit").Inc()
	}
	if amount.GreaterThan(m.largeTxnThreshold) {
		m.logger.Warn("large transaction",
			"operation", "CREDIT",
			"account", accountID,
			"source", source,
			"amount", amount.String(),
		)
		metrics.BalanceAnomalies.WithLabelValues("large_transaction").Inc()
	}

	if err := tx.UpdateAccountBalance(ctx, accountID, newBalance, time.Now().UTC()); err != nil {
		return decimal.Zero, fmt.Errorf("credit: write balance: %w", err)
	}

	m.logger.Info("balance mutation",
		"operation", "CREDIT",
		"account", accountID,
		"source", source,
		"amount", amount.String(),
		"before", account.CurrentBalance.String(),
		"after", newBalance.String(),
	)
	return newBalance, nil
}
