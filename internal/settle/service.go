// Package settle reconciles open positions against resolved markets. Price
// feeds stop updating once a market closes, so without this sweep resolved
// positions would sit open forever with stale marks.
package settle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/propdesk/eval-engine/internal/balance"
	"github.com/propdesk/eval-engine/internal/equity"
	"github.com/propdesk/eval-engine/internal/metrics"
	"github.com/propdesk/eval-engine/internal/model"
	"github.com/propdesk/eval-engine/internal/oracle"
	"github.com/propdesk/eval-engine/internal/store"
	"github.com/propdesk/eval-engine/internal/trade"
)

// Summary reports one sweep's outcome. Individual position failures are
// collected here; they never abort the batch.
type Summary struct {
	PositionsChecked int             `json:"positions_checked"`
	PositionsSettled int             `json:"positions_settled"`
	TotalPnLSettled  decimal.Decimal `json:"total_pnl_settled"`
	Errors           []string        `json:"errors"`
}

// ResetSummary reports one daily reset run.
type ResetSummary struct {
	AccountsReset int      `json:"accounts_reset"`
	Errors        []string `json:"errors"`
}

// Service runs the settlement sweep and the nightly start-of-day reset.
type Service struct {
	store  store.Store
	oracle oracle.Oracle
	bank   *balance.Manager
	trades *trade.Service // rule enforcement shared with the executor
	hub    *trade.WSHub   // optional
	secret string
	logger *slog.Logger
}

// NewService creates a settlement service.
func NewService(st store.Store, o oracle.Oracle, bank *balance.Manager, trades *trade.Service, hub *trade.WSHub, secret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		oracle: o,
		bank:   bank,
		trades: trades,
		hub:    hub,
		secret: secret,
		logger: logger,
	}
}

// Run executes one settlement sweep: find every OPEN position whose market
// has resolved, close it under a row lock, and credit proceeds. Safe to run
// concurrently or re-run after a crash; the locked re-read skips positions a
// concurrent run already closed.
func (s *Service) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary := Summary{TotalPnLSettled: decimal.Zero, Errors: []string{}}

	positions, err := s.store.ListOpenPositions(ctx)
	if err != nil {
		return summary, fmt.Errorf("settle: list open positions: %w", err)
	}
	summary.PositionsChecked = len(positions)
	if len(positions) == 0 {
		return summary, nil
	}

	// One round trip for all resolution statuses, not N+1.
	marketSet := make(map[string]struct{})
	for _, p := range positions {
		marketSet[p.MarketID] = struct{}{}
	}
	marketIDs := make([]string, 0, len(marketSet))
	for id := range marketSet {
		marketIDs = append(marketIDs, id)
	}
	resolutions, err := s.oracle.BatchResolutionStatus(ctx, marketIDs)
	if err != nil {
		return summary, fmt.Errorf("settle: batch resolution status: %w", err)
	}

	for _, p := range positions {
		res, ok := resolutions[p.MarketID]
		if !ok || !res.IsResolved {
			continue
		}

		yesPrice, ok := res.SettlementPrice()
		if !ok {
			s.logger.Warn("resolved market has no settlement price, skipping",
				"market", p.MarketID,
				"position", p.ID,
			)
			continue
		}

		pnl, settled, err := s.settlePosition(ctx, p.ID, yesPrice)
		if err != nil {
			metrics.SettlementErrors.Inc()
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("position %s: %v", p.ID, err))
			continue
		}
		if settled {
			summary.PositionsSettled++
			summary.TotalPnLSettled = summary.TotalPnLSettled.Add(pnl)
			metrics.PositionsSettled.Inc()
		}
	}

	s.logger.Info("settlement sweep complete",
		"checked", summary.PositionsChecked,
		"settled", summary.PositionsSettled,
		"total_pnl", summary.TotalPnLSettled.String(),
		"errors", len(summary.Errors),
		"duration", time.Since(start),
	)
	return summary, nil
}

// settlePosition closes one position atomically. Returns settled=false when
// a concurrent run got there first — that is the double-settlement guard,
// not an error.
func (s *Service) settlePosition(ctx context.Context, positionID string, yesPrice decimal.Decimal) (pnl decimal.Decimal, settled bool, err error) {
	now := time.Now().UTC()

	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetPositionForUpdate(ctx, positionID)
		if err != nil {
			return err
		}
		if locked.Status != model.PositionOpen {
			return nil // already settled or manually closed; skip silently
		}

		settlementPrice := model.DirectionAdjusted(locked.Direction, yesPrice)
		proceeds := locked.Shares.Mul(settlementPrice)
		pnl = locked.Shares.Mul(settlementPrice.Sub(locked.EntryPrice))

		if err := tx.ClosePosition(ctx, positionID, settlementPrice, pnl, now); err != nil {
			return err
		}

		if proceeds.IsPositive() {
			if _, err := s.bank.CreditProceeds(ctx, tx, locked.AccountID, proceeds, "market_settlement"); err != nil {
				return err
			}
		}

		t := &model.Trade{
			ID:            uuid.New().String(),
			AccountID:     locked.AccountID,
			PositionID:    positionID,
			Type:          model.TradeSell,
			Amount:        proceeds,
			Price:         settlementPrice,
			Shares:        locked.Shares,
			RealizedPnL:   &pnl,
			ClosureReason: model.ClosureSettlement,
			ExecutedAt:    now,
		}
		if err := tx.InsertTrade(ctx, t); err != nil {
			return err
		}

		if _, err := s.trades.EnforceRules(ctx, tx, locked.AccountID); err != nil {
			return err
		}

		settled = true

		if s.hub != nil {
			s.hub.Broadcast(trade.WSMessage{
				Type:      "position_settled",
				AccountID: locked.AccountID,
				MarketID:  locked.MarketID,
				Direction: locked.Direction,
				Amount:    proceeds.String(),
				Price:     settlementPrice.String(),
			})
		}
		return nil
	})
	return pnl, settled, err
}

// RunDailyReset re-bases every active account's start-of-day balance and
// equity, the baseline the daily-loss rule measures against.
func (s *Service) RunDailyReset(ctx context.Context) (ResetSummary, error) {
	summary := ResetSummary{Errors: []string{}}

	accounts, err := s.store.ListActiveAccounts(ctx)
	if err != nil {
		return summary, fmt.Errorf("reset: list active accounts: %w", err)
	}

	now := time.Now().UTC()
	for _, a := range accounts {
		err := s.store.WithinTx(ctx, func(tx store.Tx) error {
			locked, err := tx.GetAccountForUpdate(ctx, a.ID)
			if err != nil {
				return err
			}
			positions, err := tx.ListOpenPositionsByAccount(ctx, a.ID)
			if err != nil {
				return err
			}
			eq := equity.Value(ctx, s.oracle, locked.CurrentBalance, positions)

			if err := tx.SetStartOfDay(ctx, a.ID, locked.CurrentBalance, eq, now); err != nil {
				return err
			}
			if eq.GreaterThan(locked.HighWaterMark) {
				return tx.UpdateHighWaterMark(ctx, a.ID, eq)
			}
			return nil
		})
		if err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("account %s: %v", a.ID, err))
			continue
		}
		summary.AccountsReset++
	}

	s.logger.Info("daily reset complete",
		"accounts", summary.AccountsReset,
		"errors", len(summary.Errors),
	)
	return summary, nil
}

// --- HTTP triggers (scheduler-authenticated) ---

// HandleRun handles POST /api/v1/admin/settlement/run
func (s *Service) HandleRun(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	summary, err := s.Run(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// HandleDailyReset handles POST /api/v1/admin/daily-reset
func (s *Service) HandleDailyReset(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	summary, err := s.RunDailyReset(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (s *Service) authorized(r *http.Request) bool {
	return s.secret == "" || r.Header.Get("X-Scheduler-Secret") == s.secret
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
