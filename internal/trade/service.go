// Package trade provides the HTTP handlers and business logic for account
// provisioning, trade execution, and position close.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/propdesk/eval-engine/internal/balance"
	"github.com/propdesk/eval-engine/internal/equity"
	"github.com/propdesk/eval-engine/internal/metrics"
	"github.com/propdesk/eval-engine/internal/model"
	"github.com/propdesk/eval-engine/internal/oracle"
	"github.com/propdesk/eval-engine/internal/risk"
	"github.com/propdesk/eval-engine/internal/sentinel"
	"github.com/propdesk/eval-engine/internal/store"
)

// State-conflict errors, reported distinctly so the caller can explain why.
var (
	ErrNotOwner         = errors.New("trade: account not owned by caller")
	ErrAccountNotActive = errors.New("trade: account is not active")
	ErrMarketFrozen     = errors.New("trade: market is frozen")
	ErrPositionClosed   = errors.New("trade: position is not open")
)

// Service orchestrates trades end-to-end. Correctness under concurrency
// comes from row-level locks inside store transactions, not a service-wide
// mutex: trading and settlement race on the same rows from independent
// handlers.
type Service struct {
	store   store.Store
	oracle  oracle.Oracle
	breaker *sentinel.Sentinel
	bank    *balance.Manager
	hub     *WSHub // optional, nil disables broadcasts
	secret  string // shared secret for internal/admin endpoints
	logger  *slog.Logger
}

// NewService creates a trade service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, o oracle.Oracle, breaker *sentinel.Sentinel, bank *balance.Manager, hub *WSHub, secret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		oracle:  o,
		breaker: breaker,
		bank:    bank,
		hub:     hub,
		secret:  secret,
		logger:  logger,
	}
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for account provisioning.
type CreateAccountRequest struct {
	OwnerID         string            `json:"owner_id"`
	Phase           string            `json:"phase"` // empty → challenge
	StartingBalance decimal.Decimal   `json:"starting_balance"`
	Rules           model.RulesConfig `json:"rules"`
}

// TradeRequest is the JSON body for POST /trade (a BUY).
type TradeRequest struct {
	AccountID string          `json:"account_id"`
	OwnerID   string          `json:"owner_id"`
	MarketID  string          `json:"market_id"`
	Direction string          `json:"direction"` // "YES" or "NO"
	Amount    decimal.Decimal `json:"amount"`    // currency to spend
}

// TradeResponse is returned from POST /trade.
type TradeResponse struct {
	Trade      model.Trade     `json:"trade"`
	Position   model.Position  `json:"position"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Risk       risk.Snapshot   `json:"risk"`
}

// CloseRequest is the JSON body for closing a position.
type CloseRequest struct {
	AccountID string `json:"account_id"`
	OwnerID   string `json:"owner_id"`
}

// CloseResponse is returned from a position close.
type CloseResponse struct {
	Proceeds   decimal.Decimal `json:"proceeds"`
	Invested   decimal.Decimal `json:"invested"`
	PnL        decimal.Decimal `json:"pnl"`
	Trade      model.Trade     `json:"trade"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Risk       risk.Snapshot   `json:"risk"`
}

// PriceTickRequest is the ingestion pipeline's fan-in payload; ticks feed
// the circuit breaker's velocity and divergence checks.
type PriceTickRequest struct {
	MarketID  string          `json:"market_id"`
	Venue     string          `json:"venue"`
	YesPrice  decimal.Decimal `json:"yes_price"`
	Timestamp time.Time       `json:"timestamp"` // zero → now
}

// --- HTTP Handlers ---

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		writeError(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	if !req.StartingBalance.IsPositive() {
		writeError(w, "starting_balance must be positive", http.StatusBadRequest)
		return
	}
	if err := risk.ValidateRules(req.Rules); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	phase := req.Phase
	if phase == "" {
		phase = model.PhaseChallenge
	}
	switch phase {
	case model.PhaseChallenge, model.PhaseVerification, model.PhaseFunded:
	default:
		writeError(w, "invalid phase", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	account := &model.Account{
		ID:                uuid.New().String(),
		OwnerID:           req.OwnerID,
		Phase:             phase,
		Status:            model.StatusActive,
		StartingBalance:   req.StartingBalance,
		CurrentBalance:    req.StartingBalance,
		HighWaterMark:     req.StartingBalance,
		StartOfDayBalance: req.StartingBalance,
		Rules:             req.Rules,
		StartedAt:         now,
		EndsAt:            now.AddDate(0, 0, req.Rules.DurationDays),
		LastResetAt:       now,
		LastActivityAt:    now,
	}

	if err := s.store.CreateAccount(r.Context(), account); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	s.logger.Info("account provisioned",
		"account", account.ID,
		"owner", account.OwnerID,
		"phase", account.Phase,
		"starting_balance", account.StartingBalance.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(account)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

// GetRisk handles GET /api/v1/accounts/{accountID}/risk
func (s *Service) GetRisk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account, err := s.store.GetAccount(ctx, chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}

	positions, err := s.store.ListPositionsByAccount(ctx, account.ID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	eq := equity.Value(ctx, s.oracle, account.CurrentBalance, positions)
	snap := risk.Evaluate(account.Rules, account.StartingBalance, eq, account.HighWaterMark, account.StartOfDayEquity)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// ListPositions handles GET /api/v1/accounts/{accountID}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositionsByAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// ListTrades handles GET /api/v1/accounts/{accountID}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTradesByAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// ExecuteTrade handles POST /api/v1/trade
// Opens or increases a position; the deduct, position write, and trade
// record commit atomically or not at all.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.AccountID == "" || req.OwnerID == "" || req.MarketID == "" {
		writeError(w, "account_id, owner_id and market_id are required", http.StatusBadRequest)
		return
	}
	if req.Direction != model.DirectionYes && req.Direction != model.DirectionNo {
		writeError(w, "direction must be YES or NO", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// --- Account resolution and ownership ---
	account, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if account.OwnerID != req.OwnerID {
		s.reject(w, "account not owned by caller", "not_owner", http.StatusForbidden)
		return
	}
	if account.Status != model.StatusActive {
		s.reject(w, "account is not active", "not_active", http.StatusConflict)
		return
	}

	// --- Circuit breaker (fail closed) ---
	freeze, err := s.breaker.Status(ctx, req.MarketID)
	if err != nil {
		s.reject(w, "freeze state unavailable, trade rejected", "breaker_unavailable", http.StatusServiceUnavailable)
		return
	}
	if freeze != nil {
		s.logger.Warn("trade rejected: market frozen",
			"market", req.MarketID,
			"reason", freeze.Reason,
			"expires_at", freeze.ExpiresAt,
		)
		s.reject(w, "market is frozen: "+freeze.Reason, "market_frozen", http.StatusConflict)
		return
	}

	// --- Oracle price ---
	quote, err := s.oracle.LatestPrice(ctx, req.MarketID)
	if err != nil {
		s.reject(w, "market data unavailable", "no_quote", http.StatusServiceUnavailable)
		return
	}
	fillPrice := model.DirectionAdjusted(req.Direction, quote.YesPrice)
	if !fillPrice.IsPositive() || fillPrice.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		s.reject(w, "market price out of tradable range", "untradable_price", http.StatusConflict)
		return
	}

	// --- Order limits ---
	openPositions, err := s.store.ListPositionsByAccount(ctx, account.ID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if err := risk.ValidateOrder(account.Rules, account.CurrentBalance, equity.OpenExposure(openPositions), req.Amount); err != nil {
		s.reject(w, err.Error(), "order_limit", http.StatusConflict)
		return
	}

	shares := req.Amount.Div(fillPrice)
	now := time.Now().UTC()

	var resp TradeResponse
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		// Re-read under the row lock: another request may have failed or
		// drained the account since the unlocked read.
		locked, err := tx.GetAccountForUpdate(ctx, account.ID)
		if err != nil {
			return err
		}
		if locked.Status != model.StatusActive {
			return ErrAccountNotActive
		}

		newBalance, err := s.bank.DeductCost(ctx, tx, account.ID, req.Amount, "trade_buy")
		if err != nil {
			return err
		}

		position, err := tx.GetOpenPositionForUpdate(ctx, account.ID, req.MarketID, req.Direction)
		if err != nil {
			return err
		}
		if position == nil {
			position = &model.Position{
				ID:         uuid.New().String(),
				AccountID:  account.ID,
				MarketID:   req.MarketID,
				Direction:  req.Direction,
				EntryPrice: fillPrice,
				Shares:     shares,
				SizeAmount: req.Amount,
				Status:     model.PositionOpen,
				OpenedAt:   now,
			}
			if err := tx.CreatePosition(ctx, position); err != nil {
				return err
			}
		} else {
			newShares := position.Shares.Add(shares)
			newSize := position.SizeAmount.Add(req.Amount)
			newEntry := newSize.Div(newShares) // volume-weighted average entry
			if err := tx.IncreasePosition(ctx, position.ID, newShares, newSize, newEntry); err != nil {
				return err
			}
			position.Shares = newShares
			position.SizeAmount = newSize
			position.EntryPrice = newEntry
		}

		trade := &model.Trade{
			ID:         uuid.New().String(),
			AccountID:  account.ID,
			PositionID: position.ID,
			Type:       model.TradeBuy,
			Amount:     req.Amount,
			Price:      fillPrice,
			Shares:     shares,
			ExecutedAt: now,
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		snap, err := s.EnforceRules(ctx, tx, account.ID)
		if err != nil {
			return err
		}

		resp = TradeResponse{
			Trade:      *trade,
			Position:   *position,
			NewBalance: newBalance,
			Risk:       snap,
		}
		return nil
	})
	if err != nil {
		s.writeTxError(w, err)
		return
	}

	metrics.TradesTotal.WithLabelValues(model.TradeBuy).Inc()
	metrics.TradeLatency.WithLabelValues(model.TradeBuy).Observe(time.Since(start).Seconds())

	s.logger.Info("trade executed",
		"trade_id", resp.Trade.ID,
		"account", account.ID,
		"market", req.MarketID,
		"direction", req.Direction,
		"amount", req.Amount.String(),
		"price", fillPrice.String(),
		"shares", shares.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:      "trade_executed",
			AccountID: account.ID,
			MarketID:  req.MarketID,
			Direction: req.Direction,
			Amount:    req.Amount.String(),
			Price:     fillPrice.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
// Sells the whole position at the current direction-adjusted price. The
// authoritative share count comes from the row-locked read inside the
// transaction, never recomputed from amount and price.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	positionID := chi.URLParam(r, "positionID")

	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" || req.OwnerID == "" {
		writeError(w, "account_id and owner_id are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	account, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if account.OwnerID != req.OwnerID {
		s.reject(w, "account not owned by caller", "not_owner", http.StatusForbidden)
		return
	}
	if account.Status != model.StatusActive {
		s.reject(w, "account is not active", "not_active", http.StatusConflict)
		return
	}

	position, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	if position.AccountID != account.ID {
		s.reject(w, "position not owned by account", "not_owner", http.StatusForbidden)
		return
	}
	if position.Status != model.PositionOpen {
		s.reject(w, "position is not open", "already_closed", http.StatusConflict)
		return
	}

	// Freeze check on the position's market before any mutation.
	freeze, err := s.breaker.Status(ctx, position.MarketID)
	if err != nil {
		s.reject(w, "freeze state unavailable, trade rejected", "breaker_unavailable", http.StatusServiceUnavailable)
		return
	}
	if freeze != nil {
		s.reject(w, "market is frozen: "+freeze.Reason, "market_frozen", http.StatusConflict)
		return
	}

	quote, err := s.oracle.LatestPrice(ctx, position.MarketID)
	if err != nil {
		s.reject(w, "market data unavailable", "no_quote", http.StatusServiceUnavailable)
		return
	}
	closePrice := model.DirectionAdjusted(position.Direction, quote.YesPrice)
	now := time.Now().UTC()

	var resp CloseResponse
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetPositionForUpdate(ctx, positionID)
		if err != nil {
			return err
		}
		// Settlement or a concurrent close may have won the race.
		if locked.Status != model.PositionOpen {
			return ErrPositionClosed
		}

		proceeds := locked.Shares.Mul(closePrice)
		pnl := proceeds.Sub(locked.SizeAmount)

		if err := tx.ClosePosition(ctx, positionID, closePrice, pnl, now); err != nil {
			return err
		}

		newBalance, err := s.bank.CreditProceeds(ctx, tx, account.ID, proceeds, "trade_sell")
		if err != nil {
			return err
		}

		trade := &model.Trade{
			ID:          uuid.New().String(),
			AccountID:   account.ID,
			PositionID:  positionID,
			Type:        model.TradeSell,
			Amount:      proceeds,
			Price:       closePrice,
			Shares:      locked.Shares,
			RealizedPnL: &pnl,
			ExecutedAt:  now,
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		snap, err := s.EnforceRules(ctx, tx, account.ID)
		if err != nil {
			return err
		}

		resp = CloseResponse{
			Proceeds:   proceeds,
			Invested:   locked.SizeAmount,
			PnL:        pnl,
			Trade:      *trade,
			NewBalance: newBalance,
			Risk:       snap,
		}
		return nil
	})
	if err != nil {
		s.writeTxError(w, err)
		return
	}

	metrics.TradesTotal.WithLabelValues(model.TradeSell).Inc()
	metrics.TradeLatency.WithLabelValues(model.TradeSell).Observe(time.Since(start).Seconds())

	s.logger.Info("position closed",
		"trade_id", resp.Trade.ID,
		"account", account.ID,
		"position", positionID,
		"proceeds", resp.Proceeds.String(),
		"pnl", resp.PnL.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:      "position_closed",
			AccountID: account.ID,
			MarketID:  position.MarketID,
			Direction: position.Direction,
			Amount:    resp.Proceeds.String(),
			Price:     closePrice.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandlePriceTick handles POST /api/v1/internal/prices
// Fan-in from the ingestion pipeline; each tick feeds the circuit breaker.
func (s *Service) HandlePriceTick(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req PriceTickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MarketID == "" || req.Venue == "" {
		writeError(w, "market_id and venue are required", http.StatusBadRequest)
		return
	}
	at := req.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if err := s.breaker.ObservePrice(r.Context(), req.MarketID, req.Venue, req.YesPrice, at); err != nil {
		writeError(w, "failed to record tick", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Unfreeze handles POST /api/v1/admin/markets/{marketID}/unfreeze
func (s *Service) Unfreeze(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	marketID := chi.URLParam(r, "marketID")
	if err := s.breaker.Clear(r.Context(), marketID); err != nil {
		writeError(w, "failed to clear freeze", http.StatusInternalServerError)
		return
	}
	s.logger.Info("market manually unfrozen", "market", marketID)
	w.WriteHeader(http.StatusNoContent)
}

// EnforceRules re-evaluates the account's risk state inside the transaction
// that just mutated it, raises the high-water mark, and applies the
// pass/fail transition atomically with the trade. A trade that breaches the
// account never leaves it visibly active.
func (s *Service) EnforceRules(ctx context.Context, tx store.Tx, accountID string) (risk.Snapshot, error) {
	account, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return risk.Snapshot{}, err
	}
	positions, err := tx.ListOpenPositionsByAccount(ctx, accountID)
	if err != nil {
		return risk.Snapshot{}, err
	}

	eq := equity.Value(ctx, s.oracle, account.CurrentBalance, positions)
	snap := risk.Evaluate(account.Rules, account.StartingBalance, eq, account.HighWaterMark, account.StartOfDayEquity)

	if eq.GreaterThan(account.HighWaterMark) {
		if err := tx.UpdateHighWaterMark(ctx, accountID, eq); err != nil {
			return snap, err
		}
	}

	switch {
	case snap.Breached():
		if account.Status == model.StatusActive {
			if err := tx.UpdateAccountStatus(ctx, accountID, model.StatusFailed); err != nil {
				return snap, err
			}
			metrics.AccountsFailed.Inc()
			s.logger.Warn("account failed risk rules",
				"account", accountID,
				"drawdown_usage", snap.DrawdownUsage.String(),
				"daily_drawdown_usage", snap.DailyDrawdownUsage.String(),
			)
		}
	case snap.TargetReached:
		if account.Status == model.StatusActive {
			if err := tx.UpdateAccountStatus(ctx, accountID, model.StatusPassed); err != nil {
				return snap, err
			}
			s.logger.Info("account reached profit target",
				"account", accountID,
				"total_pnl", snap.TotalPnL.String(),
			)
		}
	}

	return snap, nil
}

// reject records a rejection metric and writes the error response.
func (s *Service) reject(w http.ResponseWriter, message, reason string, status int) {
	metrics.TradeRejections.WithLabelValues(reason).Inc()
	writeError(w, message, status)
}

// writeTxError maps transaction failures onto HTTP statuses.
func (s *Service) writeTxError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, balance.ErrNegativeBalance):
		s.reject(w, "insufficient balance", "insufficient_balance", http.StatusConflict)
	case errors.Is(err, ErrAccountNotActive):
		s.reject(w, "account is not active", "not_active", http.StatusConflict)
	case errors.Is(err, ErrPositionClosed):
		s.reject(w, "position is not open", "already_closed", http.StatusConflict)
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrPositionNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	default:
		writeError(w, "trade failed: "+err.Error(), http.StatusInternalServerError)
	}
}

func (s *Service) authorized(r *http.Request) bool {
	return s.secret == "" || r.Header.Get("X-Scheduler-Secret") == s.secret
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
