package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/propdesk/eval-engine/internal/balance"
	"github.com/propdesk/eval-engine/internal/model"
	"github.com/propdesk/eval-engine/internal/oracle"
	"github.com/propdesk/eval-engine/internal/sentinel"
	"github.com/propdesk/eval-engine/internal/store"
	"github.com/propdesk/eval-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func baseRules() model.RulesConfig {
	return model.RulesConfig{
		ProfitTarget:        d(1000),
		MaxTotalDrawdown:    d(500),
		MaxDailyDrawdownPct: d(3),
		MaxPositionSizePct:  d(10),
		MaxOpenExposurePct:  d(30),
		DurationDays:        30,
		ProfitSplitPct:      d(80),
		PayoutCap:           d(5000),
	}
}

type testEnv struct {
	store   *store.MemoryStore
	oracle  *oracle.MemoryOracle
	freezes *sentinel.MemoryFreezeStore
	svc     *trade.Service
	router  *chi.Mux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ms := store.NewMemoryStore()
	mo := oracle.NewMemoryOracle()
	fs := sentinel.NewMemoryFreezeStore()
	breaker := sentinel.New(sentinel.DefaultConfig(), fs, nil)
	bank := balance.NewManager(d(100000), nil)

	svc := trade.NewService(ms, mo, breaker, bank, nil, "testsecret", nil)

	r := chi.NewRouter()
	r.Post("/accounts", svc.CreateAccount)
	r.Get("/accounts/{accountID}", svc.GetAccount)
	r.Get("/accounts/{accountID}/risk", svc.GetRisk)
	r.Post("/trade", svc.ExecuteTrade)
	r.Post("/positions/{positionID}/close", svc.ClosePosition)
	r.Post("/internal/prices", svc.HandlePriceTick)
	r.Post("/admin/markets/{marketID}/unfreeze", svc.Unfreeze)

	return &testEnv{store: ms, oracle: mo, freezes: fs, svc: svc, router: r}
}

func (e *testEnv) seedAccount(t *testing.T, id string, startingBalance float64) {
	t.Helper()
	now := time.Now().UTC()
	err := e.store.CreateAccount(context.Background(), &model.Account{
		ID:                id,
		OwnerID:           "owner1",
		Phase:             model.PhaseChallenge,
		Status:            model.StatusActive,
		StartingBalance:   d(startingBalance),
		CurrentBalance:    d(startingBalance),
		HighWaterMark:     d(startingBalance),
		StartOfDayBalance: d(startingBalance),
		Rules:             baseRules(),
		StartedAt:         now,
		EndsAt:            now.AddDate(0, 0, 30),
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) buy(t *testing.T, accountID, marketID, direction string, amount float64) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/trade", trade.TradeRequest{
		AccountID: accountID,
		OwnerID:   "owner1",
		MarketID:  marketID,
		Direction: direction,
		Amount:    d(amount),
	})
}

func decodeTrade(t *testing.T, rec *httptest.ResponseRecorder) trade.TradeResponse {
	t.Helper()
	var resp trade.TradeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode trade response: %v", err)
	}
	return resp
}

func TestCreateAccount(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/accounts", trade.CreateAccountRequest{
		OwnerID:         "owner1",
		StartingBalance: d(10000),
		Rules:           baseRules(),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var account model.Account
	if err := json.NewDecoder(rec.Body).Decode(&account); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if account.Phase != model.PhaseChallenge {
		t.Errorf("phase = %s, want challenge default", account.Phase)
	}
	if account.Status != model.StatusActive {
		t.Errorf("status = %s, want active", account.Status)
	}
	if !account.CurrentBalance.Equal(d(10000)) {
		t.Errorf("balance = %s, want 10000", account.CurrentBalance)
	}
	if account.StartOfDayEquity != nil {
		t.Error("start-of-day equity must be unset until the first daily snapshot")
	}
}

func TestCreateAccount_RejectsBadRules(t *testing.T) {
	env := newTestEnv(t)

	rules := baseRules()
	rules.ProfitTarget = decimal.Zero
	rec := env.do(t, http.MethodPost, "/accounts", trade.CreateAccountRequest{
		OwnerID:         "owner1",
		StartingBalance: d(10000),
		Rules:           rules,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestExecuteTrade_Buy(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1", 10000)
	env.oracle.SetPrice("mkt1", d(0.50))

	rec := env.buy(t, "acct1", "mkt1", model.DirectionYes, 500)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decodeTrade(t, rec)
	if !resp.Position.Shares.Equal(d(1000)) {
		t.Errorf("shares = %s, want 1000 (500 / 0.50)", resp.Position.Shares)
	}
	if !resp.Position.EntryPrice.Equal(d(0.50)) {
		t.Errorf("entry = %s, want 0.50", resp.Position.EntryPrice)
	}
	if !resp.NewBalance.Equal(d(9500)) {
		t.Errorf("balance = %s, want 9500", resp.NewBalance)
	}
	if resp.Trade.Type != model.TradeBuy {
		t.Errorf("trade type = %s, want BUY", resp.Trade.Type)
	}

	// The deduct and the position write must have both landed.
	account, _ := env.store.GetAccount(context.Background(), "acct1")
	if !account.CurrentBalance.Equal(d(9500)) {
		t.Errorf("persisted balance = %s, want 9500", account.CurrentBalance)
	}
}

func TestExecuteTrade_NoDirectionPricing(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1", 10000)
	env.oracle.SetPrice("mkt1", d(0.60))

	rec := env.buy(t, "acct1", "mkt1", model.DirectionNo, 200)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// NO fills at 1 - 0.60 = 0.40.
	resp := decodeTrade(t, rec)
	if !resp.Trade.Price.Equal(d(0.40)) {
		t.Errorf("fill price = %s, want 0.40", resp.Trade.Price)
	}
	if !resp.Position.Shares.Equal(d(500)) {
		t.Errorf("shares = %s, want 500 (200 / 0.40)", resp.Position.Shares)
	}
}

func TestExecuteTrade_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.oracle.SetPrice("mkt1", d(0.50))

	// Order limits wide open so the balance check is what trips.
	rules := baseRules()
	rules.MaxPositionSizePct = d(1000)
	rules.MaxOpenExposurePct = d(1000)
	now := time.Now().UTC()
	err := env.store.CreateAccount(context.Background(), &model.Account{
		ID:              "acct1",
		OwnerID:         "owner1",
		Phase:           model.PhaseChallenge,
		Status:          model.StatusActive,
		StartingBalance: d(100),
		CurrentBalance:  d(100),
		HighWaterMark:   d(100),
		Rules:           rules,
		StartedAt:       now,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	rec := env.buy(t, "acct1", "mkt1", model.DirectionYes, 500)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body %s", rec.Code, rec.Body.String())
	}

	account, _ := env.store.GetAccount(context.Background(), "acct1")
	if !account.CurrentBalance.Equal(d(100)) {
		t.Errorf("balance after rejected trade = %s, want 100", account.CurrentBalance)
	}
	if positions, _ := env.store.ListPositionsByAccount(context.Background(), "acct1"); len(positions) != 0 {
		t.Errorf("rejected trade must not create positions, got %d", len(positions))
	}
}

func TestExecuteTrade_OrderLimits(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1", 10000)
	env.oracle.SetPrice("mkt1", d(0.50))

	// 10% of 10000 = 1000 max per order.
	rec := env.buy(t, "acct1", "mkt1", model.DirectionYes, 1500)
	if rec.Code != http.StatusConflict {
		t.Fatalf("oversized order: status = %d, want 409", rec.Code)
	}
}

func TestExecuteTrade_FrozenMarket(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1", 10000)
	env.oracle.SetPrice("mkt1", d(0.50))

	now := time.Now().UTC()
	env.freezes.Freeze(context.Background(), model.Freeze{
		MarketID:  "mkt1",
		Reason:    "price moved 0.10 on alpha within 200ms",
		FrozenAt:  now,
		ExpiresAt: now.Add(30 * time.Second),
	})

	rec := env.buy(t, "acct1", "mkt1", model.DirectionYes, 500)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body %s", rec.Code, rec.Body.String())
	}
}

// failingFreezeStore simulates an unreachable freeze backend.
type failingFreezeStore struct{}

func (failingFreezeStore) Freeze(context.Context, model.Freeze) error { return errors.New("down") }
func (failingFreezeStore) Get(context.Context, string) (*model.Freeze, error) {
	return nil, errors.New("down")
}
func (failingFreezeStore) Clear(context.Context, string) error { return errors.New("down") }

func TestExecuteTrade_BreakerUnavailableFailsClosed(t *testing.T) {
	ms := store.NewMemoryStore()
	mo := oracle.NewMemoryOracle()
	breaker := sentinel.New(sentinel.DefaultConfig(), failingFreezeStore{}, nil)
	svc := trade.NewService(ms, mo, breaker, balance.NewManager(d(100000), nil), nil, "", nil)

	r := chi.NewRouter()
	r.Post("/trade", svc.ExecuteTrade)

	now := time.Now().UTC()
	ms.CreateAccount(context.Background(), &model.Account{
		ID: "acct1", OwnerID: "owner1",
		Phase: model.PhaseChallenge, Status: model.StatusActive,
		StartingBalance: d(10000), CurrentBalance: d(10000), HighWaterMark: d(10000),
		Rules: baseRules(), StartedAt: now,
	})
	mo.SetPrice("mkt1", d(0.50))

	body, _ := json.Marshal(trade.TradeRequest{
		AccountID: "acct1", OwnerID: "owner1", MarketID: "mkt1",
		Direction: model.DirectionYes, Amount: d(500),
	})
	req := httptest.NewRequest(http.MethodPost, "/trade", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when freeze state is unknown", rec.Code)
	}
}

func TestExecuteTrade_NoQuote(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1", 10000)

	rec := env.buy(t, "acct1", "mkt1", model.DirectionYes, 500)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 without a quote", rec.Code)
	}
}

func TestExecuteTrade_WrongOwner(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1", 10000)
	env.oracle.SetPrice("mkt1", d(0.50))

	rec := env.do(t, http.MethodPost, "/trade", trade.TradeRequest{
		AccountID: "acct1",
		OwnerID:   "intruder",
		MarketID:  "mkt1",
		Direction: model.DirectionYes,
		Amount:    d(500),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestExecuteTrade_IncreasesPosition(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1", 10000)

	env.oracle.SetPrice("mkt1", d(0.50))
	if rec := env.buy(t, "acct1", "mkt1", model.DirectionYes, 500); rec.Code != http.StatusOK {
		t.Fatalf("first buy: %d %s", rec.Code, rec.Body.String())
	}

	env.oracle.SetPrice("mkt1", d(0.40))
	rec := env.buy(t, "acct1", "mkt1", model.DirectionYes, 400)
	if rec.Code != http.StatusOK {
		t.Fatalf("second buy: %d %s", rec.Code, rec.Body.String())
	}

	// 1000 shares at 0.50 plus 1000 at 0.40: 2000 shares, 900 invested,
	// volume-weighted entry 0.45.
	resp := decodeTrade(t, rec)
	if !resp.Position.Shares.Equal(d(2000)) {
		t.Errorf("shares = %s, want 2000", resp.Position.Shares)
	}
	if !resp.Position.SizeAmount.Equal(d(900)) {
		t.Errorf("size = %s, want 900", resp.Position.SizeAmount)
	}
	if !resp.Position.EntryPrice.Equal(d(0.45)) {
		t.Errorf("entry = %s, want 0.45", resp.Position.EntryPrice)
	}

	positions, _ := env.store.ListPositionsByAccount(context.Background(), "acct1")
	if len(positions) != 1 {
		t.Fatalf("expected a single merged position, got %d", len(positions))
	}
}

func TestClosePosition(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1", 10000)
	env.oracle.SetPrice("mkt1", d(0.50))

	buyResp := decodeTrade(t, env.buy(t, "acct1", "mkt1", model.DirectionYes, 500))

	env.oracle.SetPrice("mkt1", d(0.60))
	rec := env.do(t, http.MethodPost, "/positions/"+buyResp.Position.ID+"/close", trade.CloseRequest{
		AccountID: "acct1", OwnerID: "owner1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("close: %d %s", rec.Code, rec.Body.String())
	}

	var resp trade.CloseResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Proceeds.Equal(d(600)) {
		t.Errorf("proceeds = %s, want 600 (1000 shares at 0.60)", resp.Proceeds)
	}
	if !resp.PnL.Equal(d(100)) {
		t.Errorf("pnl = %s, want 100", resp.PnL)
	}
	if !resp.NewBalance.Equal(d(10100)) {
		t.Errorf("balance = %s, want 10100", resp.NewBalance)
	}
	if resp.Trade.RealizedPnL == nil || !resp.Trade.RealizedPnL.Equal(d(100)) {
		t.Errorf("realized pnl = %v, want 100", resp.Trade.RealizedPnL)
	}

	position, _ := env.store.GetPosition(context.Background(), buyResp.Position.ID)
	if position.Status != model.PositionClosed {
		t.Errorf("position status = %s, want CLOSED", position.Status)
	}
}

func TestClosePosition_AlreadyClosed(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1", 10000)
	env.oracle.SetPrice("mkt1", d(0.50))

	buyResp := decodeTrade(t, env.buy(t, "acct1", "mkt1", model.DirectionYes, 500))
	closeReq := trade.CloseRequest{AccountID: "acct1", OwnerID: "owner1"}

	if rec := env.do(t, http.MethodPost, "/positions/"+buyResp.Position.ID+"/close", closeReq); rec.Code != http.StatusOK {
		t.Fatalf("first close: %d %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPost, "/positions/"+buyResp.Position.ID+"/close", closeReq)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second close: status = %d, want 409", rec.Code)
	}

	// Exactly one SELL trade despite two close attempts.
	trades, _ := env.store.ListTradesByAccount(context.Background(), "acct1")
	sells := 0
	for _, tr := range trades {
		if tr.Type == model.TradeSell {
			sells++
		}
	}
	if sells != 1 {
		t.Errorf("sell trades = %d, want 1", sells)
	}
}

func TestClosePosition_BreachFailsAccount(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1", 10000)
	env.oracle.SetPrice("mkt1", d(0.50))

	buyResp := decodeTrade(t, env.buy(t, "acct1", "mkt1", model.DirectionYes, 1000))

	// Market collapses: closing realizes a 600 loss against a 500 drawdown cap.
	env.oracle.SetPrice("mkt1", d(0.20))
	rec := env.do(t, http.MethodPost, "/positions/"+buyResp.Position.ID+"/close", trade.CloseRequest{
		AccountID: "acct1", OwnerID: "owner1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("close: %d %s", rec.Code, rec.Body.String())
	}

	var resp trade.CloseResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.PnL.Equal(d(-600)) {
		t.Errorf("pnl = %s, want -600", resp.PnL)
	}
	if !resp.Risk.Breached() {
		t.Error("risk snapshot should report a breach")
	}

	// The fail transition committed with the close, not after it.
	account, _ := env.store.GetAccount(context.Background(), "acct1")
	if account.Status != model.StatusFailed {
		t.Errorf("account status = %s, want failed", account.Status)
	}
}

func TestClosePosition_TargetPassesAccount(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1", 10000)
	env.oracle.SetPrice("mkt1", d(0.40))

	buyResp := decodeTrade(t, env.buy(t, "acct1", "mkt1", model.DirectionYes, 1000))

	// 2500 shares bought at 0.40; at 0.80 the close realizes +1000, exactly
	// the profit target.
	env.oracle.SetPrice("mkt1", d(0.80))
	rec := env.do(t, http.MethodPost, "/positions/"+buyResp.Position.ID+"/close", trade.CloseRequest{
		AccountID: "acct1", OwnerID: "owner1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("close: %d %s", rec.Code, rec.Body.String())
	}

	account, _ := env.store.GetAccount(context.Background(), "acct1")
	if account.Status != model.StatusPassed {
		t.Errorf("account status = %s, want passed", account.Status)
	}
}

func TestHandlePriceTick_RequiresSecret(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(trade.PriceTickRequest{MarketID: "mkt1", Venue: "alpha", YesPrice: d(0.50)})
	req := httptest.NewRequest(http.MethodPost, "/internal/prices", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("without secret: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/prices", bytes.NewReader(body))
	req.Header.Set("X-Scheduler-Secret", "testsecret")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("with secret: status = %d, want 202", rec.Code)
	}
}

func TestUnfreeze(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now().UTC()
	env.freezes.Freeze(context.Background(), model.Freeze{
		MarketID: "mkt1", Reason: "test", FrozenAt: now, ExpiresAt: now.Add(30 * time.Second),
	})

	req := httptest.NewRequest(http.MethodPost, "/admin/markets/mkt1/unfreeze", nil)
	req.Header.Set("X-Scheduler-Secret", "testsecret")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	if f, _ := env.freezes.Get(context.Background(), "mkt1"); f != nil {
		t.Errorf("freeze should be cleared, got %+v", f)
	}
}
