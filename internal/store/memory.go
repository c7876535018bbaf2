package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propdesk/eval-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Transactions are serialized under one mutex and rolled back
// by restoring a snapshot, which gives the same all-or-nothing and
// serialization guarantees the Postgres row locks provide, at the cost of
// concurrency that tests do not need.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	positions map[string]*model.Position
	trades    []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]*model.Position),
	}
}

func (s *MemoryStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapAccounts := make(map[string]*model.Account, len(s.accounts))
	for id, a := range s.accounts {
		cp := *a
		snapAccounts[id] = &cp
	}
	snapPositions := make(map[string]*model.Position, len(s.positions))
	for id, p := range s.positions {
		cp := *p
		snapPositions[id] = &cp
	}
	snapTrades := len(s.trades)

	if err := fn(&memTx{s: s}); err != nil {
		s.accounts = snapAccounts
		s.positions = snapPositions
		s.trades = s.trades[:snapTrades]
		return err
	}
	return nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return ErrDuplicateAccount
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListActiveAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Account
	for _, a := range s.accounts {
		if a.Status == model.StatusActive {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Status == model.PositionOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPositionsByAccount(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.AccountID == accountID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTradesByAccount(_ context.Context, accountID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out, nil
}

// memTx operates directly on the store maps; the transaction mutex is
// already held by WithinTx.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) GetAccountForUpdate(_ context.Context, id string) (*model.Account, error) {
	a, ok := t.s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) UpdateAccountBalance(_ context.Context, id string, balance decimal.Decimal, at time.Time) error {
	a, ok := t.s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	a.CurrentBalance = balance
	a.LastActivityAt = at
	return nil
}

func (t *memTx) UpdateAccountStatus(_ context.Context, id, status string) error {
	a, ok := t.s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	a.Status = status
	return nil
}

func (t *memTx) UpdateHighWaterMark(_ context.Context, id string, hwm decimal.Decimal) error {
	a, ok := t.s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	a.HighWaterMark = hwm
	return nil
}

func (t *memTx) SetStartOfDay(_ context.Context, id string, balance, equity decimal.Decimal, at time.Time) error {
	a, ok := t.s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	a.StartOfDayBalance = balance
	eq := equity
	a.StartOfDayEquity = &eq
	a.LastResetAt = at
	return nil
}

func (t *memTx) GetPositionForUpdate(_ context.Context, id string) (*model.Position, error) {
	p, ok := t.s.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) GetOpenPositionForUpdate(_ context.Context, accountID, marketID, direction string) (*model.Position, error) {
	for _, p := range t.s.positions {
		if p.AccountID == accountID && p.MarketID == marketID &&
			p.Direction == direction && p.Status == model.PositionOpen {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) CreatePosition(_ context.Context, p *model.Position) error {
	cp := *p
	t.s.positions[p.ID] = &cp
	return nil
}

func (t *memTx) IncreasePosition(_ context.Context, id string, shares, sizeAmount, entryPrice decimal.Decimal) error {
	p, ok := t.s.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	p.Shares = shares
	p.SizeAmount = sizeAmount
	p.EntryPrice = entryPrice
	return nil
}

func (t *memTx) ClosePosition(_ context.Context, id string, closedPrice, pnl decimal.Decimal, at time.Time) error {
	p, ok := t.s.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	p.Status = model.PositionClosed
	p.Shares = decimal.Zero
	cp := closedPrice
	pl := pnl
	ts := at
	p.ClosedPrice = &cp
	p.PnL = &pl
	p.ClosedAt = &ts
	return nil
}

func (t *memTx) ListOpenPositionsByAccount(_ context.Context, accountID string) ([]model.Position, error) {
	var out []model.Position
	for _, p := range t.s.positions {
		if p.AccountID == accountID && p.Status == model.PositionOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	t.s.trades = append(t.s.trades, *tr)
	return nil
}
