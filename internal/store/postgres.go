package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/propdesk/eval-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// the rules bundle is a JSONB column deserialized into the typed RulesConfig.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const accountColumns = `id, owner_id, phase, status,
	starting_balance::TEXT, current_balance::TEXT, high_water_mark::TEXT,
	start_of_day_balance::TEXT, start_of_day_equity::TEXT,
	rules, started_at, ends_at, last_reset_at, last_activity_at`

const positionColumns = `id, account_id, market_id, direction,
	entry_price::TEXT, shares::TEXT, size_amount::TEXT, status,
	opened_at, closed_at, closed_price::TEXT, pnl::TEXT`

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(pgtx pgx.Tx) error {
		return fn(&pgTx{tx: pgtx})
	})
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	rules, err := json.Marshal(a.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO accounts (id, owner_id, phase, status,
			starting_balance, current_balance, high_water_mark,
			start_of_day_balance, start_of_day_equity,
			rules, started_at, ends_at, last_reset_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
			$8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14)`,
		a.ID, a.OwnerID, a.Phase, a.Status,
		a.StartingBalance.String(), a.CurrentBalance.String(), a.HighWaterMark.String(),
		a.StartOfDayBalance.String(), nullDecimalString(a.StartOfDayEquity),
		rules, a.StartedAt, a.EndsAt, a.LastResetAt, a.LastActivityAt,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *PostgresStore) ListActiveAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE status = $1 ORDER BY started_at`,
		model.StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	return scanPosition(row)
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status = $1 ORDER BY opened_at`,
		model.PositionOpen)
}

func (s *PostgresStore) ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account_id = $1 ORDER BY opened_at`,
		accountID)
}

func (s *PostgresStore) queryPositions(ctx context.Context, sql string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, position_id, type,
			amount::TEXT, price::TEXT, shares::TEXT, realized_pnl::TEXT,
			closure_reason, executed_at
		 FROM trades WHERE account_id = $1 ORDER BY executed_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var amount, price, shares string
		var realized, closure *string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.PositionID, &t.Type,
			&amount, &price, &shares, &realized, &closure, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Amount = mustDecimal(amount)
		t.Price = mustDecimal(price)
		t.Shares = mustDecimal(shares)
		t.RealizedPnL = parseNullDecimal(realized)
		if closure != nil {
			t.ClosureReason = *closure
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Transaction handle ---

// pgTx wraps a pgx transaction. ForUpdate reads use SELECT ... FOR UPDATE so
// the row lock is held until commit/rollback.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	return scanAccount(row)
}

func (t *pgTx) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET current_balance = $2::NUMERIC, last_activity_at = $3 WHERE id = $1`,
		id, balance.String(), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) UpdateAccountStatus(ctx context.Context, id, status string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) UpdateHighWaterMark(ctx context.Context, id string, hwm decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET high_water_mark = $2::NUMERIC WHERE id = $1`,
		id, hwm.String())
	return err
}

func (t *pgTx) SetStartOfDay(ctx context.Context, id string, balance, equity decimal.Decimal, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts
		 SET start_of_day_balance = $2::NUMERIC, start_of_day_equity = $3::NUMERIC,
		     last_reset_at = $4
		 WHERE id = $1`,
		id, balance.String(), equity.String(), at)
	return err
}

func (t *pgTx) GetPositionForUpdate(ctx context.Context, id string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1 FOR UPDATE`, id)
	return scanPosition(row)
}

func (t *pgTx) GetOpenPositionForUpdate(ctx context.Context, accountID, marketID, direction string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE account_id = $1 AND market_id = $2 AND direction = $3 AND status = $4
		 FOR UPDATE`,
		accountID, marketID, direction, model.PositionOpen)
	p, err := scanPosition(row)
	if errors.Is(err, ErrPositionNotFound) {
		return nil, nil
	}
	return p, err
}

func (t *pgTx) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, account_id, market_id, direction,
			entry_price, shares, size_amount, status, opened_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		p.ID, p.AccountID, p.MarketID, p.Direction,
		p.EntryPrice.String(), p.Shares.String(), p.SizeAmount.String(),
		p.Status, p.OpenedAt,
	)
	return err
}

func (t *pgTx) IncreasePosition(ctx context.Context, id string, shares, sizeAmount, entryPrice decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE positions
		 SET shares = $2::NUMERIC, size_amount = $3::NUMERIC, entry_price = $4::NUMERIC
		 WHERE id = $1`,
		id, shares.String(), sizeAmount.String(), entryPrice.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPositionNotFound
	}
	return nil
}

func (t *pgTx) ClosePosition(ctx context.Context, id string, closedPrice, pnl decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE positions
		 SET status = $2, shares = 0, closed_price = $3::NUMERIC, pnl = $4::NUMERIC, closed_at = $5
		 WHERE id = $1`,
		id, model.PositionClosed, closedPrice.String(), pnl.String(), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPositionNotFound
	}
	return nil
}

func (t *pgTx) ListOpenPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE account_id = $1 AND status = $2 ORDER BY opened_at`,
		accountID, model.PositionOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	var closure *string
	if tr.ClosureReason != "" {
		closure = &tr.ClosureReason
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, account_id, position_id, type,
			amount, price, shares, realized_pnl, closure_reason, executed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		tr.ID, tr.AccountID, tr.PositionID, tr.Type,
		tr.Amount.String(), tr.Price.String(), tr.Shares.String(),
		nullDecimalString(tr.RealizedPnL), closure, tr.ExecutedAt,
	)
	return err
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var starting, current, hwm, sodBalance string
	var sodEquity *string
	var rules []byte

	err := row.Scan(&a.ID, &a.OwnerID, &a.Phase, &a.Status,
		&starting, &current, &hwm, &sodBalance, &sodEquity,
		&rules, &a.StartedAt, &a.EndsAt, &a.LastResetAt, &a.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}

	a.StartingBalance = mustDecimal(starting)
	a.CurrentBalance = mustDecimal(current)
	a.HighWaterMark = mustDecimal(hwm)
	a.StartOfDayBalance = mustDecimal(sodBalance)
	a.StartOfDayEquity = parseNullDecimal(sodEquity)

	if err := json.Unmarshal(rules, &a.Rules); err != nil {
		return nil, fmt.Errorf("unmarshal rules for account %s: %w", a.ID, err)
	}
	return &a, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var entry, shares, size string
	var closedPrice, pnl *string

	err := row.Scan(&p.ID, &p.AccountID, &p.MarketID, &p.Direction,
		&entry, &shares, &size, &p.Status,
		&p.OpenedAt, &p.ClosedAt, &closedPrice, &pnl)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan position: %w", err)
	}

	p.EntryPrice = mustDecimal(entry)
	p.Shares = mustDecimal(shares)
	p.SizeAmount = mustDecimal(size)
	p.ClosedPrice = parseNullDecimal(closedPrice)
	p.PnL = parseNullDecimal(pnl)
	return &p, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func parseNullDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func nullDecimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
