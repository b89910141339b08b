package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/jackhts4/gmgn-clone/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision
// and round-tripped through TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Instrument registry ---

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst *model.Instrument, p *model.Pool) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO instruments (id, symbol, name, total_supply, created_at) VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
			inst.ID, inst.Symbol, inst.Name, inst.TotalSupply.String(), inst.CreatedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO pools (instrument_id, quote_reserve, base_reserve, updated_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)`,
			p.InstrumentID, p.QuoteReserve.String(), p.BaseReserve.String(), p.UpdatedAt,
		)
		return err
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("instrument %s: %w", inst.ID, model.ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	var inst model.Instrument
	var supply string
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, name, total_supply::TEXT, created_at FROM instruments WHERE id = $1`, id).
		Scan(&inst.ID, &inst.Symbol, &inst.Name, &supply, &inst.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("instrument %s: %w", id, model.ErrInstrumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", id, err)
	}
	inst.TotalSupply = num(supply)
	return &inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, name, total_supply::TEXT, created_at FROM instruments ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var inst model.Instrument
		var supply string
		if err := rows.Scan(&inst.ID, &inst.Symbol, &inst.Name, &supply, &inst.CreatedAt); err != nil {
			return nil, err
		}
		inst.TotalSupply = num(supply)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- Pools ---

func (s *PostgresStore) GetPool(ctx context.Context, instrumentID string) (*model.Pool, error) {
	var p model.Pool
	var quote, base string
	err := s.pool.QueryRow(ctx,
		`SELECT instrument_id, quote_reserve::TEXT, base_reserve::TEXT, updated_at
		 FROM pools WHERE instrument_id = $1`, instrumentID).
		Scan(&p.InstrumentID, &quote, &base, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", instrumentID, model.ErrPoolNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", instrumentID, err)
	}
	p.QuoteReserve = num(quote)
	p.BaseReserve = num(base)
	return &p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.instrument_id, p.quote_reserve::TEXT, p.base_reserve::TEXT, p.updated_at
		 FROM pools p JOIN instruments i ON i.id = p.instrument_id
		 ORDER BY i.created_at, i.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Pool
	for rows.Next() {
		var p model.Pool
		var quote, base string
		if err := rows.Scan(&p.InstrumentID, &quote, &base, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.QuoteReserve = num(quote)
		p.BaseReserve = num(base)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, acc *model.Account) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO accounts (id, name, cash_balance, created_at) VALUES ($1, $2, $3::NUMERIC, $4)`,
			acc.ID, acc.Name, acc.CashBalance.String(), acc.CreatedAt,
		); err != nil {
			return err
		}
		return insertHoldings(ctx, tx, acc)
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", acc.ID, model.ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var acc model.Account
	var cash string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, cash_balance::TEXT, created_at FROM accounts WHERE id = $1`, id).
		Scan(&acc.ID, &acc.Name, &cash, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	acc.CashBalance = num(cash)
	acc.Holdings = make(map[string]model.Holding)

	rows, err := s.pool.Query(ctx,
		`SELECT instrument_id, amount::TEXT, cost_basis::TEXT FROM holdings WHERE account_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var instrumentID, amount, cost string
		if err := rows.Scan(&instrumentID, &amount, &cost); err != nil {
			return nil, err
		}
		acc.Holdings[instrumentID] = model.Holding{Amount: num(amount), CostBasis: num(cost)}
	}
	return &acc, rows.Err()
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, cash_balance::TEXT, created_at FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	index := make(map[string]int)
	for rows.Next() {
		var acc model.Account
		var cash string
		if err := rows.Scan(&acc.ID, &acc.Name, &cash, &acc.CreatedAt); err != nil {
			return nil, err
		}
		acc.CashBalance = num(cash)
		acc.Holdings = make(map[string]model.Holding)
		index[acc.ID] = len(out)
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hrows, err := s.pool.Query(ctx,
		`SELECT account_id, instrument_id, amount::TEXT, cost_basis::TEXT FROM holdings`)
	if err != nil {
		return nil, err
	}
	defer hrows.Close()
	for hrows.Next() {
		var accountID, instrumentID, amount, cost string
		if err := hrows.Scan(&accountID, &instrumentID, &amount, &cost); err != nil {
			return nil, err
		}
		if i, ok := index[accountID]; ok {
			out[i].Holdings[instrumentID] = model.Holding{Amount: num(amount), CostBasis: num(cost)}
		}
	}
	return out, hrows.Err()
}

// --- Transaction log ---

func (s *PostgresStore) QueryTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	var since any
	if !f.Since.IsZero() {
		since = f.Since
	}
	var limit any
	if f.Limit > 0 {
		limit = f.Limit
	}

	// Most recent N, returned oldest first.
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM (
		   SELECT seq, id, account_id, side, instrument_id,
		          base_amount::TEXT, quote_amount::TEXT, execution_price::TEXT, price_impact::TEXT,
		          amount_usd::TEXT, price_usd::TEXT, tag, copied_from, order_id, timestamp
		   FROM transactions
		   WHERE ($1 = '' OR account_id = $1)
		     AND ($2 = '' OR instrument_id = $2)
		     AND ($3 = '' OR tag = $3)
		     AND ($4::TIMESTAMPTZ IS NULL OR timestamp >= $4)
		   ORDER BY seq DESC
		   LIMIT $5
		 ) t ORDER BY seq`,
		f.AccountID, f.InstrumentID, string(f.Tag), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var seq int64
		var base, quote, price, impact, amountUSD, priceUSD string
		if err := rows.Scan(&seq, &tx.ID, &tx.AccountID, &tx.Side, &tx.InstrumentID,
			&base, &quote, &price, &impact, &amountUSD, &priceUSD,
			&tx.Tag, &tx.CopiedFrom, &tx.OrderID, &tx.Timestamp); err != nil {
			return nil, err
		}
		tx.BaseAmount = num(base)
		tx.QuoteAmount = num(quote)
		tx.ExecutionPrice = num(price)
		tx.PriceImpact = num(impact)
		tx.AmountUSD = num(amountUSD)
		tx.PriceUSD = num(priceUSD)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// --- Copy trading ---

func (s *PostgresStore) ListFollows(ctx context.Context, f FollowFilter) ([]model.Follow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT follower_id, leader_id, quote_amount_per_trade::TEXT, followed_at
		 FROM follows
		 WHERE ($1 = '' OR follower_id = $1) AND ($2 = '' OR leader_id = $2)
		 ORDER BY followed_at, seq`, f.FollowerID, f.LeaderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Follow
	for rows.Next() {
		var fl model.Follow
		var amount string
		if err := rows.Scan(&fl.FollowerID, &fl.LeaderID, &amount, &fl.FollowedAt); err != nil {
			return nil, err
		}
		fl.QuoteAmountPerTrade = num(amount)
		out = append(out, fl)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListCopyPositions(ctx context.Context, f CopyPositionFilter) ([]model.CopyPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, follower_id, leader_id, instrument_id,
		        original_base_amount::TEXT, remaining_base_amount::TEXT,
		        quote_spent::TEXT, entry_price::TEXT, status, created_at
		 FROM copy_positions
		 WHERE ($1 = '' OR follower_id = $1)
		   AND ($2 = '' OR leader_id = $2)
		   AND ($3 = '' OR instrument_id = $3)
		   AND ($4 = '' OR status = $4)
		 ORDER BY created_at, seq`,
		f.FollowerID, f.LeaderID, f.InstrumentID, string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CopyPosition
	for rows.Next() {
		var p model.CopyPosition
		var original, remaining, spent, entry string
		if err := rows.Scan(&p.ID, &p.FollowerID, &p.LeaderID, &p.InstrumentID,
			&original, &remaining, &spent, &entry, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.OriginalBaseAmount = num(original)
		p.RemainingBaseAmount = num(remaining)
		p.QuoteSpent = num(spent)
		p.EntryPrice = num(entry)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Limit orders ---

const orderColumns = `id, account_id, side, instrument_id,
	limit_price::TEXT, total_amount::TEXT, filled_amount::TEXT,
	locked_amount::TEXT, locked_cost_basis::TEXT,
	status, fail_reason, execution_price::TEXT, created_at, updated_at`

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM limit_orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.LimitOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM limit_orders
		 WHERE ($1 = '' OR account_id = $1)
		   AND ($2 = '' OR instrument_id = $2)
		   AND ($3 = '' OR status = $3)
		 ORDER BY seq`,
		f.AccountID, f.InstrumentID, string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LimitOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// --- Atomic writes ---

// Commit applies the batch inside one transaction. Any failure rolls back
// every statement.
func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, p := range b.Pools {
			tag, err := tx.Exec(ctx,
				`UPDATE pools SET quote_reserve = $2::NUMERIC, base_reserve = $3::NUMERIC, updated_at = $4
				 WHERE instrument_id = $1`,
				p.InstrumentID, p.QuoteReserve.String(), p.BaseReserve.String(), p.UpdatedAt)
			if err != nil {
				return err
			}
			if tag.RowsAffected() != 1 {
				return fmt.Errorf("pool %s: %w", p.InstrumentID, model.ErrPoolNotFound)
			}
		}

		for i := range b.Accounts {
			a := &b.Accounts[i]
			tag, err := tx.Exec(ctx,
				`UPDATE accounts SET cash_balance = $2::NUMERIC WHERE id = $1`,
				a.ID, a.CashBalance.String())
			if err != nil {
				return err
			}
			if tag.RowsAffected() != 1 {
				return fmt.Errorf("account %s: %w", a.ID, model.ErrAccountNotFound)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM holdings WHERE account_id = $1`, a.ID); err != nil {
				return err
			}
			if err := insertHoldings(ctx, tx, a); err != nil {
				return err
			}
		}

		for _, t := range b.Transactions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO transactions (id, account_id, side, instrument_id,
				   base_amount, quote_amount, execution_price, price_impact,
				   amount_usd, price_usd, tag, copied_from, order_id, timestamp)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
				   $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14)`,
				t.ID, t.AccountID, t.Side, t.InstrumentID,
				t.BaseAmount.String(), t.QuoteAmount.String(), t.ExecutionPrice.String(), t.PriceImpact.String(),
				t.AmountUSD.String(), t.PriceUSD.String(), t.Tag, t.CopiedFrom, t.OrderID, t.Timestamp,
			); err != nil {
				return err
			}
		}

		for _, k := range b.Unfollows {
			if _, err := tx.Exec(ctx,
				`DELETE FROM follows WHERE follower_id = $1 AND leader_id = $2`,
				k.FollowerID, k.LeaderID); err != nil {
				return err
			}
		}
		for _, f := range b.Follows {
			if _, err := tx.Exec(ctx,
				`INSERT INTO follows (follower_id, leader_id, quote_amount_per_trade, followed_at)
				 VALUES ($1, $2, $3::NUMERIC, $4)
				 ON CONFLICT (follower_id, leader_id)
				 DO UPDATE SET quote_amount_per_trade = EXCLUDED.quote_amount_per_trade,
				               followed_at = EXCLUDED.followed_at`,
				f.FollowerID, f.LeaderID, f.QuoteAmountPerTrade.String(), f.FollowedAt); err != nil {
				return err
			}
		}

		for _, p := range b.CopyPositions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO copy_positions (id, follower_id, leader_id, instrument_id,
				   original_base_amount, remaining_base_amount, quote_spent, entry_price, status, created_at)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)
				 ON CONFLICT (id)
				 DO UPDATE SET remaining_base_amount = EXCLUDED.remaining_base_amount,
				               status = EXCLUDED.status`,
				p.ID, p.FollowerID, p.LeaderID, p.InstrumentID,
				p.OriginalBaseAmount.String(), p.RemainingBaseAmount.String(),
				p.QuoteSpent.String(), p.EntryPrice.String(), p.Status, p.CreatedAt,
			); err != nil {
				return err
			}
		}

		for _, o := range b.Orders {
			if _, err := tx.Exec(ctx,
				`INSERT INTO limit_orders (id, account_id, side, instrument_id,
				   limit_price, total_amount, filled_amount, locked_amount, locked_cost_basis,
				   status, fail_reason, execution_price, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
				         $10, $11, $12::NUMERIC, $13, $14)
				 ON CONFLICT (id)
				 DO UPDATE SET filled_amount = EXCLUDED.filled_amount,
				               locked_amount = EXCLUDED.locked_amount,
				               locked_cost_basis = EXCLUDED.locked_cost_basis,
				               status = EXCLUDED.status,
				               fail_reason = EXCLUDED.fail_reason,
				               execution_price = EXCLUDED.execution_price,
				               updated_at = EXCLUDED.updated_at`,
				o.ID, o.AccountID, o.Side, o.InstrumentID,
				o.LimitPrice.String(), o.TotalAmount.String(), o.FilledAmount.String(),
				o.LockedAmount.String(), o.LockedCostBasis.String(),
				o.Status, o.FailReason, o.ExecutionPrice.String(), o.CreatedAt, o.UpdatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrCommitFailed, err)
	}
	return nil
}

// --- Helpers ---

func insertHoldings(ctx context.Context, tx pgx.Tx, a *model.Account) error {
	for instrumentID, h := range a.Holdings {
		if !h.Amount.IsPositive() {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO holdings (account_id, instrument_id, amount, cost_basis)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)`,
			a.ID, instrumentID, h.Amount.String(), h.CostBasis.String(),
		); err != nil {
			return err
		}
	}
	return nil
}

func scanOrder(row pgx.Row) (*model.LimitOrder, error) {
	var o model.LimitOrder
	var price, total, filled, locked, lockedCost, exec string
	if err := row.Scan(&o.ID, &o.AccountID, &o.Side, &o.InstrumentID,
		&price, &total, &filled, &locked, &lockedCost,
		&o.Status, &o.FailReason, &exec, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.LimitPrice = num(price)
	o.TotalAmount = num(total)
	o.FilledAmount = num(filled)
	o.LockedAmount = num(locked)
	o.LockedCostBasis = num(lockedCost)
	o.ExecutionPrice = num(exec)
	return &o, nil
}

// num parses a NUMERIC::TEXT column. The database only ever holds values
// written from decimal.Decimal, so a parse failure yields zero.
func num(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
