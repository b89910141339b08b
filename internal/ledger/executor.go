// Package ledger executes a single trade: it validates the account and pool,
// prices the trade through the AMM and stages every resulting mutation into
// one store batch that commits atomically.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jackhts4/gmgn-clone/internal/amm"
	"github.com/jackhts4/gmgn-clone/internal/model"
	"github.com/jackhts4/gmgn-clone/internal/store"
)

// Store is the subset of store.Store the executor needs.
type Store interface {
	GetPool(ctx context.Context, instrumentID string) (*model.Pool, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	Commit(ctx context.Context, b *store.Batch) error
}

// StageFunc adds auxiliary writes to a trade's batch before it commits.
// res holds the staged trade; an error aborts the whole trade.
type StageFunc func(b *store.Batch, res *Result) error

// Chain runs stages in order, skipping nil entries.
func Chain(stages ...StageFunc) StageFunc {
	return func(b *store.Batch, res *Result) error {
		for _, stage := range stages {
			if stage == nil {
				continue
			}
			if err := stage(b, res); err != nil {
				return err
			}
		}
		return nil
	}
}

// RateSource converts quote currency to USD.
type RateSource interface {
	QuoteToUSD(ctx context.Context) (decimal.Decimal, error)
}

// Request describes one trade. Amount is quote for a buy, base for a sell.
type Request struct {
	AccountID    string
	Side         model.Side
	InstrumentID string
	Amount       decimal.Decimal
	Tag          model.Tag
	CopiedFrom   string
	OrderID      string

	// Prelocked marks funds already removed from the account (limit order
	// fills). The funds check and debit are skipped.
	Prelocked bool

	// Stage runs after the trade is staged and before commit.
	Stage StageFunc
}

// Result is the committed outcome of a trade.
type Result struct {
	Transaction model.Transaction
	Quote       amm.Quote
	Account     model.Account // post-trade
	Pool        model.Pool    // post-trade
	// PreTradeHolding is the account's holding in the instrument before
	// the trade. Sell replication scales from it.
	PreTradeHolding model.Holding
}

// Executor runs trades against a store.
type Executor struct {
	store Store
	amm   *amm.Engine
	rates RateSource
	now   func() time.Time
	newID func() string
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Executor) { e.newID = newID }
}

// WithRates records USD values on every transaction.
func WithRates(rates RateSource) Option {
	return func(e *Executor) { e.rates = rates }
}

// New creates an executor.
func New(st Store, engine *amm.Engine, opts ...Option) *Executor {
	e := &Executor{
		store: st,
		amm:   engine,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute validates, prices and commits one trade. Nothing is applied
// unless every staged write commits.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if !req.Side.Valid() {
		return nil, fmt.Errorf("%w: unknown side %q", model.ErrInvalidAmount, req.Side)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", model.ErrInvalidAmount, req.Amount)
	}
	if req.Tag == "" {
		req.Tag = model.TagOrganic
	}

	acc, err := e.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	pool, err := e.store.GetPool(ctx, req.InstrumentID)
	if err != nil {
		return nil, err
	}

	holding := acc.Holding(req.InstrumentID)
	if !req.Prelocked {
		switch req.Side {
		case model.SideBuy:
			if acc.CashBalance.LessThan(req.Amount) {
				return nil, fmt.Errorf("%w: need %s, have %s", model.ErrInsufficientFunds, req.Amount, acc.CashBalance)
			}
		case model.SideSell:
			if holding.Amount.LessThan(req.Amount) {
				return nil, fmt.Errorf("%w: need %s, have %s", model.ErrInsufficientHoldings, req.Amount, holding.Amount)
			}
		}
	}

	q, err := e.amm.Quote(*pool, req.Side, req.Amount)
	if err != nil {
		return nil, err
	}

	now := e.now()
	next := acc.Clone()
	nextHolding := holding
	switch req.Side {
	case model.SideBuy:
		if !req.Prelocked {
			next.CashBalance = next.CashBalance.Sub(req.Amount)
		}
		nextHolding.Amount = nextHolding.Amount.Add(q.BaseAmount)
		nextHolding.CostBasis = nextHolding.CostBasis.Add(q.QuoteAmount)
	case model.SideSell:
		if !req.Prelocked {
			nextHolding, _ = ReduceHolding(holding, req.Amount)
		}
		next.CashBalance = next.CashBalance.Add(q.QuoteAmount)
	}
	next.SetHolding(req.InstrumentID, nextHolding)

	newPool := q.Apply(*pool)
	newPool.UpdatedAt = now

	tx := model.Transaction{
		ID:             e.newID(),
		AccountID:      req.AccountID,
		Side:           req.Side,
		InstrumentID:   req.InstrumentID,
		BaseAmount:     q.BaseAmount,
		QuoteAmount:    q.QuoteAmount,
		ExecutionPrice: q.ExecutionPrice,
		PriceImpact:    q.PriceImpact,
		Tag:            req.Tag,
		CopiedFrom:     req.CopiedFrom,
		OrderID:        req.OrderID,
		Timestamp:      now,
	}
	if usd := e.quoteToUSD(ctx); usd.IsPositive() {
		tx.AmountUSD = tx.QuoteAmount.Mul(usd)
		tx.PriceUSD = tx.ExecutionPrice.Mul(usd)
	}

	b := store.NewBatch()
	b.PutPool(newPool)
	b.PutAccount(next)
	b.AddTransaction(tx)

	res := &Result{
		Transaction:     tx,
		Quote:           q,
		Account:         next,
		Pool:            newPool,
		PreTradeHolding: holding,
	}

	if req.Stage != nil {
		if err := req.Stage(b, res); err != nil {
			return nil, err
		}
	}

	if err := e.store.Commit(ctx, b); err != nil {
		if !errors.Is(err, model.ErrCommitFailed) {
			err = fmt.Errorf("%w: %w", model.ErrCommitFailed, err)
		}
		return nil, err
	}

	// Stages may have adjusted the account further.
	if staged, ok := b.Account(req.AccountID); ok {
		res.Account = staged.Clone()
	}
	return res, nil
}

// quoteToUSD is zero when no rate source is set or it fails. A missing
// rate never blocks a trade.
func (e *Executor) quoteToUSD(ctx context.Context) decimal.Decimal {
	if e.rates == nil {
		return decimal.Zero
	}
	usd, err := e.rates.QuoteToUSD(ctx)
	if err != nil {
		slog.Warn("usd rate unavailable, recording trade without usd values", "error", err)
		return decimal.Zero
	}
	return usd
}

// ReduceHolding removes amount from h, scaling cost basis down by the sold
// fraction so the average price is unchanged. It also returns the cost
// basis that left the holding.
func ReduceHolding(h model.Holding, amount decimal.Decimal) (model.Holding, decimal.Decimal) {
	if amount.GreaterThanOrEqual(h.Amount) {
		return model.Holding{}, h.CostBasis
	}
	remaining := h.Amount.Sub(amount)
	next := model.Holding{
		Amount:    remaining,
		CostBasis: h.CostBasis.Mul(remaining).Div(h.Amount),
	}
	return next, h.CostBasis.Sub(next.CostBasis)
}
