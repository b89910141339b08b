// Package amm implements the constant-product automated market maker that
// prices every trade in the ledger.
//
// A pool holds a quote reserve x and a base reserve y. Every trade keeps
// the product k = x * y fixed:
//   - Buy (quote in):  x' = x + in, y' = k / x', out = y - y'
//   - Sell (base in):  y' = y + in, x' = k / y', out = x - x'
//
// The engine is stateless: pools are passed in and a proposed new state is
// returned without mutating the input. All monetary values use shopspring/decimal.
package amm

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jackhts4/gmgn-clone/internal/model"
)

var (
	// ReservePrecision is the number of decimal places kept when solving
	// for the new reserve (k / x').
	ReservePrecision int32 = 18

	// PriceScale is the number of decimal places for derived prices and
	// percentages.
	PriceScale int32 = 12

	hundred  = decimal.NewFromInt(100)
	bpsScale = decimal.NewFromInt(10000)
)

// PoolReader resolves the pool for an instrument.
type PoolReader interface {
	GetPool(ctx context.Context, instrumentID string) (*model.Pool, error)
}

// Quote is the result of pricing one trade against a pool.
type Quote struct {
	Side     model.Side      `json:"side"`
	AmountIn decimal.Decimal `json:"amount_in"`
	// AmountOut is base for a buy, quote for a sell.
	AmountOut decimal.Decimal `json:"amount_out"`
	// Fee is the part of AmountIn withheld from the reserve update.
	Fee decimal.Decimal `json:"fee"`

	BaseAmount  decimal.Decimal `json:"base_amount"`
	QuoteAmount decimal.Decimal `json:"quote_amount"`

	OldPrice       decimal.Decimal `json:"old_price"`
	NewPrice       decimal.Decimal `json:"new_price"`
	ExecutionPrice decimal.Decimal `json:"execution_price"` // quote per base
	PriceImpact    decimal.Decimal `json:"price_impact"`    // spot move, percent
	Slippage       decimal.Decimal `json:"slippage"`        // fill vs spot, percent

	NewQuoteReserve decimal.Decimal `json:"new_quote_reserve"`
	NewBaseReserve  decimal.Decimal `json:"new_base_reserve"`
}

// Apply returns the pool with the quote's reserves. The input is not modified.
func (q Quote) Apply(p model.Pool) model.Pool {
	p.QuoteReserve = q.NewQuoteReserve
	p.BaseReserve = q.NewBaseReserve
	return p
}

// Engine prices trades. The zero value is not usable; use New.
type Engine struct {
	feeBps decimal.Decimal
}

// Option configures an Engine.
type Option func(*Engine)

// WithFeeBps withholds bps/10000 of every input from the reserve update.
func WithFeeBps(bps int64) Option {
	return func(e *Engine) {
		if bps > 0 && bps < 10000 {
			e.feeBps = decimal.NewFromInt(bps)
		}
	}
}

// New creates an engine. The default has zero fee.
func New(opts ...Option) *Engine {
	e := &Engine{feeBps: decimal.Zero}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FeeBps returns the configured fee in basis points.
func (e *Engine) FeeBps() decimal.Decimal {
	return e.feeBps
}

// Quote prices a trade of amountIn against pool. For a buy amountIn is
// quote currency, for a sell it is base tokens.
func (e *Engine) Quote(pool model.Pool, side model.Side, amountIn decimal.Decimal) (Quote, error) {
	if !pool.QuoteReserve.IsPositive() || !pool.BaseReserve.IsPositive() {
		return Quote{}, fmt.Errorf("%w: pool %s has empty reserves", model.ErrInvalidAmount, pool.InstrumentID)
	}
	if !amountIn.IsPositive() {
		return Quote{}, fmt.Errorf("%w: amount must be positive, got %s", model.ErrInvalidAmount, amountIn)
	}

	switch side {
	case model.SideBuy:
		return e.buy(pool, amountIn)
	case model.SideSell:
		return e.sell(pool, amountIn)
	default:
		return Quote{}, fmt.Errorf("%w: unknown side %q", model.ErrInvalidAmount, side)
	}
}

// QuoteInstrument resolves the instrument's pool and prices the trade.
// Fails with model.ErrPoolNotFound when no pool exists.
func (e *Engine) QuoteInstrument(ctx context.Context, pools PoolReader, instrumentID string, side model.Side, amountIn decimal.Decimal) (Quote, error) {
	pool, err := pools.GetPool(ctx, instrumentID)
	if err != nil {
		return Quote{}, err
	}
	return e.Quote(*pool, side, amountIn)
}

func (e *Engine) buy(pool model.Pool, quoteIn decimal.Decimal) (Quote, error) {
	deposit, fee := e.deposit(quoteIn)
	k := pool.QuoteReserve.Mul(pool.BaseReserve)

	newQuote := pool.QuoteReserve.Add(deposit)
	newBase := solveReserve(k, newQuote)
	baseOut := pool.BaseReserve.Sub(newBase)

	if !newBase.IsPositive() || !baseOut.IsPositive() {
		return Quote{}, fmt.Errorf("%w: buy of %s would exhaust pool %s", model.ErrInvalidAmount, quoteIn, pool.InstrumentID)
	}

	q := Quote{
		Side:            model.SideBuy,
		AmountIn:        quoteIn,
		AmountOut:       baseOut,
		Fee:             fee,
		BaseAmount:      baseOut,
		QuoteAmount:     quoteIn,
		NewQuoteReserve: newQuote,
		NewBaseReserve:  newBase,
	}
	e.derive(&q, pool)
	return q, nil
}

func (e *Engine) sell(pool model.Pool, baseIn decimal.Decimal) (Quote, error) {
	deposit, fee := e.deposit(baseIn)
	k := pool.QuoteReserve.Mul(pool.BaseReserve)

	newBase := pool.BaseReserve.Add(deposit)
	newQuote := solveReserve(k, newBase)
	quoteOut := pool.QuoteReserve.Sub(newQuote)

	if !newQuote.IsPositive() || !quoteOut.IsPositive() {
		return Quote{}, fmt.Errorf("%w: sell of %s would exhaust pool %s", model.ErrInvalidAmount, baseIn, pool.InstrumentID)
	}

	q := Quote{
		Side:            model.SideSell,
		AmountIn:        baseIn,
		AmountOut:       quoteOut,
		Fee:             fee,
		BaseAmount:      baseIn,
		QuoteAmount:     quoteOut,
		NewQuoteReserve: newQuote,
		NewBaseReserve:  newBase,
	}
	e.derive(&q, pool)
	return q, nil
}

// solveReserve returns k / other rounded up, so rounding never lets the
// product drop below k and always favours the pool.
func solveReserve(k, other decimal.Decimal) decimal.Decimal {
	return k.DivRound(other, ReservePrecision+4).RoundCeil(ReservePrecision)
}

// deposit splits an input into the part that enters the reserves and the fee.
func (e *Engine) deposit(in decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if e.feeBps.IsZero() {
		return in, decimal.Zero
	}
	fee := in.Mul(e.feeBps).Div(bpsScale)
	return in.Sub(fee), fee
}

// derive fills the price fields. Impact is signed by construction:
// positive for buys, negative for sells.
func (e *Engine) derive(q *Quote, pool model.Pool) {
	oldPrice := pool.QuoteReserve.Div(pool.BaseReserve)
	newPrice := q.NewQuoteReserve.Div(q.NewBaseReserve)

	q.OldPrice = oldPrice.Round(PriceScale)
	q.NewPrice = newPrice.Round(PriceScale)
	q.ExecutionPrice = q.QuoteAmount.Div(q.BaseAmount).Round(PriceScale)
	q.PriceImpact = newPrice.Sub(oldPrice).Div(oldPrice).Mul(hundred).Round(PriceScale)
	q.Slippage = q.QuoteAmount.Div(q.BaseAmount).Sub(oldPrice).Div(oldPrice).Mul(hundred).Round(PriceScale)
}
