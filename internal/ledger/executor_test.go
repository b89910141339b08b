package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackhts4/gmgn-clone/internal/amm"
	"github.com/jackhts4/gmgn-clone/internal/model"
	"github.com/jackhts4/gmgn-clone/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*store.MemoryStore, *Executor) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateInstrument(ctx,
		&model.Instrument{ID: "pepe", Symbol: "PEPE", CreatedAt: t0},
		&model.Pool{InstrumentID: "pepe", QuoteReserve: d(10), BaseReserve: d(1000), UpdatedAt: t0}))
	require.NoError(t, st.CreateAccount(ctx, &model.Account{ID: "alice", CashBalance: d(100), CreatedAt: t0}))

	n := 0
	ex := New(st, amm.New(),
		WithClock(func() time.Time { return t0 }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("tx-%d", n) }),
	)
	return st, ex
}

func TestExecute_Buy(t *testing.T) {
	st, ex := newFixture(t)
	ctx := context.Background()

	res, err := ex.Execute(ctx, Request{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", Amount: d(1)})
	require.NoError(t, err)

	assert.Equal(t, "tx-1", res.Transaction.ID)
	assert.Equal(t, model.TagOrganic, res.Transaction.Tag, "empty tag defaults to organic")
	assert.True(t, res.Transaction.ExecutionPrice.Equal(d(0.011)), "execution price %s", res.Transaction.ExecutionPrice)
	assert.True(t, res.PreTradeHolding.Amount.IsZero())

	acc, err := st.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acc.CashBalance.Equal(d(99)), "cash %s", acc.CashBalance)
	h := acc.Holding("pepe")
	assert.True(t, h.Amount.Equal(res.Quote.BaseAmount))
	assert.True(t, h.CostBasis.Equal(d(1)), "cost basis %s", h.CostBasis)

	pool, err := st.GetPool(ctx, "pepe")
	require.NoError(t, err)
	assert.True(t, pool.QuoteReserve.Equal(d(11)))

	txs, err := st.QueryTransactions(ctx, store.TransactionFilter{AccountID: "alice"})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.SideBuy, txs[0].Side)
}

func TestExecute_SellScalesCostBasis(t *testing.T) {
	st, ex := newFixture(t)
	ctx := context.Background()

	buy, err := ex.Execute(ctx, Request{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", Amount: d(2)})
	require.NoError(t, err)
	held := buy.Account.Holding("pepe")
	avg := held.AvgPrice()

	half := held.Amount.Div(decimal.NewFromInt(2))
	sell, err := ex.Execute(ctx, Request{AccountID: "alice", Side: model.SideSell, InstrumentID: "pepe", Amount: half})
	require.NoError(t, err)

	assert.True(t, sell.PreTradeHolding.Amount.Equal(held.Amount))
	after := sell.Account.Holding("pepe")
	assert.True(t, after.Amount.Equal(held.Amount.Sub(half)))
	assert.True(t, after.CostBasis.Sub(d(1)).Abs().LessThan(d(0.000000001)), "half the cost basis should remain, got %s", after.CostBasis)
	assert.True(t, after.AvgPrice().Sub(avg).Abs().LessThan(d(0.000000001)), "average price should be unchanged")

	acc, _ := st.GetAccount(ctx, "alice")
	assert.True(t, acc.CashBalance.Equal(d(98).Add(sell.Quote.QuoteAmount)))
}

func TestExecute_SellAllRemovesHolding(t *testing.T) {
	st, ex := newFixture(t)
	ctx := context.Background()

	buy, err := ex.Execute(ctx, Request{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", Amount: d(1)})
	require.NoError(t, err)
	_, err = ex.Execute(ctx, Request{AccountID: "alice", Side: model.SideSell, InstrumentID: "pepe", Amount: buy.Quote.BaseAmount})
	require.NoError(t, err)

	acc, _ := st.GetAccount(ctx, "alice")
	_, ok := acc.Holdings["pepe"]
	assert.False(t, ok, "holding should be removed once amount reaches zero")
}

func TestExecute_Errors(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"zero amount", Request{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", Amount: decimal.Zero}, model.ErrInvalidAmount},
		{"unknown side", Request{AccountID: "alice", Side: "short", InstrumentID: "pepe", Amount: d(1)}, model.ErrInvalidAmount},
		{"unknown account", Request{AccountID: "mallory", Side: model.SideBuy, InstrumentID: "pepe", Amount: d(1)}, model.ErrAccountNotFound},
		{"unknown pool", Request{AccountID: "alice", Side: model.SideBuy, InstrumentID: "nope", Amount: d(1)}, model.ErrPoolNotFound},
		{"not enough cash", Request{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", Amount: d(101)}, model.ErrInsufficientFunds},
		{"not enough tokens", Request{AccountID: "alice", Side: model.SideSell, InstrumentID: "pepe", Amount: d(1)}, model.ErrInsufficientHoldings},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ex := newFixture(t)
			_, err := ex.Execute(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)

			acc, _ := st.GetAccount(context.Background(), "alice")
			assert.True(t, acc.CashBalance.Equal(d(100)), "failed trade must not touch state")
		})
	}
}

func TestExecute_PrelockedSkipsDebit(t *testing.T) {
	st, ex := newFixture(t)
	ctx := context.Background()

	// Funds for a prelocked buy are already gone; cash stays as-is.
	res, err := ex.Execute(ctx, Request{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe",
		Amount: d(500), Prelocked: true, Tag: model.TagLimitOrder, OrderID: "ord-1"})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", res.Transaction.OrderID)

	acc, _ := st.GetAccount(ctx, "alice")
	assert.True(t, acc.CashBalance.Equal(d(100)))
	assert.True(t, acc.Holding("pepe").Amount.IsPositive())
}

func TestExecute_StageErrorAbortsTrade(t *testing.T) {
	st, ex := newFixture(t)
	ctx := context.Background()

	boom := errors.New("stage failed")
	_, err := ex.Execute(ctx, Request{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", Amount: d(1),
		Stage: func(*store.Batch, *Result) error { return boom }})
	assert.ErrorIs(t, err, boom)

	pool, _ := st.GetPool(ctx, "pepe")
	assert.True(t, pool.QuoteReserve.Equal(d(10)), "pool must be untouched")
}

func TestExecute_StageWritesCommitTogether(t *testing.T) {
	st, ex := newFixture(t)
	ctx := context.Background()

	stage := Chain(nil, func(b *store.Batch, res *Result) error {
		b.PutCopyPosition(model.CopyPosition{
			ID:                  "pos-1",
			FollowerID:          res.Transaction.AccountID,
			InstrumentID:        res.Transaction.InstrumentID,
			OriginalBaseAmount:  res.Quote.BaseAmount,
			RemainingBaseAmount: res.Quote.BaseAmount,
			Status:              model.PositionActive,
			CreatedAt:           res.Transaction.Timestamp,
		})
		return nil
	})
	_, err := ex.Execute(ctx, Request{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", Amount: d(1), Stage: stage})
	require.NoError(t, err)

	positions, err := st.ListCopyPositions(ctx, store.CopyPositionFilter{FollowerID: "alice"})
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "pos-1", positions[0].ID)
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) Commit(context.Context, *store.Batch) error {
	return errors.New("connection reset")
}

func TestExecute_CommitFailure(t *testing.T) {
	st, _ := newFixture(t)
	ex := New(failingStore{st}, amm.New())

	_, err := ex.Execute(context.Background(), Request{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", Amount: d(1)})
	assert.ErrorIs(t, err, model.ErrCommitFailed)

	acc, _ := st.GetAccount(context.Background(), "alice")
	assert.True(t, acc.CashBalance.Equal(d(100)))
}

type rateFunc func() (decimal.Decimal, error)

func (f rateFunc) QuoteToUSD(context.Context) (decimal.Decimal, error) { return f() }

func TestExecute_RecordsUSDValues(t *testing.T) {
	st, _ := newFixture(t)
	ctx := context.Background()
	ex := New(st, amm.New(),
		WithClock(func() time.Time { return t0 }),
		WithRates(rateFunc(func() (decimal.Decimal, error) { return d(150), nil })),
	)

	res, err := ex.Execute(ctx, Request{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", Amount: d(1)})
	require.NoError(t, err)
	tx := res.Transaction
	assert.True(t, tx.AmountUSD.Equal(d(150)), "amount usd %s", tx.AmountUSD)
	assert.True(t, tx.PriceUSD.Equal(tx.ExecutionPrice.Mul(d(150))), "price usd %s", tx.PriceUSD)

	txs, err := st.QueryTransactions(ctx, store.TransactionFilter{AccountID: "alice"})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].AmountUSD.Equal(d(150)), "stored amount usd %s", txs[0].AmountUSD)
}

func TestExecute_RateFailureDoesNotBlockTrade(t *testing.T) {
	st, _ := newFixture(t)
	ex := New(st, amm.New(),
		WithRates(rateFunc(func() (decimal.Decimal, error) { return decimal.Zero, errors.New("feed down") })),
	)

	res, err := ex.Execute(context.Background(), Request{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", Amount: d(1)})
	require.NoError(t, err)
	assert.True(t, res.Transaction.AmountUSD.IsZero())
	assert.True(t, res.Transaction.PriceUSD.IsZero())
}

func TestReduceHolding(t *testing.T) {
	next, released := ReduceHolding(model.Holding{Amount: d(10), CostBasis: d(4)}, d(2.5))
	assert.True(t, next.Amount.Equal(d(7.5)))
	assert.True(t, next.CostBasis.Equal(d(3)))
	assert.True(t, released.Equal(d(1)))

	next, released = ReduceHolding(model.Holding{Amount: d(10), CostBasis: d(4)}, d(10))
	assert.True(t, next.Amount.IsZero())
	assert.True(t, released.Equal(d(4)))
}
