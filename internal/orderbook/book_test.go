package orderbook

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
	"github.com/jackhts4/gmgn-clone/internal/ledger"
	"github.com/jackhts4/gmgn-clone/internal/model"
	"github.com/jackhts4/gmgn-clone/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st   *store.MemoryStore
	ex   *ledger.Executor
	book *Book
}

// newFixture seeds pool pepe at price 0.01 (10 / 1000) and accounts with
// 100 cash each.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateInstrument(ctx,
		&model.Instrument{ID: "pepe", Symbol: "PEPE", CreatedAt: t0},
		&model.Pool{InstrumentID: "pepe", QuoteReserve: d(10), BaseReserve: d(1000), UpdatedAt: t0}))
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, st.CreateAccount(ctx, &model.Account{ID: id, CashBalance: d(100), CreatedAt: t0}))
	}

	tick := 0
	clock := func() time.Time { tick++; return t0.Add(time.Duration(tick) * time.Second) }
	ids := 0
	newID := func() string { ids++; return fmt.Sprintf("id-%d", ids) }

	ex := ledger.New(st, amm.New(), ledger.WithClock(clock), ledger.WithIDGenerator(newID))
	opts = append([]Option{WithClock(clock), WithIDGenerator(newID)}, opts...)
	return &fixture{st: st, ex: ex, book: New(st, ex, opts...)}
}

func (f *fixture) account(t *testing.T, id string) *model.Account {
	t.Helper()
	acc, err := f.st.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc
}

func (f *fixture) buy(t *testing.T, id string, quote float64) *ledger.Result {
	t.Helper()
	res, err := f.ex.Execute(context.Background(), ledger.Request{AccountID: id, Side: model.SideBuy, InstrumentID: "pepe", Amount: d(quote)})
	require.NoError(t, err)
	return res
}

// --- Creation and locking ---

func TestCreateOrder_BuyLocksCash(t *testing.T) {
	f := newFixture(t)
	o, err := f.book.CreateOrder(context.Background(), CreateRequest{
		AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(0.005), Amount: d(40),
	})
	require.NoError(t, err)

	assert.Equal(t, model.OrderOpen, o.Status)
	assert.True(t, o.LockedAmount.Equal(d(40)))
	assert.True(t, f.account(t, "alice").CashBalance.Equal(d(60)))

	stored, err := f.st.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, stored.ID)
}

func TestCreateOrder_SellLocksTokensAndCostBasis(t *testing.T) {
	f := newFixture(t)
	res := f.buy(t, "alice", 2)
	held := res.Account.Holding("pepe")
	half := held.Amount.Div(decimal.NewFromInt(2))

	o, err := f.book.CreateOrder(context.Background(), CreateRequest{
		AccountID: "alice", Side: model.SideSell, InstrumentID: "pepe", LimitPrice: d(0.5), Amount: half,
	})
	require.NoError(t, err)

	after := f.account(t, "alice").Holding("pepe")
	assert.True(t, after.Amount.Equal(held.Amount.Sub(half)))
	assert.True(t, after.CostBasis.Add(o.LockedCostBasis).Equal(held.CostBasis), "cost basis moves to the order")
}

func TestCreateOrder_Errors(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"zero amount", CreateRequest{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(1), Amount: decimal.Zero}, model.ErrInvalidAmount},
		{"zero price", CreateRequest{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: decimal.Zero, Amount: d(1)}, model.ErrInvalidAmount},
		{"bad side", CreateRequest{AccountID: "alice", Side: "hold", InstrumentID: "pepe", LimitPrice: d(1), Amount: d(1)}, model.ErrInvalidAmount},
		{"no pool", CreateRequest{AccountID: "alice", Side: model.SideBuy, InstrumentID: "nope", LimitPrice: d(1), Amount: d(1)}, model.ErrPoolNotFound},
		{"no account", CreateRequest{AccountID: "mallory", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(1), Amount: d(1)}, model.ErrAccountNotFound},
		{"no cash", CreateRequest{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(1), Amount: d(101)}, model.ErrInsufficientFunds},
		{"no tokens", CreateRequest{AccountID: "alice", Side: model.SideSell, InstrumentID: "pepe", LimitPrice: d(1), Amount: d(1)}, model.ErrInsufficientHoldings},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.book.CreateOrder(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// --- Cancellation ---

func TestCancelOrder_RefundsLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.book.CreateOrder(ctx, CreateRequest{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(0.001), Amount: d(25)})
	require.NoError(t, err)

	cancelled, err := f.book.CancelOrder(ctx, o.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)
	assert.True(t, cancelled.LockedAmount.IsZero())
	assert.True(t, f.account(t, "alice").CashBalance.Equal(d(100)))
}

func TestCancelOrder_SellRestoresCostBasis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	held := f.buy(t, "alice", 3).Account.Holding("pepe")

	o, err := f.book.CreateOrder(ctx, CreateRequest{AccountID: "alice", Side: model.SideSell, InstrumentID: "pepe", LimitPrice: d(1), Amount: held.Amount})
	require.NoError(t, err)
	_, err = f.book.CancelOrder(ctx, o.ID, "alice")
	require.NoError(t, err)

	after := f.account(t, "alice").Holding("pepe")
	assert.True(t, after.Amount.Equal(held.Amount))
	assert.True(t, after.CostBasis.Equal(held.CostBasis))
}

func TestCancelOrder_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.book.CancelOrder(ctx, "missing", "alice")
	assert.ErrorIs(t, err, model.ErrOrderNotFound)

	o, err := f.book.CreateOrder(ctx, CreateRequest{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(0.001), Amount: d(5)})
	require.NoError(t, err)

	_, err = f.book.CancelOrder(ctx, o.ID, "bob")
	assert.ErrorIs(t, err, model.ErrNotOrderOwner)

	_, err = f.book.CancelOrder(ctx, o.ID, "alice")
	require.NoError(t, err)
	_, err = f.book.CancelOrder(ctx, o.ID, "alice")
	assert.ErrorIs(t, err, model.ErrOrderNotOpen)

	assert.True(t, f.account(t, "alice").CashBalance.Equal(d(100)), "double cancel must not double refund")
}

// --- Triggers ---

func TestCheckTriggers_FillsReachedOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Bob's buy lifts the price to about 0.012: the buy at 0.02 and the
	// sell at 0.005 are reached, the buy at 0.001 is not.
	held := f.buy(t, "bob", 1).Account.Holding("pepe")
	reachedBuy, err := f.book.CreateOrder(ctx, CreateRequest{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(0.02), Amount: d(1)})
	require.NoError(t, err)
	farBuy, err := f.book.CreateOrder(ctx, CreateRequest{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(0.001), Amount: d(1)})
	require.NoError(t, err)
	reachedSell, err := f.book.CreateOrder(ctx, CreateRequest{AccountID: "bob", Side: model.SideSell, InstrumentID: "pepe", LimitPrice: d(0.005), Amount: held.Amount})
	require.NoError(t, err)

	report, err := f.book.CheckTriggers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	require.Len(t, report.Filled, 2)
	assert.Equal(t, reachedBuy.ID, report.Filled[0].Order.ID, "creation order")
	assert.Equal(t, reachedSell.ID, report.Filled[1].Order.ID)
	assert.Empty(t, report.Failed)

	for _, fill := range report.Filled {
		assert.Equal(t, model.OrderFilled, fill.Order.Status)
		assert.True(t, fill.Order.FilledAmount.Equal(fill.Order.TotalAmount))
		assert.True(t, fill.Order.LockedAmount.IsZero())
		assert.Equal(t, model.TagLimitOrder, fill.Transaction.Tag)
		assert.Equal(t, fill.Order.ID, fill.Transaction.OrderID)
		assert.True(t, fill.Order.ExecutionPrice.Equal(fill.Transaction.ExecutionPrice))
	}

	stillOpen, err := f.st.GetOrder(ctx, farBuy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, stillOpen.Status)

	// Locked cash was already debited; the fill only adds tokens.
	alice := f.account(t, "alice")
	assert.True(t, alice.CashBalance.Equal(d(98)))
	assert.True(t, alice.Holding("pepe").Amount.IsPositive())

	bob := f.account(t, "bob")
	assert.True(t, bob.Holding("pepe").Amount.IsZero())
	assert.True(t, bob.CashBalance.Equal(d(99).Add(report.Filled[1].Transaction.QuoteAmount)))
}

func TestCheckTriggers_UsesPriceAtEvaluation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Both buys trigger at 0.0105, but the first fill pushes the price past
	// the limit, so the second order stays open.
	first, err := f.book.CreateOrder(ctx, CreateRequest{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(0.0105), Amount: d(5)})
	require.NoError(t, err)
	second, err := f.book.CreateOrder(ctx, CreateRequest{AccountID: "bob", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(0.0105), Amount: d(5)})
	require.NoError(t, err)

	report, err := f.book.CheckTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, report.Filled, 1)
	assert.Equal(t, first.ID, report.Filled[0].Order.ID)

	o, err := f.st.GetOrder(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, o.Status)
}

type flakyExecutor struct {
	ledger.Executor
	fail map[string]bool
}

func (e *flakyExecutor) Execute(ctx context.Context, req ledger.Request) (*ledger.Result, error) {
	if e.fail[req.OrderID] {
		return nil, errors.New("pool drained")
	}
	return e.Executor.Execute(ctx, req)
}

func TestCheckTriggers_FailureRefundsAndContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad, err := f.book.CreateOrder(ctx, CreateRequest{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(0.02), Amount: d(30)})
	require.NoError(t, err)
	good, err := f.book.CreateOrder(ctx, CreateRequest{AccountID: "bob", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(0.02), Amount: d(1)})
	require.NoError(t, err)

	flaky := &flakyExecutor{Executor: *f.ex, fail: map[string]bool{bad.ID: true}}
	book := New(f.st, flaky)

	report, err := book.CheckTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	require.Len(t, report.Filled, 1)
	assert.Equal(t, good.ID, report.Filled[0].Order.ID)

	failed := report.Failed[0]
	assert.Equal(t, bad.ID, failed.ID)
	assert.Equal(t, model.OrderFailed, failed.Status)
	assert.Equal(t, "pool drained", failed.FailReason)
	assert.True(t, failed.LockedAmount.IsZero())
	assert.True(t, f.account(t, "alice").CashBalance.Equal(d(100)), "failed order returns its lock")

	_, err = book.CancelOrder(ctx, bad.ID, "alice")
	assert.ErrorIs(t, err, model.ErrOrderNotOpen)
}

func TestCheckTriggers_SellFillStage(t *testing.T) {
	var staged []string
	stage := func(_ context.Context, accountID, instrumentID string, amount decimal.Decimal) (ledger.StageFunc, error) {
		staged = append(staged, accountID+"/"+instrumentID+"/"+amount.String())
		return nil, nil
	}
	f := newFixture(t, WithSellFillStage(stage))
	ctx := context.Background()

	held := f.buy(t, "alice", 1).Account.Holding("pepe")
	_, err := f.book.CreateOrder(ctx, CreateRequest{AccountID: "alice", Side: model.SideSell, InstrumentID: "pepe", LimitPrice: d(0.001), Amount: held.Amount})
	require.NoError(t, err)

	report, err := f.book.CheckTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, report.Filled, 1)
	assert.Equal(t, []string{"alice/pepe/" + held.Amount.String()}, staged)
}

// --- Depth ---

func TestOrderBook_AggregatesLevels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	held := f.buy(t, "bob", 5).Account.Holding("pepe")
	require.True(t, held.Amount.GreaterThan(d(80)))

	create := func(side model.Side, price, amount float64) {
		_, err := f.book.CreateOrder(ctx, CreateRequest{AccountID: map[model.Side]string{model.SideBuy: "alice", model.SideSell: "bob"}[side],
			Side: side, InstrumentID: "pepe", LimitPrice: d(price), Amount: d(amount)})
		require.NoError(t, err)
	}
	create(model.SideSell, 0.02, 50)
	create(model.SideSell, 0.02, 30)
	create(model.SideSell, 0.03, 0.5)
	create(model.SideBuy, 0.001, 2)
	create(model.SideBuy, 0.002, 3)

	depth, err := f.book.OrderBook(ctx, "pepe")
	require.NoError(t, err)

	require.Len(t, depth.Asks, 2)
	assert.True(t, depth.Asks[0].Price.Equal(d(0.02)))
	assert.True(t, depth.Asks[0].TotalAmount.Equal(d(80)))
	assert.Equal(t, 2, depth.Asks[0].OrderCount)
	assert.True(t, depth.Asks[1].Price.Equal(d(0.03)))

	require.Len(t, depth.Bids, 2)
	assert.True(t, depth.Bids[0].Price.Equal(d(0.002)), "bids sorted descending")
	assert.True(t, depth.Bids[1].Price.Equal(d(0.001)))
}

func TestOrders_FilterByAccountAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o1, err := f.book.CreateOrder(ctx, CreateRequest{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(0.001), Amount: d(1)})
	require.NoError(t, err)
	_, err = f.book.CreateOrder(ctx, CreateRequest{AccountID: "alice", Side: model.SideBuy, InstrumentID: "pepe", LimitPrice: d(0.002), Amount: d(1)})
	require.NoError(t, err)
	_, err = f.book.CancelOrder(ctx, o1.ID, "alice")
	require.NoError(t, err)

	all, err := f.book.Orders(ctx, store.OrderFilter{AccountID: "alice"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := f.book.Orders(ctx, store.OrderFilter{AccountID: "alice", Status: model.OrderOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.NotEqual(t, o1.ID, open[0].ID)
}
