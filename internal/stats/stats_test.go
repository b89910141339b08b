package stats

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackhts4/gmgn-clone/internal/model"
	"github.com/jackhts4/gmgn-clone/internal/oracle"
	"github.com/jackhts4/gmgn-clone/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

// newCalculator seeds pool pepe at price 0.01 (10 / 1000), accounts
// alice, bob, carol and dave with 100 cash, and a 2 USD quote rate. The
// instrument has a total supply of one million.
func newCalculator(t *testing.T) (*Calculator, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateInstrument(ctx,
		&model.Instrument{ID: "pepe", Symbol: "PEPE", TotalSupply: d(1_000_000), CreatedAt: now},
		&model.Pool{InstrumentID: "pepe", QuoteReserve: d(10), BaseReserve: d(1000), UpdatedAt: now}))
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		require.NoError(t, st.CreateAccount(ctx, &model.Account{ID: id, Name: id, CashBalance: d(100), CreatedAt: now}))
	}
	calc := New(st, oracle.NewStatic(d(2)), d(100), WithClock(func() time.Time { return now }))
	return calc, st
}

func tx(id, account string, quote, price float64, at time.Time) model.Transaction {
	return model.Transaction{
		ID: id, AccountID: account, Side: model.SideBuy, InstrumentID: "pepe",
		BaseAmount: d(quote / price), QuoteAmount: d(quote), ExecutionPrice: d(price),
		Tag: model.TagOrganic, Timestamp: at,
	}
}

// seed gives alice 150 cash and two trades, and bob 70 cash, 1000 pepe
// bought for 20 and two open orders each locking 5 quote worth.
func seed(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	b := store.NewBatch()
	b.PutAccount(model.Account{ID: "alice", Name: "alice", CashBalance: d(150)})
	bob := model.Account{ID: "bob", Name: "bob", CashBalance: d(70)}
	bob.SetHolding("pepe", model.Holding{Amount: d(1000), CostBasis: d(20)})
	b.PutAccount(bob)

	b.AddTransaction(tx("t1", "alice", 20, 0.005, now.Add(-48*time.Hour)))
	b.AddTransaction(tx("t2", "alice", 10, 0.01, now.Add(-2*time.Hour)))
	b.AddTransaction(tx("t3", "bob", 5, 0.012, now.Add(-1*time.Hour)))

	b.PutFollow(model.Follow{FollowerID: "bob", LeaderID: "alice", QuoteAmountPerTrade: d(1), FollowedAt: now})
	b.PutFollow(model.Follow{FollowerID: "carol", LeaderID: "alice", QuoteAmountPerTrade: d(1), FollowedAt: now})

	b.PutOrder(model.LimitOrder{ID: "o1", AccountID: "bob", Side: model.SideBuy, InstrumentID: "pepe",
		LimitPrice: d(0.005), TotalAmount: d(5), LockedAmount: d(5), Status: model.OrderOpen})
	b.PutOrder(model.LimitOrder{ID: "o2", AccountID: "bob", Side: model.SideSell, InstrumentID: "pepe",
		LimitPrice: d(0.02), TotalAmount: d(500), LockedAmount: d(500), Status: model.OrderOpen})
	b.PutOrder(model.LimitOrder{ID: "o3", AccountID: "bob", Side: model.SideBuy, InstrumentID: "pepe",
		LimitPrice: d(0.005), TotalAmount: d(50), Status: model.OrderCancelled})
	require.NoError(t, st.Commit(context.Background(), b))
}

func TestLeaderboard_RanksByPNL(t *testing.T) {
	calc, st := newCalculator(t)
	seed(t, st)

	entries, err := calc.Leaderboard(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 4)

	var order []string
	for _, e := range entries {
		order = append(order, e.AccountID)
	}
	// carol and dave tie at zero PNL and are ordered by id.
	assert.Equal(t, []string{"alice", "carol", "dave", "bob"}, order)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Rank)
	}

	alice := entries[0]
	assert.True(t, alice.TotalValue.Equal(d(150)))
	assert.True(t, alice.PNL.Equal(d(100)), "pnl is in USD, got %s", alice.PNL)
	assert.True(t, alice.PNLPercent.Equal(d(50)))
	assert.True(t, alice.Volume24h.Equal(d(20)), "only the in-window trade counts, got %s", alice.Volume24h)
	assert.Equal(t, 1, alice.Trades24h)
	assert.Equal(t, 2, alice.TotalTrades)
	assert.Equal(t, 2, alice.Followers)
}

func TestLeaderboard_CountsLockedOrderValue(t *testing.T) {
	calc, st := newCalculator(t)
	seed(t, st)

	entries, err := calc.Leaderboard(context.Background())
	require.NoError(t, err)

	bob := entries[3]
	require.Equal(t, "bob", bob.AccountID)
	// 70 cash + 1000 * 0.01 held + 5 buy lock + 500 * 0.01 sell lock.
	assert.True(t, bob.TotalValue.Equal(d(90)), "got %s", bob.TotalValue)
	assert.True(t, bob.PNL.Equal(d(-20)), "got %s", bob.PNL)
}

func TestLeaderboard_Empty(t *testing.T) {
	st := store.NewMemoryStore()
	calc := New(st, oracle.NewStatic(d(1)), d(100))
	entries, err := calc.Leaderboard(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPortfolio(t *testing.T) {
	calc, st := newCalculator(t)
	seed(t, st)

	p, err := calc.Portfolio(context.Background(), "bob")
	require.NoError(t, err)

	assert.True(t, p.Cash.Equal(d(70)))
	assert.True(t, p.HoldingsValue.Equal(d(10)))
	assert.True(t, p.LockedValue.Equal(d(10)))
	assert.True(t, p.TotalValue.Equal(d(90)))
	assert.True(t, p.TotalValueUSD.Equal(d(180)))
	assert.True(t, p.PNL.Equal(d(-10)))
	assert.True(t, p.PNLUSD.Equal(d(-20)))

	require.Len(t, p.Holdings, 1)
	h := p.Holdings[0]
	assert.Equal(t, "PEPE", h.Symbol)
	assert.True(t, h.AvgPrice.Equal(d(0.02)))
	assert.True(t, h.Price.Equal(d(0.01)))
	assert.True(t, h.UnrealizedPNL.Equal(d(-10)))
}

func TestPortfolio_UnknownAccount(t *testing.T) {
	calc, _ := newCalculator(t)
	_, err := calc.Portfolio(context.Background(), "nobody")
	assert.ErrorIs(t, err, model.ErrAccountNotFound)
}

func TestMarket_24hStats(t *testing.T) {
	calc, st := newCalculator(t)
	seed(t, st)

	m, err := calc.Market(context.Background(), "pepe")
	require.NoError(t, err)

	assert.Equal(t, "PEPE", m.Symbol)
	assert.True(t, m.Price.Equal(d(0.01)))
	assert.True(t, m.PriceUSD.Equal(d(0.02)))
	assert.Equal(t, 2, m.Trades24h)
	assert.True(t, m.Volume24h.Equal(d(15)))
	assert.True(t, m.Volume24hUSD.Equal(d(30)))
	// First in-window fill at 0.01, last at 0.012.
	assert.True(t, m.Change24h.Equal(d(20)), "got %s", m.Change24h)
	assert.True(t, m.MarketCap.Equal(d(10_000)), "market cap %s", m.MarketCap)
	assert.True(t, m.MarketCapUSD.Equal(d(20_000)), "market cap usd %s", m.MarketCapUSD)
}

func TestMarket_PrefersRecordedUSD(t *testing.T) {
	calc, st := newCalculator(t)
	seed(t, st)

	// Executed when the rate was 3 rather than today's 2.
	recorded := tx("t4", "carol", 4, 0.01, now.Add(-30*time.Minute))
	recorded.AmountUSD = d(12)
	recorded.PriceUSD = d(0.03)
	b := store.NewBatch()
	b.AddTransaction(recorded)
	require.NoError(t, st.Commit(context.Background(), b))

	m, err := calc.Market(context.Background(), "pepe")
	require.NoError(t, err)
	assert.True(t, m.Volume24h.Equal(d(19)), "volume %s", m.Volume24h)
	assert.True(t, m.Volume24hUSD.Equal(d(42)), "volume usd %s", m.Volume24hUSD)

	entries, err := calc.Leaderboard(context.Background())
	require.NoError(t, err)
	for _, e := range entries {
		if e.AccountID == "carol" {
			assert.True(t, e.Volume24h.Equal(d(12)), "carol volume %s", e.Volume24h)
		}
	}
}

func TestMarket_NoTrades(t *testing.T) {
	calc, _ := newCalculator(t)
	m, err := calc.Market(context.Background(), "pepe")
	require.NoError(t, err)
	assert.Zero(t, m.Trades24h)
	assert.True(t, m.Change24h.IsZero())
	assert.True(t, m.Volume24h.IsZero())
	assert.True(t, m.Volume24hUSD.IsZero())
}

func TestMarket_UnknownInstrument(t *testing.T) {
	calc, _ := newCalculator(t)
	_, err := calc.Market(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrInstrumentNotFound)
}
