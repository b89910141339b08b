// Package stats computes read-only views over the ledger: the trader
// leaderboard, per-account portfolios and per-instrument market stats.
// Nothing here mutates state.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jackhts4/gmgn-clone/internal/model"
	"github.com/jackhts4/gmgn-clone/internal/store"
)

// Window is the rolling period for volume, trade count and price change.
const Window = 24 * time.Hour

var hundred = decimal.NewFromInt(100)

// Store is the subset of store.Store the calculator reads.
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	GetPool(ctx context.Context, instrumentID string) (*model.Pool, error)
	ListPools(ctx context.Context) ([]model.Pool, error)
	QueryTransactions(ctx context.Context, f store.TransactionFilter) ([]model.Transaction, error)
	ListFollows(ctx context.Context, f store.FollowFilter) ([]model.Follow, error)
	ListOrders(ctx context.Context, f store.OrderFilter) ([]model.LimitOrder, error)
}

// Oracle converts quote currency to USD.
type Oracle interface {
	QuoteToUSD(ctx context.Context) (decimal.Decimal, error)
}

// Entry is one row of the leaderboard. PNL and volume are in USD.
type Entry struct {
	Rank        int             `json:"rank"`
	AccountID   string          `json:"account_id"`
	Name        string          `json:"name"`
	TotalValue  decimal.Decimal `json:"total_value"` // quote
	PNL         decimal.Decimal `json:"pnl"`
	PNLPercent  decimal.Decimal `json:"pnl_percent"`
	Volume24h   decimal.Decimal `json:"volume_24h"`
	Trades24h   int             `json:"trades_24h"`
	TotalTrades int             `json:"total_trades"`
	Followers   int             `json:"followers"`
}

// HoldingView is one marked-to-market holding.
type HoldingView struct {
	InstrumentID  string          `json:"instrument_id"`
	Symbol        string          `json:"symbol"`
	Amount        decimal.Decimal `json:"amount"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Price         decimal.Decimal `json:"price"`
	Value         decimal.Decimal `json:"value"`
	UnrealizedPNL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio summarises one account. Values are in quote unless suffixed USD.
type Portfolio struct {
	AccountID     string          `json:"account_id"`
	Cash          decimal.Decimal `json:"cash"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	LockedValue   decimal.Decimal `json:"locked_value"`
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalValueUSD decimal.Decimal `json:"total_value_usd"`
	PNL           decimal.Decimal `json:"pnl"`
	PNLUSD        decimal.Decimal `json:"pnl_usd"`
	Holdings      []HoldingView   `json:"holdings"`
}

// Market is the current state and 24h activity of one instrument.
type Market struct {
	InstrumentID string          `json:"instrument_id"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	QuoteReserve decimal.Decimal `json:"quote_reserve"`
	BaseReserve  decimal.Decimal `json:"base_reserve"`
	Volume24h    decimal.Decimal `json:"volume_24h"` // quote
	Volume24hUSD decimal.Decimal `json:"volume_24h_usd"`
	TotalSupply  decimal.Decimal `json:"total_supply"`
	MarketCap    decimal.Decimal `json:"market_cap"` // quote, price * total supply
	MarketCapUSD decimal.Decimal `json:"market_cap_usd"`
	Trades24h    int             `json:"trades_24h"`
	Change24h    decimal.Decimal `json:"change_24h"` // percent
}

// Calculator computes the views.
type Calculator struct {
	store        Store
	oracle       Oracle
	startingCash decimal.Decimal
	now          func() time.Time
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithClock overrides the time the 24h window ends at.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// New creates a calculator. startingCash is the balance every account
// opened with; PNL is measured against it.
func New(st Store, oracle Oracle, startingCash decimal.Decimal, opts ...Option) *Calculator {
	c := &Calculator{
		store:        st,
		oracle:       oracle,
		startingCash: startingCash,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Leaderboard ranks every account by USD PNL, highest first. Ties are
// broken by account id.
func (c *Calculator) Leaderboard(ctx context.Context) ([]Entry, error) {
	usd, err := c.oracle.QuoteToUSD(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err := c.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	prices, err := c.prices(ctx)
	if err != nil {
		return nil, err
	}
	locked, err := c.lockedValues(ctx, prices)
	if err != nil {
		return nil, err
	}
	txs, err := c.store.QueryTransactions(ctx, store.TransactionFilter{})
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	follows, err := c.store.ListFollows(ctx, store.FollowFilter{})
	if err != nil {
		return nil, fmt.Errorf("list follows: %w", err)
	}

	since := c.now().Add(-Window)
	type activity struct {
		volume decimal.Decimal
		recent int
		total  int
	}
	act := make(map[string]*activity)
	for _, tx := range txs {
		a, ok := act[tx.AccountID]
		if !ok {
			a = &activity{}
			act[tx.AccountID] = a
		}
		a.total++
		if !tx.Timestamp.Before(since) {
			a.recent++
			a.volume = a.volume.Add(volumeUSD(tx, usd))
		}
	}
	followers := make(map[string]int)
	for _, f := range follows {
		followers[f.LeaderID]++
	}

	startUSD := c.startingCash.Mul(usd)
	entries := make([]Entry, 0, len(accounts))
	for _, acc := range accounts {
		value := acc.CashBalance.Add(locked[acc.ID]).Add(holdingsValue(acc, prices))
		valueUSD := value.Mul(usd)

		e := Entry{
			AccountID:  acc.ID,
			Name:       acc.Name,
			TotalValue: value,
			PNL:        valueUSD.Sub(startUSD),
			PNLPercent: percent(value.Sub(c.startingCash), c.startingCash),
			Volume24h:  decimal.Zero,
			Followers:  followers[acc.ID],
		}
		if a, ok := act[acc.ID]; ok {
			e.Volume24h = a.volume
			e.Trades24h = a.recent
			e.TotalTrades = a.total
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].PNL.Equal(entries[j].PNL) {
			return entries[i].PNL.GreaterThan(entries[j].PNL)
		}
		return entries[i].AccountID < entries[j].AccountID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// Portfolio marks one account to market.
func (c *Calculator) Portfolio(ctx context.Context, accountID string) (*Portfolio, error) {
	acc, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	usd, err := c.oracle.QuoteToUSD(ctx)
	if err != nil {
		return nil, err
	}
	prices, err := c.prices(ctx)
	if err != nil {
		return nil, err
	}
	locked, err := c.lockedValues(ctx, prices)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{
		AccountID:     acc.ID,
		Cash:          acc.CashBalance,
		HoldingsValue: decimal.Zero,
		LockedValue:   locked[acc.ID],
		Holdings:      make([]HoldingView, 0, len(acc.Holdings)),
	}
	for id, h := range acc.Holdings {
		price := prices[id]
		value := h.Amount.Mul(price)
		view := HoldingView{
			InstrumentID:  id,
			Amount:        h.Amount,
			CostBasis:     h.CostBasis,
			AvgPrice:      h.AvgPrice(),
			Price:         price,
			Value:         value,
			UnrealizedPNL: value.Sub(h.CostBasis),
		}
		if inst, err := c.store.GetInstrument(ctx, id); err == nil {
			view.Symbol = inst.Symbol
		}
		p.HoldingsValue = p.HoldingsValue.Add(value)
		p.Holdings = append(p.Holdings, view)
	}
	sort.Slice(p.Holdings, func(i, j int) bool { return p.Holdings[i].InstrumentID < p.Holdings[j].InstrumentID })

	p.TotalValue = p.Cash.Add(p.HoldingsValue).Add(p.LockedValue)
	p.TotalValueUSD = p.TotalValue.Mul(usd)
	p.PNL = p.TotalValue.Sub(c.startingCash)
	p.PNLUSD = p.PNL.Mul(usd)
	return p, nil
}

// Market reports an instrument's price and its 24h activity. The change is
// measured between the first and last execution price inside the window.
func (c *Calculator) Market(ctx context.Context, instrumentID string) (*Market, error) {
	inst, err := c.store.GetInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	pool, err := c.store.GetPool(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	usd, err := c.oracle.QuoteToUSD(ctx)
	if err != nil {
		return nil, err
	}
	txs, err := c.store.QueryTransactions(ctx, store.TransactionFilter{
		InstrumentID: instrumentID,
		Since:        c.now().Add(-Window),
	})
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}

	m := &Market{
		InstrumentID: inst.ID,
		Symbol:       inst.Symbol,
		Price:        pool.Price(),
		QuoteReserve: pool.QuoteReserve,
		BaseReserve:  pool.BaseReserve,
		Volume24h:    decimal.Zero,
		Volume24hUSD: decimal.Zero,
		TotalSupply:  inst.TotalSupply,
		Trades24h:    len(txs),
		Change24h:    decimal.Zero,
	}
	m.PriceUSD = m.Price.Mul(usd)
	m.MarketCap = m.Price.Mul(inst.TotalSupply)
	m.MarketCapUSD = m.MarketCap.Mul(usd)
	for _, tx := range txs {
		m.Volume24h = m.Volume24h.Add(tx.QuoteAmount)
		m.Volume24hUSD = m.Volume24hUSD.Add(volumeUSD(tx, usd))
	}
	if len(txs) > 0 {
		first := txs[0].ExecutionPrice
		last := txs[len(txs)-1].ExecutionPrice
		m.Change24h = percent(last.Sub(first), first)
	}
	return m, nil
}

// prices returns the spot price of every pool.
func (c *Calculator) prices(ctx context.Context) (map[string]decimal.Decimal, error) {
	pools, err := c.store.ListPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(pools))
	for _, p := range pools {
		out[p.InstrumentID] = p.Price()
	}
	return out, nil
}

// lockedValues returns, per account, the quote value locked in open
// orders: buy locks at face value, sell locks at the pool price.
func (c *Calculator) lockedValues(ctx context.Context, prices map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	open, err := c.store.ListOrders(ctx, store.OrderFilter{Status: model.OrderOpen})
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	out := make(map[string]decimal.Decimal)
	for _, o := range open {
		v := o.LockedAmount
		if o.Side == model.SideSell {
			v = v.Mul(prices[o.InstrumentID])
		}
		out[o.AccountID] = out[o.AccountID].Add(v)
	}
	return out, nil
}

// volumeUSD prefers the USD value recorded at execution and converts at
// the current rate for trades recorded without one.
func volumeUSD(tx model.Transaction, usd decimal.Decimal) decimal.Decimal {
	if tx.AmountUSD.IsPositive() {
		return tx.AmountUSD
	}
	return tx.QuoteAmount.Mul(usd)
}

func holdingsValue(acc model.Account, prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for id, h := range acc.Holdings {
		total = total.Add(h.Amount.Mul(prices[id]))
	}
	return total
}

// percent returns part / whole * 100, or zero for a zero whole.
func percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(4)
}
