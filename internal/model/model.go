// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade or limit order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Tag records what caused a transaction. Tags are mutually exclusive.
type Tag string

const (
	TagOrganic    Tag = "organic"
	TagCopy       Tag = "copy"
	TagLimitOrder Tag = "limit_order"
)

// Instrument is read-only registry metadata for a tradable token.
type Instrument struct {
	ID          string          `json:"id" db:"id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Name        string          `json:"name" db:"name"`
	TotalSupply decimal.Decimal `json:"total_supply" db:"total_supply"` // for market cap
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Pool is the constant-product reserve pair for one instrument.
// Quote is the settlement currency, base is the instrument's token.
type Pool struct {
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	QuoteReserve decimal.Decimal `json:"quote_reserve" db:"quote_reserve"`
	BaseReserve  decimal.Decimal `json:"base_reserve" db:"base_reserve"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Price is the pool-implied spot price in quote per base.
func (p Pool) Price() decimal.Decimal {
	if p.BaseReserve.IsZero() {
		return decimal.Zero
	}
	return p.QuoteReserve.Div(p.BaseReserve)
}

// Holding is an account's position in one instrument. CostBasis is the
// cumulative quote spent on the tokens still held.
type Holding struct {
	Amount    decimal.Decimal `json:"amount"`
	CostBasis decimal.Decimal `json:"cost_basis"`
}

// AvgPrice is the weighted-average entry price, derived from CostBasis.
func (h Holding) AvgPrice() decimal.Decimal {
	if !h.Amount.IsPositive() {
		return decimal.Zero
	}
	return h.CostBasis.Div(h.Amount)
}

// Account is a ledger account: cash plus per-instrument holdings.
type Account struct {
	ID          string             `json:"id" db:"id"`
	Name        string             `json:"name" db:"name"`
	CashBalance decimal.Decimal    `json:"cash_balance" db:"cash_balance"`
	Holdings    map[string]Holding `json:"holdings"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
}

// Holding returns the account's holding in an instrument (zero if none).
func (a *Account) Holding(instrumentID string) Holding {
	if a.Holdings == nil {
		return Holding{}
	}
	return a.Holdings[instrumentID]
}

// SetHolding stores h, removing the entry once the amount reaches zero.
func (a *Account) SetHolding(instrumentID string, h Holding) {
	if a.Holdings == nil {
		a.Holdings = make(map[string]Holding)
	}
	if !h.Amount.IsPositive() {
		delete(a.Holdings, instrumentID)
		return
	}
	a.Holdings[instrumentID] = h
}

// Clone returns a deep copy so staged mutations never alias stored state.
func (a Account) Clone() Account {
	c := a
	c.Holdings = make(map[string]Holding, len(a.Holdings))
	for k, v := range a.Holdings {
		c.Holdings[k] = v
	}
	return c
}

// Transaction is an immutable record of one executed trade.
// Once appended to the log, it is never modified or deleted. USD values use
// the rate in force when the trade executed.
type Transaction struct {
	ID             string          `json:"id" db:"id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	Side           Side            `json:"side" db:"side"`
	InstrumentID   string          `json:"instrument_id" db:"instrument_id"`
	BaseAmount     decimal.Decimal `json:"base_amount" db:"base_amount"`
	QuoteAmount    decimal.Decimal `json:"quote_amount" db:"quote_amount"`
	ExecutionPrice decimal.Decimal `json:"execution_price" db:"execution_price"` // quote per base
	PriceImpact    decimal.Decimal `json:"price_impact" db:"price_impact"`       // percent, signed
	AmountUSD      decimal.Decimal `json:"amount_usd" db:"amount_usd"`           // zero when no rate was available
	PriceUSD       decimal.Decimal `json:"price_usd" db:"price_usd"`
	Tag            Tag             `json:"tag" db:"tag"`
	CopiedFrom     string          `json:"copied_from,omitempty" db:"copied_from"`
	OrderID        string          `json:"order_id,omitempty" db:"order_id"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}

// Follow is one edge of the follow relation, keyed by (FollowerID, LeaderID).
type Follow struct {
	FollowerID          string          `json:"follower_id" db:"follower_id"`
	LeaderID            string          `json:"leader_id" db:"leader_id"`
	QuoteAmountPerTrade decimal.Decimal `json:"quote_amount_per_trade" db:"quote_amount_per_trade"`
	FollowedAt          time.Time       `json:"followed_at" db:"followed_at"`
}

// PositionStatus is the lifecycle state of a copy position.
type PositionStatus string

const (
	PositionActive PositionStatus = "active"
	PositionClosed PositionStatus = "closed"
)

// CopyPosition is a follower's lot acquired by replicating a leader's buy.
// Positions are closed, never deleted.
type CopyPosition struct {
	ID                  string          `json:"id" db:"id"`
	FollowerID          string          `json:"follower_id" db:"follower_id"`
	LeaderID            string          `json:"leader_id" db:"leader_id"`
	InstrumentID        string          `json:"instrument_id" db:"instrument_id"`
	OriginalBaseAmount  decimal.Decimal `json:"original_base_amount" db:"original_base_amount"`
	RemainingBaseAmount decimal.Decimal `json:"remaining_base_amount" db:"remaining_base_amount"`
	QuoteSpent          decimal.Decimal `json:"quote_spent" db:"quote_spent"`
	EntryPrice          decimal.Decimal `json:"entry_price" db:"entry_price"`
	Status              PositionStatus  `json:"status" db:"status"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}

// OrderStatus is the lifecycle state of a limit order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

// LimitOrder is a conditional order whose funds are locked at creation.
// For buys the amounts are quote currency, for sells base tokens.
type LimitOrder struct {
	ID              string          `json:"id" db:"id"`
	AccountID       string          `json:"account_id" db:"account_id"`
	Side            Side            `json:"side" db:"side"`
	InstrumentID    string          `json:"instrument_id" db:"instrument_id"`
	LimitPrice      decimal.Decimal `json:"limit_price" db:"limit_price"`
	TotalAmount     decimal.Decimal `json:"total_amount" db:"total_amount"`
	FilledAmount    decimal.Decimal `json:"filled_amount" db:"filled_amount"`
	LockedAmount    decimal.Decimal `json:"locked_amount" db:"locked_amount"`
	LockedCostBasis decimal.Decimal `json:"locked_cost_basis" db:"locked_cost_basis"`
	Status          OrderStatus     `json:"status" db:"status"`
	FailReason      string          `json:"fail_reason,omitempty" db:"fail_reason"`
	ExecutionPrice  decimal.Decimal `json:"execution_price" db:"execution_price"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Remaining is the unfilled part of the order.
func (o LimitOrder) Remaining() decimal.Decimal {
	return o.TotalAmount.Sub(o.FilledAmount)
}
