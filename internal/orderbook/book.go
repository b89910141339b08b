// Package orderbook manages limit orders against the AMM pools. Funds are
// locked when an order is created and released on cancellation or failure;
// triggered orders fill through the trade executor at the pool price.
package orderbook

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jackhts4/gmgn-clone/internal/ledger"
	"github.com/jackhts4/gmgn-clone/internal/model"
	"github.com/jackhts4/gmgn-clone/internal/store"
)

// Executor runs a single trade.
type Executor interface {
	Execute(ctx context.Context, req ledger.Request) (*ledger.Result, error)
}

// Store is the subset of store.Store the book needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetPool(ctx context.Context, instrumentID string) (*model.Pool, error)
	GetOrder(ctx context.Context, id string) (*model.LimitOrder, error)
	ListOrders(ctx context.Context, f store.OrderFilter) ([]model.LimitOrder, error)
	Commit(ctx context.Context, b *store.Batch) error
}

// SellFillStage builds extra writes for a filled sell order, committed with
// the fill. A nil stage means nothing to add.
type SellFillStage func(ctx context.Context, accountID, instrumentID string, amount decimal.Decimal) (ledger.StageFunc, error)

// CreateRequest is a new limit order. Amount is quote for a buy and base
// for a sell.
type CreateRequest struct {
	AccountID    string          `json:"account_id"`
	Side         model.Side      `json:"side"`
	InstrumentID string          `json:"instrument_id"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	Amount       decimal.Decimal `json:"amount"`
}

// Level is one aggregated price level of the book.
type Level struct {
	Price       decimal.Decimal `json:"price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	OrderCount  int             `json:"order_count"`
}

// Depth is the open-order book of one instrument. Bids are sorted by
// price descending, asks ascending.
type Depth struct {
	InstrumentID string  `json:"instrument_id"`
	Bids         []Level `json:"bids"`
	Asks         []Level `json:"asks"`
}

// Fill is one order filled by a trigger check.
type Fill struct {
	Order       model.LimitOrder  `json:"order"`
	Transaction model.Transaction `json:"transaction"`
	Pool        model.Pool        `json:"pool"`
}

// TriggerReport summarises one trigger check.
type TriggerReport struct {
	Checked int                `json:"checked"`
	Filled  []Fill             `json:"filled"`
	Failed  []model.LimitOrder `json:"failed"`
}

// Book is the limit order book.
type Book struct {
	store     Store
	exec      Executor
	now       func() time.Time
	newID     func() string
	sellStage SellFillStage
}

// Option configures a Book.
type Option func(*Book)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// WithIDGenerator overrides order id generation.
func WithIDGenerator(newID func() string) Option {
	return func(b *Book) { b.newID = newID }
}

// WithSellFillStage registers extra writes for filled sell orders.
func WithSellFillStage(stage SellFillStage) Option {
	return func(b *Book) { b.sellStage = stage }
}

// New creates an order book.
func New(st Store, exec Executor, opts ...Option) *Book {
	b := &Book{
		store: st,
		exec:  exec,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateOrder validates the order and locks its funds: quote cash for a
// buy, base tokens (with their cost basis) for a sell.
func (b *Book) CreateOrder(ctx context.Context, req CreateRequest) (*model.LimitOrder, error) {
	if !req.Side.Valid() {
		return nil, fmt.Errorf("%w: unknown side %q", model.ErrInvalidAmount, req.Side)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", model.ErrInvalidAmount, req.Amount)
	}
	if !req.LimitPrice.IsPositive() {
		return nil, fmt.Errorf("%w: limit price must be positive, got %s", model.ErrInvalidAmount, req.LimitPrice)
	}
	if _, err := b.store.GetPool(ctx, req.InstrumentID); err != nil {
		return nil, err
	}
	acc, err := b.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	now := b.now()
	order := model.LimitOrder{
		ID:           b.newID(),
		AccountID:    req.AccountID,
		Side:         req.Side,
		InstrumentID: req.InstrumentID,
		LimitPrice:   req.LimitPrice,
		TotalAmount:  req.Amount,
		FilledAmount: decimal.Zero,
		LockedAmount: req.Amount,
		Status:       model.OrderOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	next := acc.Clone()
	switch req.Side {
	case model.SideBuy:
		if acc.CashBalance.LessThan(req.Amount) {
			return nil, fmt.Errorf("%w: need %s, have %s", model.ErrInsufficientFunds, req.Amount, acc.CashBalance)
		}
		next.CashBalance = next.CashBalance.Sub(req.Amount)
	case model.SideSell:
		h := acc.Holding(req.InstrumentID)
		if h.Amount.LessThan(req.Amount) {
			return nil, fmt.Errorf("%w: need %s, have %s", model.ErrInsufficientHoldings, req.Amount, h.Amount)
		}
		remaining, released := ledger.ReduceHolding(h, req.Amount)
		next.SetHolding(req.InstrumentID, remaining)
		order.LockedCostBasis = released
	}

	batch := store.NewBatch()
	batch.PutAccount(next)
	batch.PutOrder(order)
	if err := b.store.Commit(ctx, batch); err != nil {
		return nil, err
	}

	slog.Info("limit order created",
		"order_id", order.ID,
		"account", order.AccountID,
		"instrument", order.InstrumentID,
		"side", order.Side,
		"limit_price", order.LimitPrice.String(),
		"amount", order.TotalAmount.String(),
	)
	return &order, nil
}

// CancelOrder returns the order's unfilled funds to its owner.
func (b *Book) CancelOrder(ctx context.Context, orderID, accountID string) (*model.LimitOrder, error) {
	order, err := b.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.AccountID != accountID {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrNotOrderOwner)
	}
	if order.Status != model.OrderOpen {
		return nil, fmt.Errorf("order %s is %s: %w", orderID, order.Status, model.ErrOrderNotOpen)
	}

	closed, err := b.release(ctx, *order, model.OrderCancelled, "")
	if err != nil {
		return nil, err
	}

	slog.Info("limit order cancelled", "order_id", orderID, "account", accountID)
	return closed, nil
}

// release refunds the remaining lock and moves the order to status, in one
// commit.
func (b *Book) release(ctx context.Context, order model.LimitOrder, status model.OrderStatus, reason string) (*model.LimitOrder, error) {
	acc, err := b.store.GetAccount(ctx, order.AccountID)
	if err != nil {
		return nil, err
	}

	refund := order.Remaining()
	next := acc.Clone()
	switch order.Side {
	case model.SideBuy:
		next.CashBalance = next.CashBalance.Add(refund)
	case model.SideSell:
		h := next.Holding(order.InstrumentID)
		h.Amount = h.Amount.Add(refund)
		h.CostBasis = h.CostBasis.Add(order.LockedCostBasis)
		next.SetHolding(order.InstrumentID, h)
	}

	order.Status = status
	order.FailReason = reason
	order.LockedAmount = decimal.Zero
	order.LockedCostBasis = decimal.Zero
	order.UpdatedAt = b.now()

	batch := store.NewBatch()
	batch.PutAccount(next)
	batch.PutOrder(order)
	if err := b.store.Commit(ctx, batch); err != nil {
		return nil, err
	}
	return &order, nil
}

// CheckTriggers scans open orders oldest first, reading the pool price at
// the moment each order is evaluated, and fills every order whose limit is
// reached. A failed fill marks that order failed and refunds its lock;
// the scan continues.
func (b *Book) CheckTriggers(ctx context.Context) (*TriggerReport, error) {
	open, err := b.store.ListOrders(ctx, store.OrderFilter{Status: model.OrderOpen})
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}

	report := &TriggerReport{Checked: len(open)}
	for _, order := range open {
		pool, err := b.store.GetPool(ctx, order.InstrumentID)
		if err != nil {
			b.fail(ctx, report, order, err)
			continue
		}
		if !triggered(order, pool.Price()) {
			continue
		}

		fill, err := b.fill(ctx, order)
		if err != nil {
			b.fail(ctx, report, order, err)
			continue
		}
		report.Filled = append(report.Filled, *fill)
	}
	return report, nil
}

func triggered(o model.LimitOrder, price decimal.Decimal) bool {
	switch o.Side {
	case model.SideBuy:
		return price.LessThanOrEqual(o.LimitPrice)
	case model.SideSell:
		return price.GreaterThanOrEqual(o.LimitPrice)
	}
	return false
}

func (b *Book) fill(ctx context.Context, order model.LimitOrder) (*Fill, error) {
	amount := order.Remaining()

	var extra ledger.StageFunc
	if order.Side == model.SideSell && b.sellStage != nil {
		stage, err := b.sellStage(ctx, order.AccountID, order.InstrumentID, amount)
		if err != nil {
			return nil, err
		}
		extra = stage
	}

	var filled model.LimitOrder
	markFilled := func(batch *store.Batch, res *ledger.Result) error {
		filled = order
		filled.FilledAmount = filled.TotalAmount
		filled.LockedAmount = decimal.Zero
		filled.LockedCostBasis = decimal.Zero
		filled.Status = model.OrderFilled
		filled.ExecutionPrice = res.Transaction.ExecutionPrice
		filled.UpdatedAt = res.Transaction.Timestamp
		batch.PutOrder(filled)
		return nil
	}

	res, err := b.exec.Execute(ctx, ledger.Request{
		AccountID:    order.AccountID,
		Side:         order.Side,
		InstrumentID: order.InstrumentID,
		Amount:       amount,
		Tag:          model.TagLimitOrder,
		OrderID:      order.ID,
		Prelocked:    true,
		Stage:        ledger.Chain(markFilled, extra),
	})
	if err != nil {
		return nil, err
	}

	slog.Info("limit order filled",
		"order_id", order.ID,
		"account", order.AccountID,
		"instrument", order.InstrumentID,
		"side", order.Side,
		"limit_price", order.LimitPrice.String(),
		"execution_price", res.Transaction.ExecutionPrice.String(),
	)
	return &Fill{Order: filled, Transaction: res.Transaction, Pool: res.Pool}, nil
}

func (b *Book) fail(ctx context.Context, report *TriggerReport, order model.LimitOrder, cause error) {
	failed, err := b.release(ctx, order, model.OrderFailed, cause.Error())
	if err != nil {
		// The order stays open with its lock intact; the next check retries.
		slog.Error("failed to release limit order", "order_id", order.ID, "cause", cause, "error", err)
		return
	}
	slog.Warn("limit order failed", "order_id", order.ID, "account", order.AccountID, "reason", cause)
	report.Failed = append(report.Failed, *failed)
}

// OrderBook aggregates an instrument's open orders by exact price.
func (b *Book) OrderBook(ctx context.Context, instrumentID string) (*Depth, error) {
	open, err := b.store.ListOrders(ctx, store.OrderFilter{InstrumentID: instrumentID, Status: model.OrderOpen})
	if err != nil {
		return nil, err
	}

	bids := make(map[string]*Level)
	asks := make(map[string]*Level)
	for _, o := range open {
		levels := bids
		if o.Side == model.SideSell {
			levels = asks
		}
		key := o.LimitPrice.String()
		lvl, ok := levels[key]
		if !ok {
			lvl = &Level{Price: o.LimitPrice, TotalAmount: decimal.Zero}
			levels[key] = lvl
		}
		lvl.TotalAmount = lvl.TotalAmount.Add(o.Remaining())
		lvl.OrderCount++
	}

	depth := &Depth{
		InstrumentID: instrumentID,
		Bids:         flatten(bids),
		Asks:         flatten(asks),
	}
	sort.Slice(depth.Bids, func(i, j int) bool { return depth.Bids[i].Price.GreaterThan(depth.Bids[j].Price) })
	sort.Slice(depth.Asks, func(i, j int) bool { return depth.Asks[i].Price.LessThan(depth.Asks[j].Price) })
	return depth, nil
}

func flatten(levels map[string]*Level) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		out = append(out, *l)
	}
	return out
}

// Orders lists orders matching f, oldest first.
func (b *Book) Orders(ctx context.Context, f store.OrderFilter) ([]model.LimitOrder, error) {
	return b.store.ListOrders(ctx, f)
}
