// Package trade orchestrates the ledger engines behind the HTTP API: it
// lists instruments, opens accounts, executes organic trades with their
// copy-trade fan-out and limit order triggers, and serves read views.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jackhts4/gmgn-clone/internal/amm"
	"github.com/jackhts4/gmgn-clone/internal/copytrade"
	"github.com/jackhts4/gmgn-clone/internal/instrument"
	"github.com/jackhts4/gmgn-clone/internal/ledger"
	"github.com/jackhts4/gmgn-clone/internal/metrics"
	"github.com/jackhts4/gmgn-clone/internal/model"
	"github.com/jackhts4/gmgn-clone/internal/oracle"
	"github.com/jackhts4/gmgn-clone/internal/orderbook"
	"github.com/jackhts4/gmgn-clone/internal/stats"
	"github.com/jackhts4/gmgn-clone/internal/store"
)

// Service owns the engines. A mutex serialises every mutating entry point
// (single-instance). For horizontal scaling, replace with distributed
// locking or database-level optimistic concurrency.
type Service struct {
	store        store.Store
	amm          *amm.Engine
	exec         *ledger.Executor
	copier       *copytrade.Engine
	book         *orderbook.Book
	stats        *stats.Calculator
	rates        oracle.Oracle
	startingCash decimal.Decimal
	now          func() time.Time
	newID        func() string
	mu           sync.Mutex
	wsHub        *WSHub // optional WebSocket hub for real-time broadcasts
}

// Option configures a Service.
type Option func(*Service)

// WithStartingCash sets the quote balance new accounts open with.
func WithStartingCash(cash decimal.Decimal) Option {
	return func(s *Service) { s.startingCash = cash }
}

// WithClock overrides the timestamp source of every engine.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides id generation in every engine.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService wires the engines over st. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, engine *amm.Engine, orc oracle.Oracle, hub *WSHub, opts ...Option) *Service {
	s := &Service{
		store:        st,
		amm:          engine,
		startingCash: decimal.NewFromInt(100),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        func() string { return uuid.New().String() },
		rates:        orc,
		wsHub:        hub,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.exec = ledger.New(st, engine,
		ledger.WithClock(s.now),
		ledger.WithIDGenerator(s.newID),
		ledger.WithRates(orc),
	)
	s.copier = copytrade.NewEngine(st, s.exec, copytrade.WithClock(s.now), copytrade.WithIDGenerator(s.newID))
	s.book = orderbook.New(st, s.exec,
		orderbook.WithClock(s.now),
		orderbook.WithIDGenerator(s.newID),
		orderbook.WithSellFillStage(s.copier.DeductOwnPositions),
	)
	s.stats = stats.New(st, orc, s.startingCash, stats.WithClock(s.now))
	return s
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trade. Amount is quote currency
// for a buy and base tokens for a sell.
type TradeRequest struct {
	AccountID    string          `json:"account_id"`
	Side         model.Side      `json:"side"`
	InstrumentID string          `json:"instrument_id"`
	Amount       decimal.Decimal `json:"amount"`
}

// TradeResult is the committed trade plus everything it set off.
type TradeResult struct {
	Transaction model.Transaction        `json:"transaction"`
	Quote       amm.Quote                `json:"quote"`
	Account     model.Account            `json:"account"`
	Pool        model.Pool               `json:"pool"`
	Replication *copytrade.Report        `json:"replication,omitempty"`
	Triggers    *orderbook.TriggerReport `json:"triggers,omitempty"`
}

// AccountRequest is the JSON body for POST /accounts.
type AccountRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FollowRequest is the JSON body for POST /follows.
type FollowRequest struct {
	FollowerID          string          `json:"follower_id"`
	LeaderID            string          `json:"leader_id"`
	QuoteAmountPerTrade decimal.Decimal `json:"quote_amount_per_trade"`
}

// --- Registry and accounts ---

// ListInstrument registers an instrument with its opening pool.
func (s *Service) ListInstrument(ctx context.Context, l instrument.Listing) (*model.Instrument, *model.Pool, error) {
	inst, pool, err := instrument.Parse(l, s.now())
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.CreateInstrument(ctx, inst, pool); err != nil {
		return nil, nil, err
	}
	metrics.ActivePools.Inc()

	slog.Info("instrument listed",
		"id", inst.ID,
		"symbol", inst.Symbol,
		"quote_reserve", pool.QuoteReserve.String(),
		"base_reserve", pool.BaseReserve.String(),
		"price", pool.Price().String(),
	)
	return inst, pool, nil
}

// OpenAccount creates an account funded with the starting cash. An empty
// id is generated.
func (s *Service) OpenAccount(ctx context.Context, req AccountRequest) (*model.Account, error) {
	id := req.ID
	if id == "" {
		id = s.newID()
	}
	name := req.Name
	if name == "" {
		name = id
	}
	acc := &model.Account{
		ID:          id,
		Name:        name,
		CashBalance: s.startingCash,
		Holdings:    map[string]model.Holding{},
		CreatedAt:   s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.CreateAccount(ctx, acc); err != nil {
		return nil, err
	}
	slog.Info("account opened", "id", acc.ID, "cash", acc.CashBalance.String())
	return acc, nil
}

// --- Trading ---

// Quote prices a trade without executing it.
func (s *Service) Quote(ctx context.Context, instrumentID string, side model.Side, amount decimal.Decimal) (amm.Quote, error) {
	return s.amm.QuoteInstrument(ctx, s.store, instrumentID, side, amount)
}

// ExecuteTrade runs an organic trade. A sell first deducts the account's
// own copy positions in the same commit. After the commit the trade is
// replicated to followers and open limit orders are checked against the
// moved price. Neither step can unwind the committed trade.
func (s *Service) ExecuteTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", model.ErrInvalidAmount)
	}
	if !req.Side.Valid() {
		return nil, fmt.Errorf("%w: side must be buy or sell", model.ErrInvalidAmount)
	}

	// Serialize trade execution.
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	var stage ledger.StageFunc
	if req.Side == model.SideSell {
		var err error
		stage, err = s.copier.DeductOwnPositions(ctx, req.AccountID, req.InstrumentID, req.Amount)
		if err != nil {
			return nil, err
		}
	}

	res, err := s.exec.Execute(ctx, ledger.Request{
		AccountID:    req.AccountID,
		Side:         req.Side,
		InstrumentID: req.InstrumentID,
		Amount:       req.Amount,
		Tag:          model.TagOrganic,
		Stage:        stage,
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	s.recordTrade(res.Transaction)

	slog.Info("trade executed",
		"tx_id", res.Transaction.ID,
		"account", req.AccountID,
		"instrument", req.InstrumentID,
		"side", req.Side,
		"base", res.Transaction.BaseAmount.String(),
		"quote", res.Transaction.QuoteAmount.String(),
		"execution_price", res.Transaction.ExecutionPrice.String(),
		"price_impact", res.Transaction.PriceImpact.String(),
		"new_price", res.Pool.Price().String(),
	)
	s.broadcast(WSMessage{
		Type:         MsgTradeExecuted,
		InstrumentID: req.InstrumentID,
		AccountID:    req.AccountID,
		Side:         string(req.Side),
		BaseAmount:   res.Transaction.BaseAmount.String(),
		QuoteAmount:  res.Transaction.QuoteAmount.String(),
		Price:        res.Pool.Price().String(),
		TxID:         res.Transaction.ID,
	})

	out := &TradeResult{
		Transaction: res.Transaction,
		Quote:       res.Quote,
		Account:     res.Account,
		Pool:        res.Pool,
	}

	var report *copytrade.Report
	switch req.Side {
	case model.SideBuy:
		report, err = s.copier.OnLeaderBuy(ctx, res.Transaction)
	case model.SideSell:
		report, err = s.copier.OnLeaderSell(ctx, res.Transaction, res.PreTradeHolding)
	}
	if err != nil {
		slog.Error("copy-trade replication failed", "tx_id", res.Transaction.ID, "error", err)
	} else {
		out.Replication = report
		s.recordReplication(report)
	}

	out.Triggers = s.checkTriggers(ctx)

	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	return out, nil
}

// --- Copy trading ---

// Follow starts or updates a follow edge.
func (s *Service) Follow(ctx context.Context, req FollowRequest) (*model.Follow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copier.Follow(ctx, req.FollowerID, req.LeaderID, req.QuoteAmountPerTrade)
}

// Unfollow removes a follow edge. Existing copy positions stay active.
func (s *Service) Unfollow(ctx context.Context, followerID, leaderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copier.Unfollow(ctx, followerID, leaderID)
}

// Followers lists the accounts following leaderID.
func (s *Service) Followers(ctx context.Context, leaderID string) ([]model.Follow, error) {
	if _, err := s.store.GetAccount(ctx, leaderID); err != nil {
		return nil, err
	}
	return s.copier.Followers(ctx, leaderID)
}

// Following lists the accounts followerID follows.
func (s *Service) Following(ctx context.Context, followerID string) ([]model.Follow, error) {
	if _, err := s.store.GetAccount(ctx, followerID); err != nil {
		return nil, err
	}
	return s.copier.Following(ctx, followerID)
}

// CopyPositions lists an account's copy positions, optionally by status.
func (s *Service) CopyPositions(ctx context.Context, accountID string, status model.PositionStatus) ([]model.CopyPosition, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.copier.Positions(ctx, store.CopyPositionFilter{FollowerID: accountID, Status: status})
}

// --- Limit orders ---

// CreateOrder places a limit order and locks its funds.
func (s *Service) CreateOrder(ctx context.Context, req orderbook.CreateRequest) (*model.LimitOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.book.CreateOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.OrderTransitions.WithLabelValues(string(o.Side), string(o.Status)).Inc()
	return o, nil
}

// CancelOrder cancels an open order on behalf of accountID.
func (s *Service) CancelOrder(ctx context.Context, orderID, accountID string) (*model.LimitOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.book.CancelOrder(ctx, orderID, accountID)
	if err != nil {
		return nil, err
	}
	metrics.OrderTransitions.WithLabelValues(string(o.Side), string(o.Status)).Inc()
	return o, nil
}

// CheckTriggers fills every open order whose limit the current price meets.
func (s *Service) CheckTriggers(ctx context.Context) *orderbook.TriggerReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkTriggers(ctx)
}

// checkTriggers requires s.mu. A store failure is logged and yields nil.
func (s *Service) checkTriggers(ctx context.Context) *orderbook.TriggerReport {
	report, err := s.book.CheckTriggers(ctx)
	if err != nil {
		slog.Error("limit order trigger check failed", "error", err)
		return nil
	}
	for _, f := range report.Filled {
		metrics.OrderTransitions.WithLabelValues(string(f.Order.Side), string(model.OrderFilled)).Inc()
		s.recordTrade(f.Transaction)
		s.broadcast(WSMessage{
			Type:         MsgOrderFilled,
			InstrumentID: f.Order.InstrumentID,
			AccountID:    f.Order.AccountID,
			OrderID:      f.Order.ID,
			Side:         string(f.Order.Side),
			BaseAmount:   f.Transaction.BaseAmount.String(),
			QuoteAmount:  f.Transaction.QuoteAmount.String(),
			Price:        f.Pool.Price().String(),
			TxID:         f.Transaction.ID,
		})
	}
	for _, o := range report.Failed {
		metrics.OrderTransitions.WithLabelValues(string(o.Side), string(model.OrderFailed)).Inc()
		s.broadcast(WSMessage{
			Type:         MsgOrderFailed,
			InstrumentID: o.InstrumentID,
			AccountID:    o.AccountID,
			OrderID:      o.ID,
			Side:         string(o.Side),
			Reason:       o.FailReason,
		})
	}
	return report
}

// Orders lists an account's orders, optionally by status.
func (s *Service) Orders(ctx context.Context, accountID string, status model.OrderStatus) ([]model.LimitOrder, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.book.Orders(ctx, store.OrderFilter{AccountID: accountID, Status: status})
}

// OrderBook aggregates an instrument's open orders.
func (s *Service) OrderBook(ctx context.Context, instrumentID string) (*orderbook.Depth, error) {
	if _, err := s.store.GetPool(ctx, instrumentID); err != nil {
		return nil, err
	}
	return s.book.OrderBook(ctx, instrumentID)
}

// --- Read views ---

// Leaderboard ranks accounts by PNL.
func (s *Service) Leaderboard(ctx context.Context) ([]stats.Entry, error) {
	return s.stats.Leaderboard(ctx)
}

// Portfolio marks an account to market.
func (s *Service) Portfolio(ctx context.Context, accountID string) (*stats.Portfolio, error) {
	return s.stats.Portfolio(ctx, accountID)
}

// MarketStats reports an instrument's price and 24h activity.
func (s *Service) MarketStats(ctx context.Context, instrumentID string) (*stats.Market, error) {
	return s.stats.Market(ctx, instrumentID)
}

// Rates is the current USD rate and the pool fee.
type Rates struct {
	QuoteToUSD decimal.Decimal `json:"quote_to_usd"`
	FeeBps     decimal.Decimal `json:"fee_bps"`
}

// RateRequest is the JSON body for PUT /rates.
type RateRequest struct {
	QuoteToUSD decimal.Decimal `json:"quote_to_usd"`
}

// Rates reports the conversion rate applied to new trades and the fee.
func (s *Service) Rates(ctx context.Context) (*Rates, error) {
	usd, err := s.rates.QuoteToUSD(ctx)
	if err != nil {
		return nil, err
	}
	return &Rates{QuoteToUSD: usd, FeeBps: s.amm.FeeBps()}, nil
}

// SetQuoteToUSD publishes a new USD rate. Only a Redis-backed oracle
// accepts updates.
func (s *Service) SetQuoteToUSD(ctx context.Context, rate decimal.Decimal) (*Rates, error) {
	if !rate.IsPositive() {
		return nil, fmt.Errorf("%w: quote_to_usd must be positive, got %s", model.ErrInvalidAmount, rate)
	}
	pub, ok := s.rates.(oracle.Publisher)
	if !ok {
		return nil, oracle.ErrReadOnly
	}
	if err := pub.SetQuoteToUSD(ctx, rate); err != nil {
		return nil, fmt.Errorf("publish rate: %w", err)
	}
	slog.Info("usd rate updated", "quote_to_usd", rate.String())
	return s.Rates(ctx)
}

// --- Internals ---

func (s *Service) recordTrade(tx model.Transaction) {
	metrics.TradesTotal.WithLabelValues(string(tx.Side), string(tx.Tag)).Inc()
	metrics.PoolVolume.WithLabelValues(tx.InstrumentID, string(tx.Side)).Add(tx.QuoteAmount.InexactFloat64())
}

func (s *Service) recordReplication(r *copytrade.Report) {
	for _, o := range r.Outcomes {
		result := "success"
		if !o.Success {
			result = "failed"
		}
		metrics.ReplicationOutcomes.WithLabelValues(string(r.Side), result).Inc()
		if !o.Success {
			continue
		}
		metrics.TradesTotal.WithLabelValues(string(r.Side), string(model.TagCopy)).Inc()
		metrics.PoolVolume.WithLabelValues(r.InstrumentID, string(r.Side)).Add(o.QuoteAmount.InexactFloat64())
		s.broadcast(WSMessage{
			Type:         MsgCopyTrade,
			InstrumentID: r.InstrumentID,
			AccountID:    o.FollowerID,
			LeaderID:     r.LeaderID,
			Side:         string(r.Side),
			BaseAmount:   o.BaseAmount.String(),
			QuoteAmount:  o.QuoteAmount.String(),
			TxID:         o.TransactionID,
		})
	}
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

// rejectReason is the metrics label for a refused trade.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, model.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, model.ErrAccountNotFound), errors.Is(err, model.ErrPoolNotFound):
		return "not_found"
	case errors.Is(err, model.ErrCommitFailed):
		return "commit_failed"
	default:
		return "other"
	}
}
