// Package copytrade maintains the follow relation and replicates a leader's
// organic trades onto every follower's account.
//
// Follower trades are executed one by one in follow order. A failed follower
// is recorded in the Report and never unwinds the leader trade or the
// trades of other followers.
package copytrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

// Store is the subset of store.Store the engine reads and writes.
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListFollows(ctx context.Context, f store.FollowFilter) ([]model.Follow, error)
	ListCopyPositions(ctx context.Context, f store.CopyPositionFilter) ([]model.CopyPosition, error)
	Commit(ctx context.Context, b *store.Batch) error
}

// Outcome is the result of replicating one trade for one follower.
type Outcome struct {
	FollowerID    string          `json:"follower_id"`
	Success       bool            `json:"success"`
	Reason        string          `json:"reason,omitempty"`
	Err           error           `json:"-"`
	BaseAmount    decimal.Decimal `json:"base_amount"`
	QuoteAmount   decimal.Decimal `json:"quote_amount"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

// Report aggregates the outcomes of one replication fan-out.
type Report struct {
	LeaderID     string     `json:"leader_id"`
	InstrumentID string     `json:"instrument_id"`
	Side         model.Side `json:"side"`
	Total        int        `json:"total"`
	Succeeded    int        `json:"succeeded"`
	Failed       int        `json:"failed"`
	Outcomes     []Outcome  `json:"outcomes"`
}

func (r *Report) add(o Outcome) {
	r.Total++
	if o.Success {
		r.Succeeded++
	} else {
		r.Failed++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// IsFullFailure reports whether every attempted follower trade failed.
func (r *Report) IsFullFailure() bool {
	return r.Total > 0 && r.Failed == r.Total
}

// IsPartialSuccess reports whether some but not all follower trades failed.
func (r *Report) IsPartialSuccess() bool {
	return r.Succeeded > 0 && r.Failed > 0
}

// Engine replicates leader trades.
type Engine struct {
	store Store
	exec  Executor
	now   func() time.Time
	newID func() string
	guard guard
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the timestamp source for follows and positions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides copy position id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates a replication engine.
func NewEngine(st Store, exec Executor, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		exec:  exec,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- Follow relation ---

// Follow makes follower copy every organic trade of leader, buying
// quoteAmountPerTrade on each leader buy. Following again updates the amount.
func (e *Engine) Follow(ctx context.Context, followerID, leaderID string, quoteAmountPerTrade decimal.Decimal) (*model.Follow, error) {
	if followerID == leaderID {
		return nil, model.ErrSelfFollowNotAllowed
	}
	if !quoteAmountPerTrade.IsPositive() {
		return nil, fmt.Errorf("%w: amount per trade must be positive, got %s", model.ErrInvalidAmount, quoteAmountPerTrade)
	}
	if _, err := e.store.GetAccount(ctx, followerID); err != nil {
		return nil, err
	}
	if _, err := e.store.GetAccount(ctx, leaderID); err != nil {
		return nil, err
	}

	f := model.Follow{
		FollowerID:          followerID,
		LeaderID:            leaderID,
		QuoteAmountPerTrade: quoteAmountPerTrade,
		FollowedAt:          e.now(),
	}
	existing, err := e.find(ctx, followerID, leaderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Keep the original position in the follow order.
		f.FollowedAt = existing.FollowedAt
	}

	b := store.NewBatch()
	b.PutFollow(f)
	if err := e.store.Commit(ctx, b); err != nil {
		return nil, err
	}

	slog.Info("follow updated",
		"follower", followerID,
		"leader", leaderID,
		"amount_per_trade", quoteAmountPerTrade.String(),
		"new", existing == nil,
	)
	return &f, nil
}

// Unfollow removes the edge. Open copy positions stay as they are.
func (e *Engine) Unfollow(ctx context.Context, followerID, leaderID string) error {
	existing, err := e.find(ctx, followerID, leaderID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%s -> %s: %w", followerID, leaderID, model.ErrNotFollowing)
	}

	b := store.NewBatch()
	b.RemoveFollow(followerID, leaderID)
	if err := e.store.Commit(ctx, b); err != nil {
		return err
	}

	slog.Info("unfollowed", "follower", followerID, "leader", leaderID)
	return nil
}

// Followers returns the accounts following leader, oldest follow first.
func (e *Engine) Followers(ctx context.Context, leaderID string) ([]model.Follow, error) {
	return e.store.ListFollows(ctx, store.FollowFilter{LeaderID: leaderID})
}

// Following returns the leaders followed by follower, oldest follow first.
func (e *Engine) Following(ctx context.Context, followerID string) ([]model.Follow, error) {
	return e.store.ListFollows(ctx, store.FollowFilter{FollowerID: followerID})
}

// Positions returns copy positions matching f, oldest first.
func (e *Engine) Positions(ctx context.Context, f store.CopyPositionFilter) ([]model.CopyPosition, error) {
	return e.store.ListCopyPositions(ctx, f)
}

func (e *Engine) find(ctx context.Context, followerID, leaderID string) (*model.Follow, error) {
	follows, err := e.store.ListFollows(ctx, store.FollowFilter{FollowerID: followerID, LeaderID: leaderID})
	if err != nil {
		return nil, err
	}
	if len(follows) == 0 {
		return nil, nil
	}
	return &follows[0], nil
}

// --- Replication ---

// OnLeaderBuy replicates a committed leader buy to every follower. Each
// follower buys its configured quote amount; the copy position is created
// in the same commit as the follower's trade.
func (e *Engine) OnLeaderBuy(ctx context.Context, leaderTx model.Transaction) (*Report, error) {
	report := &Report{LeaderID: leaderTx.AccountID, InstrumentID: leaderTx.InstrumentID, Side: model.SideBuy}
	if leaderTx.Tag != model.TagOrganic || leaderTx.Side != model.SideBuy {
		return report, nil
	}
	if !e.guard.acquire() {
		return report, nil
	}
	defer e.guard.release()

	followers, err := e.Followers(ctx, leaderTx.AccountID)
	if err != nil {
		return nil, fmt.Errorf("list followers of %s: %w", leaderTx.AccountID, err)
	}

	for _, f := range followers {
		res, err := e.exec.Execute(ctx, ledger.Request{
			AccountID:    f.FollowerID,
			Side:         model.SideBuy,
			InstrumentID: leaderTx.InstrumentID,
			Amount:       f.QuoteAmountPerTrade,
			Tag:          model.TagCopy,
			CopiedFrom:   leaderTx.AccountID,
			Stage:        e.openPosition(f.FollowerID, leaderTx.AccountID),
		})
		if err != nil {
			e.logFailure(leaderTx, f.FollowerID, err)
			report.add(Outcome{FollowerID: f.FollowerID, Reason: reason(err), Err: err})
			continue
		}
		report.add(success(f.FollowerID, res))
	}

	e.logReport(report)
	return report, nil
}

// OnLeaderSell replicates a committed leader sell. Every account holding
// active positions copied from leader in the instrument, followed or not,
// sells the same fraction of those positions that the leader sold of its
// pre-sell holding.
func (e *Engine) OnLeaderSell(ctx context.Context, leaderTx model.Transaction, preSell model.Holding) (*Report, error) {
	report := &Report{LeaderID: leaderTx.AccountID, InstrumentID: leaderTx.InstrumentID, Side: model.SideSell}
	if leaderTx.Tag != model.TagOrganic || leaderTx.Side != model.SideSell {
		return report, nil
	}
	if !preSell.Amount.IsPositive() {
		return report, nil
	}
	if !e.guard.acquire() {
		return report, nil
	}
	defer e.guard.release()

	fraction := leaderTx.BaseAmount.Div(preSell.Amount)
	if fraction.GreaterThan(decimal.NewFromInt(1)) {
		fraction = decimal.NewFromInt(1)
	}

	// Holders come from open lots, not the follow relation.
	open, err := e.store.ListCopyPositions(ctx, store.CopyPositionFilter{
		LeaderID:     leaderTx.AccountID,
		InstrumentID: leaderTx.InstrumentID,
		Status:       model.PositionActive,
	})
	if err != nil {
		return nil, fmt.Errorf("list copy positions from %s: %w", leaderTx.AccountID, err)
	}

	for _, positions := range byFollower(open) {
		followerID := positions[0].FollowerID

		total := decimal.Zero
		for _, p := range positions {
			total = total.Add(p.RemainingBaseAmount)
		}
		shouldSell := total.Mul(fraction)

		acc, err := e.store.GetAccount(ctx, followerID)
		if err != nil {
			report.add(Outcome{FollowerID: followerID, Reason: reason(err), Err: err})
			continue
		}
		if held := acc.Holding(leaderTx.InstrumentID).Amount; shouldSell.GreaterThan(held) {
			shouldSell = held
		}
		if !shouldSell.IsPositive() {
			continue
		}

		updated := DeductFIFO(positions, shouldSell)
		res, err := e.exec.Execute(ctx, ledger.Request{
			AccountID:    followerID,
			Side:         model.SideSell,
			InstrumentID: leaderTx.InstrumentID,
			Amount:       shouldSell,
			Tag:          model.TagCopy,
			CopiedFrom:   leaderTx.AccountID,
			Stage:        putPositions(updated),
		})
		if err != nil {
			e.logFailure(leaderTx, followerID, err)
			report.add(Outcome{FollowerID: followerID, Reason: reason(err), Err: err})
			continue
		}
		report.add(success(followerID, res))
	}

	e.logReport(report)
	return report, nil
}

// DeductOwnPositions returns a stage that FIFO-deducts amount from the
// account's active copy positions in the instrument, across all leaders.
// Used when the account sells on its own.
func (e *Engine) DeductOwnPositions(ctx context.Context, accountID, instrumentID string, amount decimal.Decimal) (ledger.StageFunc, error) {
	positions, err := e.store.ListCopyPositions(ctx, store.CopyPositionFilter{
		FollowerID:   accountID,
		InstrumentID: instrumentID,
		Status:       model.PositionActive,
	})
	if err != nil {
		return nil, fmt.Errorf("list copy positions of %s: %w", accountID, err)
	}
	if len(positions) == 0 {
		return nil, nil
	}
	return putPositions(DeductFIFO(positions, amount)), nil
}

// DeductFIFO removes amount from positions oldest first and returns the
// positions it changed. A position reaching zero is closed. Any amount
// beyond the positions' total is ignored.
func DeductFIFO(positions []model.CopyPosition, amount decimal.Decimal) []model.CopyPosition {
	var changed []model.CopyPosition
	left := amount
	for _, p := range positions {
		if !left.IsPositive() {
			break
		}
		if p.Status != model.PositionActive || !p.RemainingBaseAmount.IsPositive() {
			continue
		}
		take := decimal.Min(left, p.RemainingBaseAmount)
		p.RemainingBaseAmount = p.RemainingBaseAmount.Sub(take)
		if !p.RemainingBaseAmount.IsPositive() {
			p.RemainingBaseAmount = decimal.Zero
			p.Status = model.PositionClosed
		}
		left = left.Sub(take)
		changed = append(changed, p)
	}
	return changed
}

// byFollower groups positions per follower, keeping the oldest-first order
// both across followers (by first lot) and within each group.
func byFollower(positions []model.CopyPosition) [][]model.CopyPosition {
	index := make(map[string]int)
	var groups [][]model.CopyPosition
	for _, p := range positions {
		i, ok := index[p.FollowerID]
		if !ok {
			i = len(groups)
			index[p.FollowerID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], p)
	}
	return groups
}

func (e *Engine) openPosition(followerID, leaderID string) ledger.StageFunc {
	return func(b *store.Batch, res *ledger.Result) error {
		b.PutCopyPosition(model.CopyPosition{
			ID:                  e.newID(),
			FollowerID:          followerID,
			LeaderID:            leaderID,
			InstrumentID:        res.Transaction.InstrumentID,
			OriginalBaseAmount:  res.Quote.BaseAmount,
			RemainingBaseAmount: res.Quote.BaseAmount,
			QuoteSpent:          res.Quote.QuoteAmount,
			EntryPrice:          res.Transaction.ExecutionPrice,
			Status:              model.PositionActive,
			CreatedAt:           res.Transaction.Timestamp,
		})
		return nil
	}
}

func putPositions(positions []model.CopyPosition) ledger.StageFunc {
	return func(b *store.Batch, _ *ledger.Result) error {
		for _, p := range positions {
			b.PutCopyPosition(p)
		}
		return nil
	}
}

func success(followerID string, res *ledger.Result) Outcome {
	return Outcome{
		FollowerID:    followerID,
		Success:       true,
		BaseAmount:    res.Transaction.BaseAmount,
		QuoteAmount:   res.Transaction.QuoteAmount,
		TransactionID: res.Transaction.ID,
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient funds"
	case errors.Is(err, model.ErrInsufficientHoldings):
		return "insufficient holdings"
	case errors.Is(err, model.ErrPoolNotFound):
		return "pool not found"
	case errors.Is(err, model.ErrAccountNotFound):
		return "account not found"
	default:
		return err.Error()
	}
}

func (e *Engine) logFailure(leaderTx model.Transaction, followerID string, err error) {
	slog.Warn("copy trade failed",
		"leader", leaderTx.AccountID,
		"follower", followerID,
		"instrument", leaderTx.InstrumentID,
		"side", leaderTx.Side,
		"error", err,
	)
}

func (e *Engine) logReport(r *Report) {
	if r.Total == 0 {
		return
	}
	level, msg := slog.LevelInfo, "copy trades replicated"
	switch {
	case r.IsFullFailure():
		level, msg = slog.LevelWarn, "copy trades all failed"
	case r.IsPartialSuccess():
		msg = "copy trades partially replicated"
	}
	slog.Log(context.Background(), level, msg,
		"leader", r.LeaderID,
		"instrument", r.InstrumentID,
		"side", r.Side,
		"succeeded", r.Succeeded,
		"failed", r.Failed,
	)
}
