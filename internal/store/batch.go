package store

import (
	"errors"
	"fmt"

	"github.com/jackhts4/gmgn-clone/internal/model"
)

// Batch stages writes for one atomic Commit. Pools, accounts, copy
// positions and orders are upserted by key (the last Put wins); transactions
// are appended; follows are upserted and unfollows deleted.
type Batch struct {
	Pools         []model.Pool
	Accounts      []model.Account
	Transactions  []model.Transaction
	Follows       []model.Follow
	Unfollows     []FollowKey
	CopyPositions []model.CopyPosition
	Orders        []model.LimitOrder
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Empty reports whether the batch carries no writes.
func (b *Batch) Empty() bool {
	return len(b.Pools) == 0 && len(b.Accounts) == 0 && len(b.Transactions) == 0 &&
		len(b.Follows) == 0 && len(b.Unfollows) == 0 &&
		len(b.CopyPositions) == 0 && len(b.Orders) == 0
}

// PutPool stages a pool's new reserves.
func (b *Batch) PutPool(p model.Pool) {
	for i := range b.Pools {
		if b.Pools[i].InstrumentID == p.InstrumentID {
			b.Pools[i] = p
			return
		}
	}
	b.Pools = append(b.Pools, p)
}

// PutAccount stages an account's new state. The account is cloned.
func (b *Batch) PutAccount(a model.Account) {
	a = a.Clone()
	for i := range b.Accounts {
		if b.Accounts[i].ID == a.ID {
			b.Accounts[i] = a
			return
		}
	}
	b.Accounts = append(b.Accounts, a)
}

// Account returns the staged account, if any. Mutations through the
// returned pointer change the staged state.
func (b *Batch) Account(id string) (*model.Account, bool) {
	for i := range b.Accounts {
		if b.Accounts[i].ID == id {
			return &b.Accounts[i], true
		}
	}
	return nil, false
}

// AddTransaction appends a record to the transaction log.
func (b *Batch) AddTransaction(tx model.Transaction) {
	b.Transactions = append(b.Transactions, tx)
}

// PutFollow stages a follow edge insert or update.
func (b *Batch) PutFollow(f model.Follow) {
	b.Follows = append(b.Follows, f)
}

// RemoveFollow stages deletion of a follow edge.
func (b *Batch) RemoveFollow(followerID, leaderID string) {
	b.Unfollows = append(b.Unfollows, FollowKey{FollowerID: followerID, LeaderID: leaderID})
}

// PutCopyPosition stages a copy position insert or update.
func (b *Batch) PutCopyPosition(p model.CopyPosition) {
	for i := range b.CopyPositions {
		if b.CopyPositions[i].ID == p.ID {
			b.CopyPositions[i] = p
			return
		}
	}
	b.CopyPositions = append(b.CopyPositions, p)
}

// PutOrder stages a limit order insert or update.
func (b *Batch) PutOrder(o model.LimitOrder) {
	for i := range b.Orders {
		if b.Orders[i].ID == o.ID {
			b.Orders[i] = o
			return
		}
	}
	b.Orders = append(b.Orders, o)
}

// Validate checks the state invariants of every staged record. Stores call
// it before applying anything, so a batch that fails leaves no trace.
func (b *Batch) Validate() error {
	var errs []error

	for _, p := range b.Pools {
		if !p.QuoteReserve.IsPositive() || !p.BaseReserve.IsPositive() {
			errs = append(errs, fmt.Errorf("pool %s: reserves must stay positive (%s/%s)",
				p.InstrumentID, p.QuoteReserve, p.BaseReserve))
		}
	}

	for _, a := range b.Accounts {
		if a.CashBalance.IsNegative() {
			errs = append(errs, fmt.Errorf("account %s: negative cash balance %s", a.ID, a.CashBalance))
		}
		for id, h := range a.Holdings {
			if h.Amount.IsNegative() || h.CostBasis.IsNegative() {
				errs = append(errs, fmt.Errorf("account %s: negative holding in %s", a.ID, id))
			}
		}
	}

	for _, tx := range b.Transactions {
		if !tx.Side.Valid() {
			errs = append(errs, fmt.Errorf("transaction %s: invalid side %q", tx.ID, tx.Side))
		}
		if !tx.BaseAmount.IsPositive() || !tx.QuoteAmount.IsPositive() {
			errs = append(errs, fmt.Errorf("transaction %s: amounts must be positive", tx.ID))
		}
		switch tx.Tag {
		case model.TagOrganic, model.TagCopy, model.TagLimitOrder:
		default:
			errs = append(errs, fmt.Errorf("transaction %s: unknown tag %q", tx.ID, tx.Tag))
		}
	}

	for _, f := range b.Follows {
		if f.FollowerID == f.LeaderID {
			errs = append(errs, fmt.Errorf("follow %s: %w", f.FollowerID, model.ErrSelfFollowNotAllowed))
		}
		if !f.QuoteAmountPerTrade.IsPositive() {
			errs = append(errs, fmt.Errorf("follow %s->%s: amount must be positive", f.FollowerID, f.LeaderID))
		}
	}

	for _, p := range b.CopyPositions {
		if p.RemainingBaseAmount.IsNegative() || p.RemainingBaseAmount.GreaterThan(p.OriginalBaseAmount) {
			errs = append(errs, fmt.Errorf("copy position %s: remaining %s outside [0, %s]",
				p.ID, p.RemainingBaseAmount, p.OriginalBaseAmount))
		}
	}

	for _, o := range b.Orders {
		if o.LockedAmount.IsNegative() || o.FilledAmount.GreaterThan(o.TotalAmount) {
			errs = append(errs, fmt.Errorf("order %s: inconsistent amounts", o.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", model.ErrCommitFailed, errors.Join(errs...))
	}
	return nil
}
