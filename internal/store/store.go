// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"time"

	"github.com/jackhts4/gmgn-clone/internal/model"
)

// TransactionFilter selects transaction log records. Zero fields match all.
type TransactionFilter struct {
	AccountID    string
	InstrumentID string
	Tag          model.Tag
	Since        time.Time // inclusive
	Limit        int       // most recent N, 0 = unlimited
}

// FollowFilter selects follow edges. Zero fields match all.
type FollowFilter struct {
	FollowerID string
	LeaderID   string
}

// CopyPositionFilter selects copy positions. Zero fields match all.
type CopyPositionFilter struct {
	FollowerID   string
	LeaderID     string
	InstrumentID string
	Status       model.PositionStatus
}

// OrderFilter selects limit orders. Zero fields match all.
type OrderFilter struct {
	AccountID    string
	InstrumentID string
	Status       model.OrderStatus
}

// FollowKey identifies one follow edge.
type FollowKey struct {
	FollowerID string
	LeaderID   string
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// List and query methods return records in creation order (oldest first),
// which the engine relies on for FIFO lot deduction and trigger scans.
type Store interface {
	// --- Instrument registry ---

	// CreateInstrument registers an instrument and its opening pool.
	CreateInstrument(ctx context.Context, inst *model.Instrument, pool *model.Pool) error

	// GetInstrument retrieves registry metadata by id.
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)

	// ListInstruments returns every registered instrument.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// --- Pools ---

	// GetPool retrieves the reserve pair for an instrument.
	GetPool(ctx context.Context, instrumentID string) (*model.Pool, error)

	// ListPools returns every pool.
	ListPools(ctx context.Context) ([]model.Pool, error)

	// --- Accounts ---

	// CreateAccount provisions a new account.
	CreateAccount(ctx context.Context, acc *model.Account) error

	// GetAccount retrieves an account with its holdings.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListAccounts returns every account.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// --- Immutable transaction log ---

	// QueryTransactions returns log records matching the filter.
	QueryTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error)

	// --- Copy trading ---

	// ListFollows returns follow edges, ordered by FollowedAt.
	ListFollows(ctx context.Context, f FollowFilter) ([]model.Follow, error)

	// ListCopyPositions returns copy positions, ordered oldest first.
	ListCopyPositions(ctx context.Context, f CopyPositionFilter) ([]model.CopyPosition, error)

	// --- Limit orders ---

	// GetOrder retrieves a limit order by id.
	GetOrder(ctx context.Context, id string) (*model.LimitOrder, error)

	// ListOrders returns orders matching the filter, oldest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]model.LimitOrder, error)

	// --- Atomic writes ---

	// Commit applies every write in the batch or none of them. Failures
	// are reported wrapped in model.ErrCommitFailed.
	Commit(ctx context.Context, b *Batch) error
}
