package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jackhts4/gmgn-clone/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Pools, accounts and instruments are cached. Logs and relations are
// always read from the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateInstrument(ctx context.Context, inst *model.Instrument, pool *model.Pool) error {
	if err := s.primary.CreateInstrument(ctx, inst, pool); err != nil {
		return err
	}
	s.cache(ctx, instrumentKey(inst.ID), inst)
	s.cache(ctx, poolKey(pool.InstrumentID), pool)
	return nil
}

func (s *CachedStore) CreateAccount(ctx context.Context, acc *model.Account) error {
	if err := s.primary.CreateAccount(ctx, acc); err != nil {
		return err
	}
	s.cache(ctx, accountKey(acc.ID), acc)
	return nil
}

// Commit applies the batch to the primary, then drops every cached entity
// the batch touched; the next read re-populates.
func (s *CachedStore) Commit(ctx context.Context, b *Batch) error {
	if b.Empty() {
		return nil
	}
	if err := s.primary.Commit(ctx, b); err != nil {
		return err
	}
	keys := make([]string, 0, len(b.Pools)+len(b.Accounts))
	for _, p := range b.Pools {
		keys = append(keys, poolKey(p.InstrumentID))
	}
	for _, a := range b.Accounts {
		keys = append(keys, accountKey(a.ID))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	var inst model.Instrument
	if s.lookup(ctx, instrumentKey(id), &inst) {
		return &inst, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, instrumentKey(id), got)
	return got, nil
}

func (s *CachedStore) GetPool(ctx context.Context, instrumentID string) (*model.Pool, error) {
	var p model.Pool
	if s.lookup(ctx, poolKey(instrumentID), &p) {
		return &p, nil
	}

	got, err := s.primary.GetPool(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, poolKey(instrumentID), got)
	return got, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var acc model.Account
	if s.lookup(ctx, accountKey(id), &acc) {
		if acc.Holdings == nil {
			acc.Holdings = make(map[string]model.Holding)
		}
		return &acc, nil
	}

	got, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(id), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) QueryTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	return s.primary.QueryTransactions(ctx, f)
}

func (s *CachedStore) ListFollows(ctx context.Context, f FollowFilter) ([]model.Follow, error) {
	return s.primary.ListFollows(ctx, f)
}

func (s *CachedStore) ListCopyPositions(ctx context.Context, f CopyPositionFilter) ([]model.CopyPosition, error) {
	return s.primary.ListCopyPositions(ctx, f)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.LimitOrder, error) {
	return s.primary.ListOrders(ctx, f)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func instrumentKey(id string) string { return fmt.Sprintf("instrument:%s", id) }
func poolKey(id string) string       { return fmt.Sprintf("pool:%s", id) }
func accountKey(id string) string    { return fmt.Sprintf("account:%s", id) }
