package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackhts4/gmgn-clone/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu sync.RWMutex

	instruments map[string]*model.Instrument
	pools       map[string]*model.Pool
	accounts    map[string]*model.Account
	positions   map[string]*model.CopyPosition
	orders      map[string]*model.LimitOrder

	// Insertion order, used for stable creation-order listing.
	instrumentOrder []string
	accountOrder    []string
	positionOrder   []string
	orderOrder      []string

	follows []model.Follow
	ledger  []model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]*model.Instrument),
		pools:       make(map[string]*model.Pool),
		accounts:    make(map[string]*model.Account),
		positions:   make(map[string]*model.CopyPosition),
		orders:      make(map[string]*model.LimitOrder),
	}
}

// --- Instrument registry ---

func (s *MemoryStore) CreateInstrument(_ context.Context, inst *model.Instrument, pool *model.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instruments[inst.ID]; ok {
		return fmt.Errorf("instrument %s: %w", inst.ID, model.ErrAlreadyExists)
	}
	if pool.InstrumentID != inst.ID {
		return fmt.Errorf("pool references %s, want %s: %w", pool.InstrumentID, inst.ID, model.ErrInvalidAmount)
	}

	// Store copies to avoid external mutation.
	i := *inst
	p := *pool
	s.instruments[inst.ID] = &i
	s.pools[inst.ID] = &p
	s.instrumentOrder = append(s.instrumentOrder, inst.ID)
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, model.ErrInstrumentNotFound)
	}
	copy := *inst
	return &copy, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Instrument, 0, len(s.instrumentOrder))
	for _, id := range s.instrumentOrder {
		out = append(out, *s.instruments[id])
	}
	return out, nil
}

// --- Pools ---

func (s *MemoryStore) GetPool(_ context.Context, instrumentID string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[instrumentID]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", instrumentID, model.ErrPoolNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Pool, 0, len(s.instrumentOrder))
	for _, id := range s.instrumentOrder {
		if p, ok := s.pools[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acc.ID]; ok {
		return fmt.Errorf("account %s: %w", acc.ID, model.ErrAlreadyExists)
	}
	if acc.CashBalance.IsNegative() {
		return fmt.Errorf("account %s: negative opening balance: %w", acc.ID, model.ErrInvalidAmount)
	}
	c := acc.Clone()
	s.accounts[acc.ID] = &c
	s.accountOrder = append(s.accountOrder, acc.ID)
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrAccountNotFound)
	}
	c := a.Clone()
	return &c, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Account, 0, len(s.accountOrder))
	for _, id := range s.accountOrder {
		out = append(out, s.accounts[id].Clone())
	}
	return out, nil
}

// --- Transaction log ---

func (s *MemoryStore) QueryTransactions(_ context.Context, f TransactionFilter) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.ledger {
		if f.AccountID != "" && tx.AccountID != f.AccountID {
			continue
		}
		if f.InstrumentID != "" && tx.InstrumentID != f.InstrumentID {
			continue
		}
		if f.Tag != "" && tx.Tag != f.Tag {
			continue
		}
		if !f.Since.IsZero() && tx.Timestamp.Before(f.Since) {
			continue
		}
		result = append(result, tx)
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result, nil
}

// --- Copy trading ---

func (s *MemoryStore) ListFollows(_ context.Context, f FollowFilter) ([]model.Follow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Follow
	for _, fl := range s.follows {
		if f.FollowerID != "" && fl.FollowerID != f.FollowerID {
			continue
		}
		if f.LeaderID != "" && fl.LeaderID != f.LeaderID {
			continue
		}
		result = append(result, fl)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].FollowedAt.Before(result[j].FollowedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListCopyPositions(_ context.Context, f CopyPositionFilter) ([]model.CopyPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.CopyPosition
	for _, id := range s.positionOrder {
		p := s.positions[id]
		if f.FollowerID != "" && p.FollowerID != f.FollowerID {
			continue
		}
		if f.LeaderID != "" && p.LeaderID != f.LeaderID {
			continue
		}
		if f.InstrumentID != "" && p.InstrumentID != f.InstrumentID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		result = append(result, *p)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// --- Limit orders ---

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrOrderNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LimitOrder
	for _, id := range s.orderOrder {
		o := s.orders[id]
		if f.AccountID != "" && o.AccountID != f.AccountID {
			continue
		}
		if f.InstrumentID != "" && o.InstrumentID != f.InstrumentID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		result = append(result, *o)
	}
	return result, nil
}

// --- Atomic writes ---

// Commit validates the batch and every entity it references before touching
// any map, so a rejected batch leaves the store unchanged.
func (s *MemoryStore) Commit(_ context.Context, b *Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range b.Pools {
		if _, ok := s.pools[p.InstrumentID]; !ok {
			return fmt.Errorf("%w: pool %s: %w", model.ErrCommitFailed, p.InstrumentID, model.ErrPoolNotFound)
		}
	}
	for _, a := range b.Accounts {
		if _, ok := s.accounts[a.ID]; !ok {
			return fmt.Errorf("%w: account %s: %w", model.ErrCommitFailed, a.ID, model.ErrAccountNotFound)
		}
	}
	for _, f := range b.Follows {
		if _, ok := s.accounts[f.FollowerID]; !ok {
			return fmt.Errorf("%w: follower %s: %w", model.ErrCommitFailed, f.FollowerID, model.ErrAccountNotFound)
		}
		if _, ok := s.accounts[f.LeaderID]; !ok {
			return fmt.Errorf("%w: leader %s: %w", model.ErrCommitFailed, f.LeaderID, model.ErrAccountNotFound)
		}
	}

	for _, p := range b.Pools {
		cp := p
		s.pools[p.InstrumentID] = &cp
	}
	for _, a := range b.Accounts {
		c := a.Clone()
		s.accounts[a.ID] = &c
	}
	s.ledger = append(s.ledger, b.Transactions...)

	for _, k := range b.Unfollows {
		s.removeFollow(k)
	}
	for _, f := range b.Follows {
		s.upsertFollow(f)
	}

	for _, p := range b.CopyPositions {
		if _, ok := s.positions[p.ID]; !ok {
			s.positionOrder = append(s.positionOrder, p.ID)
		}
		cp := p
		s.positions[p.ID] = &cp
	}
	for _, o := range b.Orders {
		if _, ok := s.orders[o.ID]; !ok {
			s.orderOrder = append(s.orderOrder, o.ID)
		}
		cp := o
		s.orders[o.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) upsertFollow(f model.Follow) {
	for i := range s.follows {
		if s.follows[i].FollowerID == f.FollowerID && s.follows[i].LeaderID == f.LeaderID {
			s.follows[i] = f
			return
		}
	}
	s.follows = append(s.follows, f)
}

func (s *MemoryStore) removeFollow(k FollowKey) {
	for i := range s.follows {
		if s.follows[i].FollowerID == k.FollowerID && s.follows[i].LeaderID == k.LeaderID {
			s.follows = append(s.follows[:i], s.follows[i+1:]...)
			return
		}
	}
}
