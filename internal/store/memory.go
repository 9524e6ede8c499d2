package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/poolbuy/pledge-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	pools   map[string]*model.PoolSnapshot
	pledges []model.PledgeRecord
	byKey   map[string]int // idempotency key → index into pledges
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools: make(map[string]*model.PoolSnapshot),
		byKey: make(map[string]int),
	}
}

func (s *MemoryStore) CreatePool(_ context.Context, p *model.PoolSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrPoolExists, p.ID)
	}
	cp := p.Clone()
	s.pools[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, poolID string) (model.PoolSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[poolID]
	if !ok {
		return model.PoolSnapshot{}, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.PoolSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.PoolSnapshot, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p.Clone())
	}
	sort.Slice(pools, func(i, j int) bool {
		return pools[i].CreatedAt.After(pools[j].CreatedAt)
	})
	return pools, nil
}

func (s *MemoryStore) IncrementCommitted(_ context.Context, poolID string, units decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.incrementLocked(poolID, units)
}

func (s *MemoryStore) incrementLocked(poolID string, units decimal.Decimal) error {
	p, ok := s.pools[poolID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	p.CommittedUnits = p.CommittedUnits.Add(units)
	return nil
}

// CreatePledgeRecord appends the record and bumps committed units under a
// single lock, so the two are observed together.
func (s *MemoryStore) CreatePledgeRecord(_ context.Context, rec *model.PledgeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.IdempotencyKey != "" {
		if _, dup := s.byKey[rec.IdempotencyKey]; dup {
			return ErrDuplicatePledge
		}
	}
	if err := s.incrementLocked(rec.PoolID, rec.Units); err != nil {
		return err
	}

	s.pledges = append(s.pledges, copyRecord(*rec))
	if rec.IdempotencyKey != "" {
		s.byKey[rec.IdempotencyKey] = len(s.pledges) - 1
	}
	return nil
}

func (s *MemoryStore) GetPledgeByIdempotencyKey(_ context.Context, key string) (*model.PledgeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byKey[key]
	if !ok {
		return nil, ErrPledgeNotFound
	}
	rec := copyRecord(s.pledges[i])
	return &rec, nil
}

func (s *MemoryStore) ListPledgesByPool(_ context.Context, poolID string) ([]model.PledgeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PledgeRecord
	for _, r := range s.pledges {
		if r.PoolID == poolID {
			result = append(result, copyRecord(r))
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPledgesByBuyer(_ context.Context, buyerRef string) ([]model.PledgeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PledgeRecord
	for _, r := range s.pledges {
		if r.BuyerRef == buyerRef {
			result = append(result, copyRecord(r))
		}
	}
	return result, nil
}

func copyRecord(r model.PledgeRecord) model.PledgeRecord {
	r.SelectedSurcharges = append([]string(nil), r.SelectedSurcharges...)
	return r
}
