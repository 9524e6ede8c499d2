package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/poolbuy/pledge-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// snapshot cache. Writes go to the primary store and invalidate the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePool(ctx context.Context, p *model.PoolSnapshot) error {
	if err := s.primary.CreatePool(ctx, p); err != nil {
		return err
	}
	s.cacheSnapshot(ctx, *p)
	return nil
}

func (s *CachedStore) IncrementCommitted(ctx context.Context, poolID string, units decimal.Decimal) error {
	if err := s.primary.IncrementCommitted(ctx, poolID, units); err != nil {
		return err
	}
	s.rdb.Del(ctx, poolKey(poolID))
	return nil
}

func (s *CachedStore) CreatePledgeRecord(ctx context.Context, rec *model.PledgeRecord) error {
	if err := s.primary.CreatePledgeRecord(ctx, rec); err != nil {
		return err
	}
	// Committed units changed; next read re-populates.
	s.rdb.Del(ctx, poolKey(rec.PoolID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSnapshot(ctx context.Context, poolID string) (model.PoolSnapshot, error) {
	data, err := s.rdb.Get(ctx, poolKey(poolID)).Bytes()
	if err == nil {
		var p model.PoolSnapshot
		if json.Unmarshal(data, &p) == nil {
			return p, nil
		}
	}

	p, err := s.primary.GetSnapshot(ctx, poolID)
	if err != nil {
		return model.PoolSnapshot{}, err
	}
	s.cacheSnapshot(ctx, p)
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.PoolSnapshot, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) GetPledgeByIdempotencyKey(ctx context.Context, key string) (*model.PledgeRecord, error) {
	return s.primary.GetPledgeByIdempotencyKey(ctx, key)
}

func (s *CachedStore) ListPledgesByPool(ctx context.Context, poolID string) ([]model.PledgeRecord, error) {
	return s.primary.ListPledgesByPool(ctx, poolID)
}

func (s *CachedStore) ListPledgesByBuyer(ctx context.Context, buyerRef string) ([]model.PledgeRecord, error) {
	return s.primary.ListPledgesByBuyer(ctx, buyerRef)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSnapshot(ctx context.Context, p model.PoolSnapshot) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, poolKey(p.ID), data, s.ttl)
	}
}

func poolKey(id string) string { return fmt.Sprintf("pool:%s", id) }
