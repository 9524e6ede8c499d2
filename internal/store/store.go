// Package store defines the document-store interface for the pledge engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// snapshot cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/poolbuy/pledge-engine/internal/model"
)

var (
	ErrPoolNotFound    = errors.New("store: pool not found")
	ErrPoolExists      = errors.New("store: pool already exists")
	ErrPledgeNotFound  = errors.New("store: pledge not found")
	ErrDuplicatePledge = errors.New("store: pledge with this idempotency key already exists")
)

// SnapshotProvider is the read-only view the engine needs of pools.
type SnapshotProvider interface {
	// GetSnapshot returns a fresh snapshot, or ErrPoolNotFound.
	GetSnapshot(ctx context.Context, poolID string) (model.PoolSnapshot, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through snapshot cache.
type Store interface {
	SnapshotProvider

	// --- Pool operations ---

	// CreatePool persists a new pool listing.
	CreatePool(ctx context.Context, pool *model.PoolSnapshot) error

	// ListPools returns snapshots of all pools.
	ListPools(ctx context.Context) ([]model.PoolSnapshot, error)

	// IncrementCommitted atomically adds units to a pool's committed total.
	IncrementCommitted(ctx context.Context, poolID string, units decimal.Decimal) error

	// --- Pledge records ---

	// CreatePledgeRecord persists a record and increments the pool's
	// committed units in the same atomic step. Returns ErrDuplicatePledge
	// when a record with the same idempotency key exists; nothing is
	// incremented in that case.
	CreatePledgeRecord(ctx context.Context, rec *model.PledgeRecord) error

	// GetPledgeByIdempotencyKey returns the record for key, or ErrPledgeNotFound.
	GetPledgeByIdempotencyKey(ctx context.Context, key string) (*model.PledgeRecord, error)

	// ListPledgesByPool returns all pledges for a pool, oldest first.
	ListPledgesByPool(ctx context.Context, poolID string) ([]model.PledgeRecord, error)

	// ListPledgesByBuyer returns all pledges for a buyer, oldest first.
	ListPledgesByBuyer(ctx context.Context, buyerRef string) ([]model.PledgeRecord, error)
}
