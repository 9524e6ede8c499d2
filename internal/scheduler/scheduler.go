// Package scheduler runs the caller-side lock watcher: it re-evaluates the
// lock clock for every pool on a ticker and announces each pool's lock
// transition exactly once to WebSocket clients and the event bus.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/poolbuy/pledge-engine/internal/events"
	"github.com/poolbuy/pledge-engine/internal/lock"
	"github.com/poolbuy/pledge-engine/internal/metrics"
	"github.com/poolbuy/pledge-engine/internal/model"
	"github.com/poolbuy/pledge-engine/internal/pledge"
	"github.com/poolbuy/pledge-engine/internal/snapshot"
)

// PoolLister is the read access the watcher needs.
type PoolLister interface {
	ListPools(ctx context.Context) ([]model.PoolSnapshot, error)
}

// Broadcaster is the subset of the WebSocket hub the watcher uses.
type Broadcaster interface {
	Broadcast(msg pledge.WSMessage)
}

// LockWatcher announces pool lock transitions. Each tick covers the
// deadlines in (previous tick, now], so a lock is announced once without
// remembering pool ids. Pools locked before the watcher started are skipped.
type LockWatcher struct {
	pools     PoolLister
	hub       Broadcaster // optional
	publisher events.Publisher
	interval  time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.Mutex
	lastTick time.Time
}

// NewLockWatcher creates a watcher. A nil hub disables broadcasts and a nil
// clock means time.Now.
func NewLockWatcher(pools PoolLister, hub Broadcaster, publisher events.Publisher, interval time.Duration, now func() time.Time, logger *zap.Logger) *LockWatcher {
	if now == nil {
		now = time.Now
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockWatcher{
		pools:     pools,
		hub:       hub,
		publisher: publisher,
		interval:  interval,
		now:       now,
		lastTick:  now(),
		logger:    logger,
	}
}

// Run ticks until ctx is cancelled.
func (w *LockWatcher) Run(ctx context.Context) error {
	defer w.recoverAndLog()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("lock watcher started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("lock watcher: shutting down")
			return nil
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil {
				w.logger.Error("lock watcher: list pools", zap.Error(err))
			}
		}
	}
}

// Tick evaluates every pool once and returns the ids newly announced as
// locked. A failed listing leaves the window open for the next tick.
func (w *LockWatcher) Tick(ctx context.Context) ([]string, error) {
	pools, err := w.pools.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	now := w.now()

	w.mu.Lock()
	since := w.lastTick
	if now.After(since) {
		w.lastTick = now
	}
	w.mu.Unlock()

	open := 0
	var due []model.PoolSnapshot
	for _, p := range pools {
		if lock.Evaluate(p.Deadline, now).IsOpen() {
			open++
			continue
		}
		if p.Deadline.After(since) {
			due = append(due, p)
		}
	}
	metrics.OpenPools.Set(float64(open))

	locked := make([]string, 0, len(due))
	for _, p := range due {
		w.announce(ctx, p)
		locked = append(locked, p.ID)
	}
	return locked, nil
}

func (w *LockWatcher) announce(ctx context.Context, p model.PoolSnapshot) {
	progress := snapshot.ComputeProgress(p)
	w.logger.Info("pool locked",
		zap.String("pool_id", p.ID),
		zap.String("committed_units", p.CommittedUnits.String()),
		zap.String("moq_target", p.MOQTarget.String()),
		zap.Bool("moq_reached", progress.Reached),
	)

	if w.hub != nil {
		w.hub.Broadcast(pledge.WSMessage{
			Type:           pledge.MsgPoolLocked,
			PoolID:         p.ID,
			CommittedUnits: p.CommittedUnits.String(),
			MOQTarget:      p.MOQTarget.String(),
			Percent:        progress.Percent.String(),
			MOQReached:     progress.Reached,
			LockState:      string(lock.LockedPendingOutcome),
		})
	}

	ev, err := events.NewEvent(events.TypePoolLocked, p.ID, events.PoolLockedEvent{
		CommittedUnits: p.CommittedUnits.String(),
		MOQTarget:      p.MOQTarget.String(),
		MOQReached:     progress.Reached,
		Deadline:       p.Deadline,
	})
	if err == nil {
		err = w.publisher.Publish(ctx, ev)
	}
	if err != nil {
		w.logger.Warn("pool locked event not published", zap.String("pool_id", p.ID), zap.Error(err))
	}
}

// recoverAndLog keeps a panic in one tick from taking the process down.
func (w *LockWatcher) recoverAndLog() {
	if r := recover(); r != nil {
		w.logger.Error("PANIC recovered in lock watcher", zap.Any("panic", r))
	}
}
