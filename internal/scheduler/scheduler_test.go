package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolbuy/pledge-engine/internal/events"
	"github.com/poolbuy/pledge-engine/internal/model"
	"github.com/poolbuy/pledge-engine/internal/pledge"
	"github.com/poolbuy/pledge-engine/internal/store"
)

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingHub struct {
	mu   sync.Mutex
	msgs []pledge.WSMessage
}

func (h *recordingHub) Broadcast(msg pledge.WSMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func addPool(t *testing.T, ms *store.MemoryStore, id string, deadline time.Time, committed int64) {
	t.Helper()
	require.NoError(t, ms.CreatePool(context.Background(), &model.PoolSnapshot{
		ID:              id,
		UnitPrice:       decimal.NewFromInt(10),
		MinUnits:        decimal.NewFromInt(1),
		MOQTarget:       decimal.NewFromInt(100),
		CommittedUnits:  decimal.NewFromInt(committed),
		Currency:        "USD",
		Deadline:        deadline,
		PlatformFeeRate: decimal.NewFromFloat(0.03),
	}))
}

func TestTick_AnnouncesEachLockOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	addPool(t, ms, "soon", start.Add(time.Minute), 120)
	addPool(t, ms, "later", start.Add(time.Hour), 10)
	addPool(t, ms, "stale", start.Add(-time.Hour), 50)

	clock := start
	hub := &recordingHub{}
	rec := &events.Recorder{}
	w := NewLockWatcher(ms, hub, rec, time.Second, func() time.Time { return clock }, nil)

	locked, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, locked, "pools locked before the watcher started are not announced")

	clock = start.Add(time.Minute)
	locked, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"soon"}, locked)

	locked, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, locked)

	clock = start.Add(2 * time.Hour)
	locked, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"later"}, locked)

	require.Len(t, hub.msgs, 2)
	assert.Equal(t, pledge.MsgPoolLocked, hub.msgs[0].Type)
	assert.Equal(t, "soon", hub.msgs[0].PoolID)
	assert.True(t, hub.msgs[0].MOQReached)
	assert.False(t, hub.msgs[1].MOQReached)
	assert.Len(t, rec.OfType(events.TypePoolLocked), 2)
}

type failingLister struct{}

func (failingLister) ListPools(context.Context) ([]model.PoolSnapshot, error) {
	return nil, errors.New("db down")
}

func TestTick_ListError(t *testing.T) {
	w := NewLockWatcher(failingLister{}, nil, nil, time.Second, nil, nil)
	_, err := w.Tick(context.Background())
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	w := NewLockWatcher(store.NewMemoryStore(), nil, nil, 5*time.Millisecond, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

// flakyLister fails until ok is set.
type flakyLister struct {
	*store.MemoryStore
	ok bool
}

func (l *flakyLister) ListPools(ctx context.Context) ([]model.PoolSnapshot, error) {
	if !l.ok {
		return nil, errors.New("db down")
	}
	return l.MemoryStore.ListPools(ctx)
}

func TestTick_FailedListingDoesNotLoseLocks(t *testing.T) {
	ms := store.NewMemoryStore()
	addPool(t, ms, "soon", start.Add(time.Minute), 10)

	clock := start
	lister := &flakyLister{MemoryStore: ms}
	rec := &events.Recorder{}
	w := NewLockWatcher(lister, nil, rec, time.Second, func() time.Time { return clock }, nil)

	clock = start.Add(2 * time.Minute)
	_, err := w.Tick(context.Background())
	require.Error(t, err)

	lister.ok = true
	clock = start.Add(3 * time.Minute)
	locked, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"soon"}, locked)

	locked, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, locked)
	assert.Len(t, rec.OfType(events.TypePoolLocked), 1)
}

// blockingPublisher parks every Publish until release is closed.
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPublisher) Publish(ctx context.Context, _ events.Event) error {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return nil
}

func TestTick_SlowPublisherDoesNotBlockNextTick(t *testing.T) {
	ms := store.NewMemoryStore()
	addPool(t, ms, "soon", start.Add(time.Minute), 10)

	var mu sync.Mutex
	clock := start
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	pub := &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	w := NewLockWatcher(ms, nil, pub, time.Second, now, nil)

	mu.Lock()
	clock = start.Add(time.Minute)
	mu.Unlock()

	first := make(chan []string, 1)
	go func() {
		locked, _ := w.Tick(context.Background())
		first <- locked
	}()
	<-pub.entered

	second := make(chan []string, 1)
	go func() {
		locked, _ := w.Tick(context.Background())
		second <- locked
	}()
	select {
	case locked := <-second:
		assert.Empty(t, locked, "the lock belongs to the first tick")
	case <-time.After(time.Second):
		t.Fatal("second tick blocked behind a slow publisher")
	}

	close(pub.release)
	assert.Equal(t, []string{"soon"}, <-first)
}
