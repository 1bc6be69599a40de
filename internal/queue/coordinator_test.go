package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agrosync/internal/events"
	"agrosync/internal/executor"
	"agrosync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu              sync.Mutex
	calls           int
	err             error
	errByCollection map[string]error
	seen            []models.SyncOperation
	block           chan struct{}
	entered         chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, op models.SyncOperation) (*executor.Result, error) {
	f.mu.Lock()
	f.calls++
	f.seen = append(f.seen, op)
	err := f.err
	if collErr, ok := f.errByCollection[op.Collection]; ok {
		err = collErr
	}
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if err != nil {
		return nil, err
	}
	return &executor.Result{Data: json.RawMessage(`{"ok":true}`)}, nil
}

func (f *fakeExecutor) Ping(ctx context.Context) error { return nil }

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// onlineGate is the connectivity stub. It counts checks so tests can wait
// for an enqueue-triggered background pass to hit its offline short-circuit
// before flipping the gate.
type onlineGate struct {
	up     atomic.Bool
	checks atomic.Int32
}

func (g *onlineGate) check() bool {
	g.checks.Add(1)
	return g.up.Load()
}

type testEnv struct {
	coordinator *Coordinator
	store       *MemoryStore
	exec        *fakeExecutor
	hub         *events.Hub
	online      *onlineGate
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	store := NewMemoryStore()
	exec := &fakeExecutor{}
	hub := events.NewHub()
	gate := &onlineGate{}

	logger := zerolog.Nop()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Hour // keep self-rescheduled passes out of tests
	}

	c := NewCoordinator(store, executor.StaticResolver{Exec: exec}, hub, gate.check, opts, &logger)
	return &testEnv{coordinator: c, store: store, exec: exec, hub: hub, online: gate}
}

// enqueueOffline records an operation while the gate is down and waits for
// the enqueue-triggered background pass to observe the offline state and
// exit, so the only passes left are the ones the test runs itself.
func (e *testEnv) enqueueOffline(t *testing.T, opType, collection, payload string) string {
	t.Helper()
	before := e.online.checks.Load()
	id := e.coordinator.Enqueue(opType, collection, []byte(payload))
	require.Eventually(t, func() bool {
		return e.online.checks.Load() > before
	}, time.Second, time.Millisecond)
	return id
}

func TestEnqueueAppendsPendingOperation(t *testing.T) {
	env := newTestEnv(t, Options{})

	id := env.enqueueOffline(t, models.OpCreate, "farmers", `{"name":"Alice"}`)
	require.NotEmpty(t, id)

	snapshot := env.coordinator.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, id, snapshot[0].ID)
	assert.Equal(t, models.StatusPending, snapshot[0].Status)
	assert.Equal(t, 0, snapshot[0].RetryCount)
	assert.Equal(t, "farmers", snapshot[0].Collection)
	assert.False(t, snapshot[0].EnqueuedAt.IsZero())
	assert.Equal(t, 1, env.coordinator.PendingCount())
}

func TestSnapshotIsDefensiveCopy(t *testing.T) {
	env := newTestEnv(t, Options{})

	env.enqueueOffline(t, models.OpCreate, "farmers", `{"name":"Alice"}`)

	snapshot := env.coordinator.Snapshot()
	snapshot[0].Status = models.StatusCompleted
	snapshot[0].Payload[0] = 'X'

	fresh := env.coordinator.Snapshot()
	assert.Equal(t, models.StatusPending, fresh[0].Status)
	assert.Equal(t, json.RawMessage(`{"name":"Alice"}`), fresh[0].Payload)
}

func TestOfflineEnqueueThenReconnect(t *testing.T) {
	// Scenario: operation enqueued while offline waits, then drains after
	// connectivity returns.
	env := newTestEnv(t, Options{})

	env.enqueueOffline(t, models.OpCreate, "farmers", `{"name":"Alice"}`)
	assert.Equal(t, 1, env.coordinator.PendingCount())
	assert.Equal(t, 0, env.exec.callCount())

	env.online.up.Store(true)
	env.coordinator.ProcessQueue(context.Background())

	assert.Equal(t, 0, env.coordinator.PendingCount())
	assert.Empty(t, env.coordinator.Snapshot())
	assert.Equal(t, 1, env.exec.callCount())

	// The durable mirror was overwritten with the empty queue.
	assert.Empty(t, env.store.Load(context.Background()))
}

func TestSuccessRemovesExactlyOne(t *testing.T) {
	env := newTestEnv(t, Options{})

	env.enqueueOffline(t, models.OpCreate, "farmers", `{"name":"Alice"}`)
	keepID := env.enqueueOffline(t, models.OpUpdate, "fields", `{"id":"f1","area":12}`)

	// The farmers op succeeds, the fields op is rejected.
	env.exec.errByCollection = map[string]error{
		"fields": &executor.RemoteError{StatusCode: 409, Message: "conflict"},
	}

	env.online.up.Store(true)
	env.coordinator.ProcessQueue(context.Background())

	snapshot := env.coordinator.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, keepID, snapshot[0].ID)
	assert.Equal(t, models.StatusFailed, snapshot[0].Status)
	assert.Equal(t, 1, snapshot[0].RetryCount)
}

func TestFailureMarksFailedAndIncrementsRetry(t *testing.T) {
	env := newTestEnv(t, Options{})

	id := env.enqueueOffline(t, models.OpUpdate, "fields", `{"id":"f1"}`)
	env.exec.err = &executor.RemoteError{StatusCode: 409, Message: "version conflict"}

	env.online.up.Store(true)
	env.coordinator.ProcessQueue(context.Background())

	snapshot := env.coordinator.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, id, snapshot[0].ID)
	assert.Equal(t, models.StatusFailed, snapshot[0].Status)
	assert.Equal(t, 1, snapshot[0].RetryCount)
	assert.Equal(t, "version conflict", snapshot[0].LastError)
	assert.Equal(t, 1, env.coordinator.PendingCount())
}

func TestRetryCapExcludesDeadOperations(t *testing.T) {
	// Scenario: a domain error on three consecutive passes with a budget of
	// three leaves the operation dead but visible; a fourth attempt never
	// happens.
	env := newTestEnv(t, Options{MaxRetries: 3})

	env.enqueueOffline(t, models.OpUpdate, "fields", `{"id":"f1"}`)
	env.exec.err = &executor.RemoteError{StatusCode: 403, Message: "permission denied"}
	env.online.up.Store(true)

	for i := 0; i < 4; i++ {
		env.coordinator.ProcessQueue(context.Background())
	}

	snapshot := env.coordinator.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, models.StatusFailed, snapshot[0].Status)
	assert.Equal(t, 3, snapshot[0].RetryCount)
	assert.Equal(t, 3, env.exec.callCount())

	// Dead entries still count as pending work for operator visibility.
	assert.Equal(t, 1, env.coordinator.PendingCount())
}

func TestExecutorUnavailableFailsWithoutAbortingPass(t *testing.T) {
	store := NewMemoryStore()
	hub := events.NewHub()
	logger := zerolog.Nop()
	gate := &onlineGate{}
	c := NewCoordinator(store, executor.StaticResolver{}, hub, gate.check, Options{RetryDelay: time.Hour}, &logger)

	before := gate.checks.Load()
	first := c.Enqueue(models.OpCreate, "farmers", []byte(`{"name":"Alice"}`))
	second := c.Enqueue(models.OpCreate, "farmers", []byte(`{"name":"Bob"}`))
	require.Eventually(t, func() bool {
		return gate.checks.Load() >= before+2
	}, time.Second, time.Millisecond)

	gate.up.Store(true)
	c.ProcessQueue(context.Background())

	snapshot := c.Snapshot()
	require.Len(t, snapshot, 2)
	for _, op := range snapshot {
		assert.Equal(t, models.StatusFailed, op.Status)
		assert.Equal(t, "executor unavailable", op.LastError)
		assert.Equal(t, 1, op.RetryCount)
	}
	assert.Equal(t, first, snapshot[0].ID)
	assert.Equal(t, second, snapshot[1].ID)
}

func TestConcurrentPassesRunOnce(t *testing.T) {
	env := newTestEnv(t, Options{})

	env.enqueueOffline(t, models.OpCreate, "farmers", `{"name":"Alice"}`)
	env.online.up.Store(true)

	env.exec.block = make(chan struct{})
	env.exec.entered = make(chan struct{}, 1)

	go env.coordinator.ProcessQueue(context.Background())
	<-env.exec.entered // first pass is now inside the executor

	// Second invocation must be a no-op while the guard is held.
	env.coordinator.ProcessQueue(context.Background())
	assert.Equal(t, 1, env.exec.callCount())

	close(env.exec.block)

	require.Eventually(t, func() bool {
		return env.coordinator.PendingCount() == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.exec.callCount())
}

func TestPassKeepsQueueOrder(t *testing.T) {
	env := newTestEnv(t, Options{})

	env.enqueueOffline(t, models.OpCreate, "farmers", `{"name":"a"}`)
	env.enqueueOffline(t, models.OpDelete, "fields", `{"id":"f2"}`)
	env.enqueueOffline(t, models.OpUpdate, "fields", `{"id":"f1"}`)

	env.online.up.Store(true)
	env.coordinator.ProcessQueue(context.Background())

	require.Len(t, env.exec.seen, 3)
	assert.Equal(t, models.OpCreate, env.exec.seen[0].Type)
	assert.Equal(t, models.OpDelete, env.exec.seen[1].Type)
	assert.Equal(t, models.OpUpdate, env.exec.seen[2].Type)
}

func TestPersistFailureKeepsInMemoryQueueAuthoritative(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.store.FailSaves = true

	id := env.enqueueOffline(t, models.OpCreate, "farmers", `{"name":"Alice"}`)

	// Enqueue never fails and the live queue still holds the operation.
	snapshot := env.coordinator.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, id, snapshot[0].ID)

	// The durable mirror missed the write; that is the documented hazard.
	assert.Empty(t, env.store.Load(context.Background()))
}

func TestHubFiresAfterEveryDurableMutation(t *testing.T) {
	env := newTestEnv(t, Options{})

	var fires int32
	env.hub.Subscribe(func() { atomic.AddInt32(&fires, 1) })

	env.enqueueOffline(t, models.OpCreate, "farmers", `{"name":"Alice"}`)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fires))

	env.online.up.Store(true)
	env.coordinator.ProcessQueue(context.Background())

	// Mark-in-progress and removal both commit.
	assert.Equal(t, int32(3), atomic.LoadInt32(&fires))
}

func TestClearFailedRemovesDeadEntries(t *testing.T) {
	env := newTestEnv(t, Options{MaxRetries: 1})

	env.enqueueOffline(t, models.OpUpdate, "fields", `{"id":"f1"}`)
	env.enqueueOffline(t, models.OpUpdate, "fields", `{"id":"f2"}`)
	env.exec.err = errors.New("remote exploded")

	env.online.up.Store(true)
	env.coordinator.ProcessQueue(context.Background())

	snapshot := env.coordinator.Snapshot()
	require.Len(t, snapshot, 2)

	removed := env.coordinator.ClearFailed(snapshot[0].ID)
	assert.Equal(t, 1, removed)
	require.Len(t, env.coordinator.Snapshot(), 1)

	removed = env.coordinator.ClearFailed("")
	assert.Equal(t, 1, removed)
	assert.Empty(t, env.coordinator.Snapshot())
	assert.Empty(t, env.store.Load(context.Background()))
}

func TestTransportFailureWithoutMessageGetsFallback(t *testing.T) {
	env := newTestEnv(t, Options{})

	env.enqueueOffline(t, models.OpCreate, "farmers", `{}`)
	env.exec.err = errors.New("")

	env.online.up.Store(true)
	env.coordinator.ProcessQueue(context.Background())

	snapshot := env.coordinator.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "unknown error", snapshot[0].LastError)
}

func TestRetryTimerDrainsLeftoverWork(t *testing.T) {
	env := newTestEnv(t, Options{MaxRetries: 5, RetryDelay: 20 * time.Millisecond})

	env.enqueueOffline(t, models.OpCreate, "farmers", `{"name":"Alice"}`)
	env.exec.err = errors.New("flaky")
	env.online.up.Store(true)

	env.coordinator.ProcessQueue(context.Background())
	require.Equal(t, 1, env.coordinator.PendingCount())

	// Heal the remote; the self-scheduled pass should drain the queue.
	env.exec.mu.Lock()
	env.exec.err = nil
	env.exec.mu.Unlock()

	require.Eventually(t, func() bool {
		return env.coordinator.PendingCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// stallingStore delays one Save so a later commit can try to overtake it.
type stallingStore struct {
	inner   *MemoryStore
	stall   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) Load(ctx context.Context) []models.SyncOperation {
	return s.inner.Load(ctx)
}

func (s *stallingStore) Save(ctx context.Context, ops []models.SyncOperation) error {
	if s.stall.CompareAndSwap(true, false) {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.inner.Save(ctx, ops)
}

func TestCommitsReachStoreInSnapshotOrder(t *testing.T) {
	inner := NewMemoryStore()
	store := &stallingStore{inner: inner, entered: make(chan struct{}), release: make(chan struct{})}
	exec := &fakeExecutor{}
	hub := events.NewHub()
	gate := &onlineGate{}
	gate.up.Store(true)
	logger := zerolog.Nop()
	c := NewCoordinator(store, executor.StaticResolver{Exec: exec}, hub, gate.check, Options{RetryDelay: time.Hour}, &logger)

	store.stall.Store(true)

	done := make(chan struct{})
	go func() {
		c.Enqueue(models.OpCreate, "farmers", []byte(`{"name":"Alice"}`))
		close(done)
	}()
	<-store.entered // the enqueue commit is now inside the stalled write

	// A concurrent pass applies the operation and commits the empty queue.
	// Its writes must wait behind the stalled one, or the stale snapshot
	// lands last and resurrects the applied operation in the store.
	go c.ProcessQueue(context.Background())
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	<-done

	require.Eventually(t, func() bool {
		return c.PendingCount() == 0 && len(c.Snapshot()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(inner.Load(context.Background())) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, exec.callCount())
}

func TestRestartRecoversInterruptedAttempt(t *testing.T) {
	// A crash mid-attempt leaves the operation persisted as IN_PROGRESS;
	// the next process must pick it up again instead of stranding it.
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), []models.SyncOperation{
		{
			ID:         "op-1",
			Type:       models.OpCreate,
			Collection: "farmers",
			Payload:    json.RawMessage(`{"name":"Alice"}`),
			Status:     models.StatusInProgress,
			RetryCount: 1,
			EnqueuedAt: time.Now(),
		},
	}))

	exec := &fakeExecutor{}
	hub := events.NewHub()
	gate := &onlineGate{}
	gate.up.Store(true)
	logger := zerolog.Nop()
	c := NewCoordinator(store, executor.StaticResolver{Exec: exec}, hub, gate.check, Options{MaxRetries: 3, RetryDelay: time.Hour}, &logger)

	snapshot := c.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, models.StatusPending, snapshot[0].Status)
	assert.Equal(t, 1, snapshot[0].RetryCount) // the interrupted attempt stays charged
	assert.Equal(t, 1, c.PendingCount())

	c.ProcessQueue(context.Background())
	assert.Equal(t, 1, exec.callCount())
	assert.Empty(t, c.Snapshot())
}

func TestClearFailedBulkSkipsRetryableEntries(t *testing.T) {
	env := newTestEnv(t, Options{MaxRetries: 3})

	id := env.enqueueOffline(t, models.OpUpdate, "fields", `{"id":"f1"}`)
	env.exec.err = &executor.RemoteError{StatusCode: 409, Message: "conflict"}
	env.online.up.Store(true)
	env.coordinator.ProcessQueue(context.Background())

	// One failure with budget left: the bulk form leaves it for the next
	// pass.
	assert.Equal(t, 0, env.coordinator.ClearFailed(""))
	require.Len(t, env.coordinator.Snapshot(), 1)

	// Targeting the id explicitly still removes it.
	assert.Equal(t, 1, env.coordinator.ClearFailed(id))
	assert.Empty(t, env.coordinator.Snapshot())
}

func TestCoordinatorLoadsDurableQueueOnStartup(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), []models.SyncOperation{
		{ID: "op-1", Type: models.OpCreate, Collection: "farmers", Status: models.StatusPending, EnqueuedAt: time.Now()},
		{ID: "op-2", Type: models.OpDelete, Collection: "fields", Status: models.StatusFailed, RetryCount: 3, EnqueuedAt: time.Now()},
	}))

	hub := events.NewHub()
	logger := zerolog.Nop()
	c := NewCoordinator(store, executor.StaticResolver{}, hub, nil, Options{MaxRetries: 3, RetryDelay: time.Hour}, &logger)

	snapshot := c.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "op-1", snapshot[0].ID)
	assert.Equal(t, 2, c.PendingCount())
}
