package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"agrosync/internal/events"
	"agrosync/internal/executor"
	"agrosync/internal/metrics"
	"agrosync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OnlineFunc reports whether the process currently has connectivity. A nil
// check is treated as always online.
type OnlineFunc func() bool

// Options tune the coordinator. Zero values fall back to the package
// defaults in models.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Coordinator is the single owner of the live queue. All mutations of queue
// state happen here; external readers only ever get defensive copies. It is
// constructed once at startup and passed by reference to its consumers.
type Coordinator struct {
	store      Store
	resolver   executor.Resolver
	hub        *events.Hub
	online     OnlineFunc
	logger     zerolog.Logger
	maxRetries int
	retryDelay time.Duration

	mu  sync.Mutex // guards ops
	ops []models.SyncOperation

	// commitMu serializes durable writes: the snapshot clone and the Save
	// are one critical section, so writes reach the store in snapshot
	// order and a stale snapshot can never overwrite a newer one.
	commitMu sync.Mutex

	// processing is the non-reentrant pass guard. An atomic test-and-set
	// rather than a plain flag: passes may be triggered from several
	// goroutines (enqueue, connectivity monitor, retry timer, admin API).
	processing atomic.Bool
}

// NewCoordinator loads the durable queue and returns the coordinator that
// owns it from here on.
func NewCoordinator(store Store, resolver executor.Resolver, hub *events.Hub, online OnlineFunc, opts Options, logger *zerolog.Logger) *Coordinator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = models.DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = models.DefaultRetryDelay
	}

	c := &Coordinator{
		store:      store,
		resolver:   resolver,
		hub:        hub,
		online:     online,
		logger:     logger.With().Str("component", "queue").Logger(),
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
	}

	c.ops = store.Load(context.Background())

	// An attempt interrupted by a crash is persisted as IN_PROGRESS and
	// would never be selected again. Reset it to PENDING; its retry count
	// is already charged, so the budget still holds.
	recovered := 0
	for i := range c.ops {
		if c.ops[i].Status == models.StatusInProgress {
			c.ops[i].Status = models.StatusPending
			recovered++
		}
	}
	if recovered > 0 {
		c.logger.Info().Int("recovered", recovered).Msg("interrupted attempts reset to pending")
	}

	c.logger.Info().Int("operations", len(c.ops)).Msg("queue loaded")
	c.updateGauges()
	return c
}

// MaxRetries returns the configured retry budget.
func (c *Coordinator) MaxRetries() int {
	return c.maxRetries
}

// Enqueue records a new mutation intent, persists it and kicks off a
// processing pass in the background. It never fails; the assigned operation
// id is returned.
func (c *Coordinator) Enqueue(opType, collection string, payload []byte) string {
	op := models.SyncOperation{
		ID:         uuid.NewString(),
		Type:       opType,
		Collection: collection,
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: time.Now(),
		RetryCount: 0,
		Status:     models.StatusPending,
	}

	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()

	c.logger.Info().
		Str("op_id", op.ID).
		Str("type", opType).
		Str("collection", collection).
		Msg("operation enqueued")

	c.commit(context.Background())
	go c.ProcessQueue(context.Background())

	return op.ID
}

// Snapshot returns an independent copy of the queue in insertion order.
func (c *Coordinator) Snapshot() []models.SyncOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneOps(c.ops)
}

// PendingCount counts operations that still represent pending work from the
// caller's perspective: everything PENDING plus everything FAILED, including
// dead entries awaiting operator attention.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, op := range c.ops {
		if op.Status == models.StatusPending || op.Status == models.StatusFailed {
			count++
		}
	}
	return count
}

// ClearFailed removes FAILED operations from the queue: the one matching id,
// or every dead entry when id is empty. The bulk form never touches entries
// still under the retry cap, so recoverable work survives it; dropping one
// of those takes an explicit id. Returns how many were removed. This is the
// only way a dead operation leaves the queue.
func (c *Coordinator) ClearFailed(id string) int {
	c.mu.Lock()
	kept := c.ops[:0]
	removed := 0
	for _, op := range c.ops {
		if op.Status == models.StatusFailed {
			drop := op.ID == id
			if id == "" {
				drop = op.IsDead(c.maxRetries)
			}
			if drop {
				removed++
				continue
			}
		}
		kept = append(kept, op)
	}
	c.ops = kept
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Info().Int("removed", removed).Msg("failed operations cleared")
		c.commit(context.Background())
	}
	return removed
}

// ProcessQueue runs one pass over the current candidate set. It is
// idempotent and non-reentrant: a call while a pass is already running, or
// while the process is offline, returns immediately. The pass never raises
// an error outward; callers inspect Snapshot/PendingCount instead.
func (c *Coordinator) ProcessQueue(ctx context.Context) {
	if c.online != nil && !c.online() {
		c.logger.Debug().Msg("offline, skipping pass")
		return
	}

	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)

	candidates := c.candidateIDs()
	if len(candidates) == 0 {
		return
	}

	c.logger.Info().Int("candidates", len(candidates)).Msg("processing pass started")

	for _, id := range candidates {
		c.processOne(ctx, id)
	}

	// Flat delay, no backoff. Several trigger sources can schedule
	// overlapping timers; redundant passes are no-ops under the guard.
	if c.PendingCount() > 0 {
		time.AfterFunc(c.retryDelay, func() {
			c.ProcessQueue(context.Background())
		})
	}
}

// candidateIDs selects, in queue order, every PENDING operation and every
// FAILED one still under the retry cap.
func (c *Coordinator) candidateIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, op := range c.ops {
		switch op.Status {
		case models.StatusPending:
			ids = append(ids, op.ID)
		case models.StatusFailed:
			if op.RetryCount < c.maxRetries {
				ids = append(ids, op.ID)
			}
		}
	}
	return ids
}

func (c *Coordinator) processOne(ctx context.Context, id string) {
	// Mark the attempt before dispatching so a crash mid-pass still leaves
	// an accurate retry count in the durable store.
	attempt, ok := c.markInProgress(id)
	if !ok {
		return
	}
	c.commit(ctx)

	exec := c.resolver.Resolve()
	if exec == nil {
		metrics.IncAttempt(metrics.ResultUnavailable)
		c.markFailed(id, "executor unavailable")
		c.commit(ctx)
		return
	}

	_, err := exec.Execute(ctx, attempt)
	if err != nil {
		var remoteErr *executor.RemoteError
		if errors.As(err, &remoteErr) {
			metrics.IncAttempt(metrics.ResultRejected)
		} else {
			metrics.IncAttempt(metrics.ResultTransport)
		}
		msg := err.Error()
		if msg == "" {
			msg = "unknown error"
		}
		c.logger.Warn().
			Str("op_id", id).
			Int("retry_count", attempt.RetryCount).
			Str("error", msg).
			Msg("operation failed")
		c.markFailed(id, msg)
		c.commit(ctx)
		return
	}

	metrics.IncAttempt(metrics.ResultSuccess)
	c.logger.Info().Str("op_id", id).Msg("operation applied remotely")
	c.remove(id)
	c.commit(ctx)
}

// markInProgress transitions the operation to IN_PROGRESS and increments its
// retry count, returning a copy for dispatch.
func (c *Coordinator) markInProgress(id string) (models.SyncOperation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.ops {
		if c.ops[i].ID == id {
			c.ops[i].Status = models.StatusInProgress
			c.ops[i].RetryCount++
			return c.ops[i].Clone(), true
		}
	}
	return models.SyncOperation{}, false
}

func (c *Coordinator) markFailed(id, lastError string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.ops {
		if c.ops[i].ID == id {
			c.ops[i].Status = models.StatusFailed
			c.ops[i].LastError = lastError
			return
		}
	}
}

func (c *Coordinator) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.ops[:0]
	for _, op := range c.ops {
		if op.ID != id {
			kept = append(kept, op)
		}
	}
	c.ops = kept
}

// commit overwrites the durable mirror with the current queue and notifies
// hub subscribers. A write failure is logged and swallowed: the in-memory
// queue remains authoritative for this process lifetime, at the cost of
// durability across a restart.
func (c *Coordinator) commit(ctx context.Context) {
	c.commitMu.Lock()
	c.mu.Lock()
	snapshot := cloneOps(c.ops)
	c.mu.Unlock()
	err := c.store.Save(ctx, snapshot)
	c.commitMu.Unlock()

	if err != nil {
		metrics.IncPersistFailure()
		c.logger.Error().Err(err).Msg("queue persist failed, in-memory queue remains authoritative")
	}

	c.updateGauges()
	c.hub.Notify()
}

func (c *Coordinator) updateGauges() {
	c.mu.Lock()
	total := len(c.ops)
	dead := 0
	for _, op := range c.ops {
		if op.IsDead(c.maxRetries) {
			dead++
		}
	}
	c.mu.Unlock()

	metrics.SetQueueDepth(total)
	metrics.SetDeadOperations(dead)
}
