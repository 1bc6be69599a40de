package queue

import (
	"context"
	"sync"

	"agrosync/internal/models"
)

// MemoryStore holds the queue in process memory only. It satisfies the Store
// contract for tests and for running without any durable medium.
type MemoryStore struct {
	mu  sync.Mutex
	ops []models.SyncOperation

	// FailSaves makes every Save return an error, for exercising the
	// persistence-failure path in tests.
	FailSaves bool
	SaveCalls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) []models.SyncOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneOps(s.ops)
}

func (s *MemoryStore) Save(ctx context.Context, ops []models.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveCalls++
	if s.FailSaves {
		return errSaveFailed
	}
	s.ops = cloneOps(ops)
	return nil
}

var errSaveFailed = &saveError{}

type saveError struct{}

func (*saveError) Error() string { return "memory store: save disabled" }
