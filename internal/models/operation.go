package models

import (
	"encoding/json"
	"time"
)

// Operation types accepted by the queue.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Operation statuses.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// SyncOperation is one pending or recently attempted remote mutation.
// COMPLETED is transient: a completed operation is removed from the queue
// immediately and never reaches the durable store.
type SyncOperation struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Collection string          `json:"collection"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	Status     string          `json:"status"`
	LastError  string          `json:"last_error,omitempty"`
}

// Clone returns an independent copy of the operation, including its payload.
func (op SyncOperation) Clone() SyncOperation {
	cp := op
	if op.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), op.Payload...)
	}
	return cp
}

// IsDead reports whether the operation has exhausted its retry budget and is
// excluded from automatic reprocessing.
func (op SyncOperation) IsDead(maxRetries int) bool {
	return op.Status == StatusFailed && op.RetryCount >= maxRetries
}

// ValidType reports whether t is one of the accepted operation types.
func ValidType(t string) bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}
