package queue

import (
	"context"

	"agrosync/internal/models"
)

// Store is the durable mirror of the queue. One named record holds the whole
// ordered sequence; every Save is a full overwrite.
//
// Load never fails the caller: an absent medium or unparseable content
// degrades to an empty queue. A Save error is reported so the coordinator
// can log it, but the in-memory queue stays authoritative for the rest of
// the process lifetime — a documented durability hazard across restarts.
type Store interface {
	Load(ctx context.Context) []models.SyncOperation
	Save(ctx context.Context, ops []models.SyncOperation) error
}

func cloneOps(ops []models.SyncOperation) []models.SyncOperation {
	out := make([]models.SyncOperation, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}
