package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"agrosync/internal/models"
)

// Result carries whatever the remote returned for a successful call. The
// queue core does not inspect it.
type Result struct {
	Data json.RawMessage
}

// Executor applies a single mutation against a named remote collection.
// An error return is either a *RemoteError (the remote completed the call
// and rejected it) or a transport failure from the call itself.
type Executor interface {
	Execute(ctx context.Context, op models.SyncOperation) (*Result, error)
	Ping(ctx context.Context) error
}

// Resolver hands out an executor, or nil when none is configured. The
// coordinator resolves per attempt so an executor configured mid-flight is
// picked up on the next pass.
type Resolver interface {
	Resolve() Executor
}

// RemoteError is a domain rejection reported by the remote datastore,
// distinct from a transport failure.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote rejected request (status %d)", e.StatusCode)
	}
	return e.Message
}

// StaticResolver always resolves to the same executor. A nil inner executor
// models the unconfigured case.
type StaticResolver struct {
	Exec Executor
}

func (r StaticResolver) Resolve() Executor {
	return r.Exec
}
