package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"agrosync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	logger := zerolog.Nop()
	store, err := NewSQLiteStore(path, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func sampleOps() []models.SyncOperation {
	return []models.SyncOperation{
		{
			ID:         "op-1",
			Type:       models.OpCreate,
			Collection: "farmers",
			Payload:    json.RawMessage(`{"name":"Alice"}`),
			EnqueuedAt: time.Now().Truncate(time.Second),
			Status:     models.StatusPending,
		},
		{
			ID:         "op-2",
			Type:       models.OpDelete,
			Collection: "fields",
			Payload:    json.RawMessage(`{"id":"f1"}`),
			EnqueuedAt: time.Now().Truncate(time.Second),
			RetryCount: 2,
			Status:     models.StatusFailed,
			LastError:  "conflict",
		},
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	ops := sampleOps()
	require.NoError(t, store.Save(ctx, ops))

	loaded := store.Load(ctx)
	require.Len(t, loaded, 2)
	assert.Equal(t, "op-1", loaded[0].ID)
	assert.Equal(t, "op-2", loaded[1].ID)
	assert.Equal(t, 2, loaded[1].RetryCount)
	assert.Equal(t, "conflict", loaded[1].LastError)

	// save(load()) must be a no-op on the next load.
	require.NoError(t, store.Save(ctx, loaded))
	again := store.Load(ctx)
	assert.Equal(t, loaded, again)
}

func TestSQLiteStoreEmptyOnFirstLoad(t *testing.T) {
	store, _ := newSQLiteStore(t)
	assert.Empty(t, store.Load(context.Background()))
}

func TestSQLiteStoreOverwrites(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleOps()))
	require.NoError(t, store.Save(ctx, nil))

	assert.Empty(t, store.Load(ctx))
}

func TestSQLiteStoreCorruptContentDegradesToEmpty(t *testing.T) {
	store, path := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sampleOps()))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`UPDATE sync_queue SET data = 'not json' WHERE id = 1`)
	require.NoError(t, err)

	assert.Empty(t, store.Load(ctx))
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	logger := zerolog.Nop()
	ctx := context.Background()

	store, err := NewSQLiteStore(path, &logger)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, sampleOps()))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path, &logger)
	require.NoError(t, err)
	defer reopened.Close()

	loaded := reopened.Load(ctx)
	require.Len(t, loaded, 2)
	assert.Equal(t, "op-1", loaded[0].ID)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleOps()))
	loaded := store.Load(ctx)
	require.Len(t, loaded, 2)

	// Mutating a loaded copy must not leak back into the store.
	loaded[0].Status = models.StatusCompleted
	assert.Equal(t, models.StatusPending, store.Load(ctx)[0].Status)
}
