package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"agrosync/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// SQLiteStore keeps the serialized queue in a single-row sqlite table. The
// file survives process restarts; the row is overwritten on every save.
type SQLiteStore struct {
	db     *sql.DB
	logger *zerolog.Logger
}

func NewSQLiteStore(path string, logger *zerolog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connect to queue database: %w", err)
	}

	query := `CREATE TABLE IF NOT EXISTS sync_queue (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        data TEXT NOT NULL,
        updated_at DATETIME NOT NULL
    )`
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("create sync_queue table: %w", err)
	}

	logger.Info().Str("path", path).Msg("queue store initialized")
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) []models.SyncOperation {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sync_queue WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("queue load failed, starting with an empty queue")
		return nil
	}

	var ops []models.SyncOperation
	if err := json.Unmarshal([]byte(data), &ops); err != nil {
		s.logger.Warn().Err(err).Msg("queue content not parseable, starting with an empty queue")
		return nil
	}
	return ops
}

func (s *SQLiteStore) Save(ctx context.Context, ops []models.SyncOperation) error {
	if ops == nil {
		ops = []models.SyncOperation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	query := `INSERT INTO sync_queue (id, data, updated_at) VALUES (1, ?, ?)
              ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, string(data), time.Now()); err != nil {
		return fmt.Errorf("write queue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
