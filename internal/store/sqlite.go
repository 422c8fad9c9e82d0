package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/rslattery/workgraph/internal/work"
)

// SQLiteStore persists the record as a single-row snapshot table. The
// write transaction takes the role of the advisory lock: BEGIN IMMEDIATE
// serializes writers, and the busy timeout bounds the wait the same way
// the file lock's acquire timeout does.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	revision INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	record BLOB NOT NULL
);
`

// OpenSQLite opens (creating if needed) a SQLite-backed store at path.
// busyTimeout bounds how long a writer waits for a competing transaction.
func OpenSQLite(path string, busyTimeout time.Duration, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// A single connection keeps transaction semantics predictable.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Exists reports whether a record has been initialized in this store.
func (s *SQLiteStore) Exists() bool {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM snapshot WHERE id = 1").Scan(&n); err != nil {
		return false
	}
	return n > 0
}

// Init seeds the store with a freshly authored record.
func (s *SQLiteStore) Init(ctx context.Context, rec *work.Record) error {
	rec = rec.Clone()
	rec.Normalize()
	rec.Revision = 1
	rec.LastUpdated = time.Now().UTC()
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO snapshot (id, revision, updated_at, record) VALUES (1, ?, ?, ?)",
		rec.Revision, rec.LastUpdated.Format(time.RFC3339Nano), data)
	if err != nil {
		return fmt.Errorf("init record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record already exists")
	}
	return nil
}

// Read returns the latest committed snapshot.
func (s *SQLiteStore) Read() (*work.Record, error) {
	var data []byte
	err := s.db.QueryRow("SELECT record FROM snapshot WHERE id = 1").Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no record in store (run init first)")
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	var rec work.Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	return &rec, nil
}

// Update applies fn inside an immediate write transaction.
func (s *SQLiteStore) Update(ctx context.Context, fn Mutator) (*work.Record, error) {
	return s.update(ctx, -1, fn)
}

// UpdateIf is the optimistic variant of Update.
func (s *SQLiteStore) UpdateIf(ctx context.Context, baseRevision int64, fn Mutator) (*work.Record, error) {
	return s.update(ctx, baseRevision, fn)
}

func (s *SQLiteStore) update(ctx context.Context, baseRevision int64, fn Mutator) (*work.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapBusy(err)
	}
	defer tx.Rollback()

	var data []byte
	if err := tx.QueryRowContext(ctx, "SELECT record FROM snapshot WHERE id = 1").Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no record in store (run init first)")
		}
		return nil, mapBusy(err)
	}
	var before work.Record
	if err := yaml.Unmarshal(data, &before); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	if baseRevision >= 0 && before.Revision != baseRevision {
		return nil, &ConflictError{Base: baseRevision, Current: before.Revision}
	}

	after := before.Clone()
	if err := fn(after); err != nil {
		return nil, err
	}
	commit(&before, after)

	out, err := yaml.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE snapshot SET revision = ?, updated_at = ?, record = ? WHERE id = 1",
		after.Revision, after.LastUpdated.Format(time.RFC3339Nano), out)
	if err != nil {
		return nil, mapBusy(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapBusy(err)
	}
	return after, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// mapBusy translates a busy-timeout expiry into the store's lock timeout.
func mapBusy(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %s", ErrLockTimeout, msg)
	}
	return err
}
