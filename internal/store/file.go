package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rslattery/workgraph/internal/lock"
	"github.com/rslattery/workgraph/internal/work"
)

// RecordFileName is the snapshot file inside the workgraph directory.
const RecordFileName = "record.yaml"

// LockFileName is the sibling lock file guarding the snapshot.
const LockFileName = "record.lock"

// FileStore persists the record as a YAML snapshot guarded by a file lock.
// Writes go through a temp file and rename, so a reader never observes a
// partially written record.
type FileStore struct {
	dir    string
	locker lock.Locker
	logger *slog.Logger
}

// NewFileStore creates a file store rooted at dir. If locker is nil, a
// FileLock with default settings is used.
func NewFileStore(dir, owner string, locker lock.Locker, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.NewFileLock(filepath.Join(dir, LockFileName), owner, lock.WithLogger(logger))
	}
	return &FileStore{dir: dir, locker: locker, logger: logger}, nil
}

func (s *FileStore) recordPath() string {
	return filepath.Join(s.dir, RecordFileName)
}

// Exists reports whether a record has been initialized in this store.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.recordPath())
	return err == nil
}

// Init seeds the store with a freshly authored record. Fails if a record
// already exists. The existence check runs under the lock so concurrent
// inits cannot both pass it.
func (s *FileStore) Init(ctx context.Context, rec *work.Record) error {
	h, err := s.locker.Acquire(ctx)
	if err != nil {
		return wrapLockErr(err)
	}
	defer h.Release()

	if s.Exists() {
		return fmt.Errorf("record already exists at %s", s.recordPath())
	}

	rec = rec.Clone()
	rec.Normalize()
	rec.Revision = 1
	return s.write(rec)
}

// Read returns the latest committed snapshot without touching the lock.
func (s *FileStore) Read() (*work.Record, error) {
	data, err := os.ReadFile(s.recordPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no record at %s (run init first)", s.recordPath())
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	var rec work.Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	return &rec, nil
}

// Update applies fn under the lock and commits atomically.
func (s *FileStore) Update(ctx context.Context, fn Mutator) (*work.Record, error) {
	return s.update(ctx, -1, fn)
}

// UpdateIf applies fn only if the committed revision still equals
// baseRevision.
func (s *FileStore) UpdateIf(ctx context.Context, baseRevision int64, fn Mutator) (*work.Record, error) {
	return s.update(ctx, baseRevision, fn)
}

func (s *FileStore) update(ctx context.Context, baseRevision int64, fn Mutator) (*work.Record, error) {
	h, err := s.locker.Acquire(ctx)
	if err != nil {
		return nil, wrapLockErr(err)
	}
	defer h.Release()

	before, err := s.Read()
	if err != nil {
		return nil, err
	}
	if baseRevision >= 0 && before.Revision != baseRevision {
		return nil, &ConflictError{Base: baseRevision, Current: before.Revision}
	}

	after := before.Clone()
	if err := fn(after); err != nil {
		return nil, err
	}
	commit(before, after)

	if err := s.write(after); err != nil {
		return nil, err
	}
	return after, nil
}

// write commits the snapshot via temp file and rename.
func (s *FileStore) write(rec *work.Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	tmp := s.recordPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp, s.recordPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

// Close releases store resources. The file store holds none.
func (s *FileStore) Close() error { return nil }

func wrapLockErr(err error) error {
	var te *lock.TimeoutError
	if errors.As(err, &te) {
		return fmt.Errorf("%w: %s", ErrLockTimeout, te.Error())
	}
	return err
}
