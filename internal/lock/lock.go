// Package lock provides the advisory lock guarding status record updates.
// The file lock is the only synchronization primitive in the system; it can
// be swapped for a database transaction behind the Locker interface.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPollInterval is how often acquisition retries while the lock
	// is held by someone else.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultAcquireTimeout bounds how long Acquire waits before failing
	// with a TimeoutError.
	DefaultAcquireTimeout = 10 * time.Second
	// DefaultStaleness is the token age past which a lock is treated as
	// abandoned and forcibly reclaimed. Must exceed the longest expected
	// single update duration.
	DefaultStaleness = 60 * time.Second
)

// Token is the named, timestamped exclusive token written to the lock file.
type Token struct {
	ID       string    `yaml:"id"`
	Owner    string    `yaml:"owner"`
	Acquired time.Time `yaml:"acquired"`
	PID      int       `yaml:"pid"`
}

// Age returns how long ago the token was acquired.
func (t *Token) Age() time.Duration {
	return time.Since(t.Acquired)
}

// Handle represents a held lock. Release must be called exactly once.
type Handle interface {
	Release() error
}

// Locker acquires the exclusive lock for one read-modify-write cycle.
type Locker interface {
	Acquire(ctx context.Context) (Handle, error)
}

// TimeoutError is returned when the lock cannot be acquired in time.
type TimeoutError struct {
	Path   string
	Holder string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("lock %s: timed out after %s (held by %s)", e.Path, e.Waited, e.Holder)
	}
	return fmt.Sprintf("lock %s: timed out after %s", e.Path, e.Waited)
}

// FileLock implements Locker with an exclusive lock file next to the record.
type FileLock struct {
	path         string
	owner        string
	pollInterval time.Duration
	timeout      time.Duration
	staleness    time.Duration
	logger       *slog.Logger
}

// Option configures a FileLock.
type Option func(*FileLock)

// WithPollInterval sets the acquisition retry interval.
func WithPollInterval(d time.Duration) Option {
	return func(l *FileLock) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithTimeout sets the hard acquisition timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *FileLock) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithStaleness sets the abandoned-token threshold.
func WithStaleness(d time.Duration) Option {
	return func(l *FileLock) {
		if d > 0 {
			l.staleness = d
		}
	}
}

// WithLogger sets the logger used for reclaim events.
func WithLogger(logger *slog.Logger) Option {
	return func(l *FileLock) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewFileLock creates a file lock at path for the given owner.
func NewFileLock(path, owner string, opts ...Option) *FileLock {
	l := &FileLock{
		path:         path,
		owner:        owner,
		pollInterval: DefaultPollInterval,
		timeout:      DefaultAcquireTimeout,
		staleness:    DefaultStaleness,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire polls for the lock until it is obtained, the context is cancelled,
// or the timeout elapses. A token older than the staleness threshold is
// treated as abandoned by a crashed writer and forcibly reclaimed.
func (l *FileLock) Acquire(ctx context.Context) (Handle, error) {
	start := time.Now()
	deadline := start.Add(l.timeout)
	var lastHolder string

	for {
		tok, err := l.tryAcquire()
		if err == nil {
			return &fileHandle{lock: l, token: tok}, nil
		}
		held, ok := err.(*heldError)
		if !ok {
			return nil, err
		}
		lastHolder = held.token.Owner

		if held.token.Age() > l.staleness {
			l.logger.Warn("reclaiming stale lock",
				"path", l.path,
				"holder", held.token.Owner,
				"age", held.token.Age().Round(time.Millisecond))
			// Best effort: remove and retry immediately. A concurrent
			// reclaimer may win the subsequent O_EXCL create, which is fine.
			_ = os.Remove(l.path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, &TimeoutError{Path: l.path, Holder: lastHolder, Waited: time.Since(start)}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// heldError signals that the lock file exists and who holds it.
type heldError struct {
	token *Token
}

func (e *heldError) Error() string {
	return fmt.Sprintf("lock held by %s", e.token.Owner)
}

// tryAcquire attempts a single O_EXCL create of the lock file.
func (l *FileLock) tryAcquire() (*Token, error) {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		tok, rerr := l.readToken()
		if rerr != nil {
			if os.IsNotExist(rerr) {
				// Holder released between our create attempt and read.
				return nil, &heldError{token: &Token{Acquired: time.Now()}}
			}
			// Unreadable token counts as held since epoch: stale, reclaimable.
			return nil, &heldError{token: &Token{}}
		}
		return nil, &heldError{token: tok}
	}

	tok := &Token{
		ID:       uuid.NewString(),
		Owner:    l.owner,
		Acquired: time.Now().UTC(),
		PID:      os.Getpid(),
	}
	data, err := yaml.Marshal(tok)
	if err != nil {
		f.Close()
		os.Remove(l.path)
		return nil, fmt.Errorf("marshal lock token: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(l.path)
		return nil, fmt.Errorf("write lock token: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(l.path)
		return nil, fmt.Errorf("close lock file: %w", err)
	}
	return tok, nil
}

func (l *FileLock) readToken() (*Token, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := yaml.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse lock token: %w", err)
	}
	return &tok, nil
}

// fileHandle releases a held file lock.
type fileHandle struct {
	lock  *FileLock
	token *Token
}

// Release removes the lock file if our token still owns it. If a reclaimer
// took the lock while we held it past staleness, the release is a no-op.
func (h *fileHandle) Release() error {
	tok, err := h.lock.readToken()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock token: %w", err)
	}
	if tok.ID != h.token.ID {
		h.lock.logger.Warn("lock was reclaimed while held",
			"path", h.lock.path, "new_owner", tok.Owner)
		return nil
	}
	if err := os.Remove(h.lock.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
