// Package store provides the durable, lock-guarded record of all status.
// All mutation is serialized through the store's update contract; no other
// component writes the record directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rslattery/workgraph/internal/work"
)

// Sentinel errors for the retryable failure modes. Both leave the committed
// record untouched; callers retry (after re-reading, for a conflict).
var (
	// ErrLockTimeout means the advisory lock could not be acquired in time.
	ErrLockTimeout = errors.New("status store: lock acquisition timed out")
	// ErrStatusConflict means the caller's base revision is stale; re-read
	// and retry.
	ErrStatusConflict = errors.New("status store: revision conflict")
)

// ConflictError wraps ErrStatusConflict with the revisions involved.
type ConflictError struct {
	Base    int64
	Current int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("status store: revision conflict (base %d, current %d)", e.Base, e.Current)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrStatusConflict
}

// Mutator is a pure function from the current snapshot to a new one. It
// runs against a clone under the lock; returning an error aborts the update
// without committing anything.
type Mutator func(*work.Record) error

// Store is the read/update contract over the persisted status record.
// Read never blocks on the lock; Update serializes all writers through it.
// Revisions are strictly increasing and contiguous across successful updates.
type Store interface {
	// Read returns the latest committed snapshot.
	Read() (*work.Record, error)

	// Update applies the mutator under the lock and commits atomically.
	Update(ctx context.Context, fn Mutator) (*work.Record, error)

	// UpdateIf is the optimistic variant: it fails with ErrStatusConflict
	// if the committed revision no longer equals baseRevision.
	UpdateIf(ctx context.Context, baseRevision int64, fn Mutator) (*work.Record, error)

	Close() error
}

// commit finalizes a mutated clone: bumps per-item revisions for items
// whose status changed, bumps the record revision, restamps, and recounts.
func commit(before, after *work.Record) {
	for pi := range after.Plans {
		p := &after.Plans[pi]
		for ii := range p.Items {
			it := &p.Items[ii]
			old, err := before.Item(work.Ref{Plan: p.ID, Item: it.ID})
			if err == nil && old.Status != it.Status {
				it.Revision++
			}
		}
	}
	after.Revision = before.Revision + 1
	after.LastUpdated = time.Now().UTC()
	after.Recount()
}
