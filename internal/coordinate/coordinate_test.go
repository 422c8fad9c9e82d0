package coordinate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rslattery/workgraph/internal/events"
	"github.com/rslattery/workgraph/internal/graph"
	"github.com/rslattery/workgraph/internal/schedule"
	"github.com/rslattery/workgraph/internal/store"
	"github.com/rslattery/workgraph/internal/work"
)

// funcWorker adapts a function to the Worker interface.
type funcWorker func(ctx context.Context, ref work.Ref, item work.Item) (Result, string, error)

func (f funcWorker) Execute(ctx context.Context, ref work.Ref, item work.Item) (Result, string, error) {
	return f(ctx, ref, item)
}

func newStore(t *testing.T, items ...work.Item) *store.FileStore {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), ".workgraph"), "test", nil, nil)
	require.NoError(t, err)
	rec := &work.Record{
		Phases: []work.Phase{{ID: "ph1", Rule: work.GateAllComplete, Plans: []string{"p1"}}},
		Plans:  []work.Plan{{ID: "p1", Phase: "ph1", Items: items}},
	}
	require.NoError(t, s.Init(context.Background(), rec))
	return s
}

func executable(t *testing.T, s store.Store) *schedule.Set {
	t.Helper()
	rec, err := s.Read()
	require.NoError(t, err)
	g, err := graph.Build(rec)
	require.NoError(t, err)
	return schedule.Executable(g, rec, schedule.Filter{})
}

func itemStatus(t *testing.T, s store.Store, id string) work.Status {
	t.Helper()
	rec, err := s.Read()
	require.NoError(t, err)
	it, err := rec.Item(work.Ref{Plan: "p1", Item: id})
	require.NoError(t, err)
	return it.Status
}

func TestResultStatusMapping(t *testing.T) {
	assert.Equal(t, work.StatusCompleted, ResultSuccess.Status())
	assert.Equal(t, work.StatusFailed, ResultFailure.Status())
	assert.Equal(t, work.StatusInProgress, ResultIncomplete.Status())
}

func TestDispatchSuccess(t *testing.T) {
	// Parallelizable items so both are runnable in one pass.
	s := newStore(t,
		work.Item{ID: "t1", Parallelizable: true},
		work.Item{ID: "t2", Parallelizable: true},
	)
	pub := events.NewMemoryPublisher()
	defer pub.Close()
	ch := pub.Subscribe()

	worker := funcWorker(func(ctx context.Context, ref work.Ref, item work.Item) (Result, string, error) {
		return ResultSuccess, "done", nil
	})
	c := New(s, worker, pub, nil)

	outcomes, err := c.Dispatch(context.Background(), executable(t, s), 2)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, ResultSuccess, o.Result)
	}
	assert.Equal(t, work.StatusCompleted, itemStatus(t, s, "t1"))
	assert.Equal(t, work.StatusCompleted, itemStatus(t, s, "t2"))

	var types []events.Type
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Contains(t, types, events.EventItemStarted)
	assert.Contains(t, types, events.EventItemCompleted)
	assert.Contains(t, types, events.EventDispatchDone)
}

func TestDispatchFailureMarksFailedWithoutRetry(t *testing.T) {
	s := newStore(t,
		work.Item{ID: "t1"},
		work.Item{ID: "t2", DependsOn: []string{"t1"}},
	)
	calls := 0
	worker := funcWorker(func(ctx context.Context, ref work.Ref, item work.Item) (Result, string, error) {
		calls++
		return ResultFailure, "compile error", nil
	})
	c := New(s, worker, nil, nil)

	outcomes, err := c.Dispatch(context.Background(), executable(t, s), 1)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ResultFailure, outcomes[0].Result)
	assert.Equal(t, 1, calls)
	assert.Equal(t, work.StatusFailed, itemStatus(t, s, "t1"))

	// The next cycle dispatches nothing: t1 stays failed, t2 is blocked.
	set := executable(t, s)
	assert.True(t, set.Empty())
	outcomes, err = c.Dispatch(context.Background(), set, 1)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Equal(t, 1, calls)
}

func TestDispatchIncompleteStaysInProgress(t *testing.T) {
	s := newStore(t, work.Item{ID: "t1"})
	worker := funcWorker(func(ctx context.Context, ref work.Ref, item work.Item) (Result, string, error) {
		return ResultIncomplete, "half done", nil
	})
	c := New(s, worker, nil, nil)

	outcomes, err := c.Dispatch(context.Background(), executable(t, s), 1)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ResultIncomplete, outcomes[0].Result)
	assert.Equal(t, work.StatusInProgress, itemStatus(t, s, "t1"))
}

func TestDispatchWorkerError(t *testing.T) {
	s := newStore(t, work.Item{ID: "t1"})
	worker := funcWorker(func(ctx context.Context, ref work.Ref, item work.Item) (Result, string, error) {
		return ResultSuccess, "", errors.New("worker crashed")
	})
	c := New(s, worker, nil, nil)

	outcomes, err := c.Dispatch(context.Background(), executable(t, s), 1)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ResultFailure, outcomes[0].Result)
	assert.Equal(t, "worker crashed", outcomes[0].Detail)
	assert.Equal(t, work.StatusFailed, itemStatus(t, s, "t1"))
}

func TestDispatchHonorsConcurrencyLimit(t *testing.T) {
	const n = 6
	items := make([]work.Item, n)
	for i := range items {
		items[i] = work.Item{ID: string(rune('a' + i)), Parallelizable: true}
	}
	s := newStore(t, items...)

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	worker := funcWorker(func(ctx context.Context, ref work.Ref, item work.Item) (Result, string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return ResultSuccess, "", nil
	})
	c := New(s, worker, nil, nil)

	outcomes, err := c.Dispatch(context.Background(), executable(t, s), 2)
	require.NoError(t, err)
	assert.Len(t, outcomes, n)
	assert.LessOrEqual(t, peak, 2)
}

func TestDispatchSkipsAlreadyStartedItems(t *testing.T) {
	s := newStore(t, work.Item{ID: "t1"})
	set := executable(t, s)

	// The item starts between scheduling and submission.
	_, err := s.Update(context.Background(), func(rec *work.Record) error {
		rec.Plans[0].Items[0].Status = work.StatusInProgress
		return nil
	})
	require.NoError(t, err)

	worker := funcWorker(func(ctx context.Context, ref work.Ref, item work.Item) (Result, string, error) {
		t.Error("stale item must not reach the worker")
		return ResultSuccess, "", nil
	})
	c := New(s, worker, nil, nil)

	outcomes, err := c.Dispatch(context.Background(), set, 1)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Equal(t, work.StatusInProgress, itemStatus(t, s, "t1"))
}

func TestDispatchCancellationSparesInFlightWorkers(t *testing.T) {
	s := newStore(t, work.Item{ID: "t1"})
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	worker := funcWorker(func(ctx context.Context, ref work.Ref, item work.Item) (Result, string, error) {
		close(started)
		<-release
		// Cancelling the dispatch must not reach an in-flight worker.
		if ctx.Err() != nil {
			return ResultFailure, "killed", ctx.Err()
		}
		return ResultSuccess, "", nil
	})
	c := New(s, worker, nil, nil)

	var (
		outcomes []Outcome
		err      error
		done     = make(chan struct{})
	)
	go func() {
		defer close(done)
		outcomes, err = c.Dispatch(ctx, executable(t, s), 1)
	}()

	<-started
	cancel()
	close(release)
	<-done

	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ResultSuccess, outcomes[0].Result)
	assert.Equal(t, work.StatusCompleted, itemStatus(t, s, "t1"))
}

func TestDispatchSerializesExclusivityGroup(t *testing.T) {
	// Both items are runnable against the same snapshot; only one may run
	// per cycle.
	s := newStore(t,
		work.Item{ID: "t1", ExclusivityGroup: "db"},
		work.Item{ID: "t2", ExclusivityGroup: "db"},
	)

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	worker := funcWorker(func(ctx context.Context, ref work.Ref, item work.Item) (Result, string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return ResultSuccess, "", nil
	})
	c := New(s, worker, nil, nil)

	outcomes, err := c.Dispatch(context.Background(), executable(t, s), 4)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, 1, peak)

	first := outcomes[0].Ref.Item
	other := "t2"
	if first == "t2" {
		other = "t1"
	}
	assert.Equal(t, work.StatusCompleted, itemStatus(t, s, first))
	assert.Equal(t, work.StatusNotStarted, itemStatus(t, s, other))

	// The held-back item runs in the next cycle.
	outcomes, err = c.Dispatch(context.Background(), executable(t, s), 4)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, other, outcomes[0].Ref.Item)
	assert.Equal(t, work.StatusCompleted, itemStatus(t, s, other))
}

func TestDispatchCancelledContextSubmitsNothing(t *testing.T) {
	s := newStore(t, work.Item{ID: "t1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	worker := funcWorker(func(ctx context.Context, ref work.Ref, item work.Item) (Result, string, error) {
		t.Error("nothing should be submitted after cancellation")
		return ResultSuccess, "", nil
	})
	c := New(s, worker, nil, nil)

	outcomes, err := c.Dispatch(ctx, executable(t, s), 1)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Equal(t, work.StatusNotStarted, itemStatus(t, s, "t1"))
}

func TestRecordOutcome(t *testing.T) {
	s := newStore(t, work.Item{ID: "t1", Status: work.StatusInProgress})
	c := New(s, nil, nil, nil)

	err := c.Record(context.Background(), Outcome{
		Ref:    work.Ref{Plan: "p1", Item: "t1"},
		Result: ResultSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, work.StatusCompleted, itemStatus(t, s, "t1"))

	err = c.Record(context.Background(), Outcome{
		Ref:    work.Ref{Plan: "p1", Item: "ghost"},
		Result: ResultSuccess,
	})
	assert.True(t, work.IsNotFound(err))
}

func TestCommandWorker(t *testing.T) {
	ref := work.Ref{Plan: "p1", Item: "t1"}
	item := work.Item{ID: "t1", Deliverable: "out.md"}

	tests := []struct {
		name   string
		script string
		want   Result
	}{
		{"success", "echo ok; exit 0", ResultSuccess},
		{"incomplete", "exit 75", ResultIncomplete},
		{"failure", "echo broken >&2; exit 1", ResultFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &CommandWorker{Command: []string{"sh", "-c", tt.script, "worker"}}
			result, _, _ := w.Execute(context.Background(), ref, item)
			assert.Equal(t, tt.want, result)
		})
	}
}

func TestCommandWorkerPassesArguments(t *testing.T) {
	w := &CommandWorker{Command: []string{"sh", "-c", `echo "$1 $2 $3"`, "worker"}}
	result, detail, err := w.Execute(context.Background(),
		work.Ref{Plan: "p1", Item: "t1"}, work.Item{ID: "t1", Deliverable: "out.md"})
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result)
	assert.Equal(t, "p1 t1 out.md", detail)
}

func TestCommandWorkerNoCommand(t *testing.T) {
	w := &CommandWorker{}
	result, _, err := w.Execute(context.Background(), work.Ref{}, work.Item{})
	assert.Equal(t, ResultFailure, result)
	assert.Error(t, err)
}
