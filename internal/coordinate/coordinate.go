// Package coordinate dispatches executable work items to external workers
// and feeds their results back into the status store, one update per item.
package coordinate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rslattery/workgraph/internal/events"
	"github.com/rslattery/workgraph/internal/schedule"
	"github.com/rslattery/workgraph/internal/store"
	"github.com/rslattery/workgraph/internal/work"
)

// Result classifies a worker report.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	// ResultIncomplete means the worker made progress but did not finish;
	// the item stays InProgress and is picked up by a later cycle.
	ResultIncomplete Result = "incomplete"
)

// Status returns the item status a result maps to.
func (r Result) Status() work.Status {
	switch r {
	case ResultSuccess:
		return work.StatusCompleted
	case ResultFailure:
		return work.StatusFailed
	default:
		return work.StatusInProgress
	}
}

// Outcome is one worker report for one item.
type Outcome struct {
	Ref    work.Ref `json:"ref"`
	Result Result   `json:"result"`
	Detail string   `json:"detail,omitempty"`
}

// Worker executes a single work item. Workers share no memory with the
// coordinator or each other; their only interaction with shared state is
// the coordinator's discrete store updates. Worker-level timeouts are the
// worker's own concern.
type Worker interface {
	Execute(ctx context.Context, ref work.Ref, item work.Item) (Result, string, error)
}

// Coordinator submits executable items to workers under a concurrency
// bound.
type Coordinator struct {
	store     store.Store
	worker    Worker
	publisher events.Publisher
	logger    *slog.Logger
}

// New creates a coordinator. A nil publisher discards events.
func New(st store.Store, worker Worker, publisher events.Publisher, logger *slog.Logger) *Coordinator {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: st, worker: worker, publisher: publisher, logger: logger}
}

// Dispatch runs up to limit items from the executable set concurrently.
// Each item is marked InProgress when submitted and gets exactly one final
// store update when its worker reports, so partial progress is visible to
// other readers immediately. A failure marks the item Failed without
// automatic retry. Cancellation is cooperative: no new items are submitted
// after ctx is done, and in-flight workers run to their own completion.
func (c *Coordinator) Dispatch(ctx context.Context, set *schedule.Set, limit int) ([]Outcome, error) {
	if limit < 1 {
		limit = 1
	}
	runnable := set.Runnable()

	var (
		g        errgroup.Group
		outcomes = make([]Outcome, 0, len(runnable))
		results  = make(chan Outcome, len(runnable))
	)
	g.SetLimit(limit)

	// Cancellation gates submission only. Already-dispatched workers run to
	// their own completion and their outcomes are still recorded, so they
	// execute under a context detached from the cancellation signal.
	workCtx := context.WithoutCancel(ctx)

	submitted := 0
	for _, d := range runnable {
		if ctx.Err() != nil {
			break
		}
		ref := d.Ref
		item, err := c.markInProgress(ctx, ref)
		if err != nil {
			if errors.Is(err, errGroupBusy) {
				c.logger.Info("item held back", "item", ref.String(), "reason", err)
			} else {
				c.logger.Error("mark in progress failed", "item", ref.String(), "error", err)
			}
			continue
		}
		submitted++
		g.Go(func() error {
			c.runOne(workCtx, ref, item, results)
			return nil
		})
	}

	// Workers never return errors through the group; reports flow through
	// the results channel.
	_ = g.Wait()
	close(results)
	for o := range results {
		outcomes = append(outcomes, o)
	}

	c.publisher.Publish(events.Event{
		Type: events.EventDispatchDone,
		Data: map[string]any{"submitted": submitted, "reported": len(outcomes)},
	})
	return outcomes, nil
}

// errGroupBusy holds back a non-parallelizable item whose exclusivity group
// already has an item in progress. Two such items can be runnable against
// the same snapshot; the store update is where the second one loses.
var errGroupBusy = errors.New("exclusivity group busy")

func (c *Coordinator) markInProgress(ctx context.Context, ref work.Ref) (work.Item, error) {
	var item work.Item
	_, err := c.store.Update(ctx, func(rec *work.Record) error {
		it, err := rec.Item(ref)
		if err != nil {
			return err
		}
		if it.Status != work.StatusNotStarted {
			return fmt.Errorf("item %s is %s, expected %s", ref, it.Status, work.StatusNotStarted)
		}
		if !it.Parallelizable {
			grp := work.Group(ref.Plan, it)
			for pi := range rec.Plans {
				p := &rec.Plans[pi]
				for ii := range p.Items {
					o := &p.Items[ii]
					if o.Status == work.StatusInProgress && work.Group(p.ID, o) == grp {
						return fmt.Errorf("%w: %s is running in group %s", errGroupBusy,
							work.Ref{Plan: p.ID, Item: o.ID}, grp)
					}
				}
			}
		}
		it.Status = work.StatusInProgress
		item = *it
		return nil
	})
	return item, err
}

// runOne executes a single item and records its final status.
func (c *Coordinator) runOne(ctx context.Context, ref work.Ref, item work.Item, results chan<- Outcome) {
	c.logger.Info("item started", "item", ref.String())
	c.publisher.Publish(events.Event{Type: events.EventItemStarted, Plan: ref.Plan, Item: ref.Item})

	result, detail, err := c.worker.Execute(ctx, ref, item)
	if err != nil {
		result = ResultFailure
		if detail == "" {
			detail = err.Error()
		}
	}

	outcome := Outcome{Ref: ref, Result: result, Detail: detail}
	if err := c.Record(ctx, outcome); err != nil {
		c.logger.Error("record outcome failed", "item", ref.String(), "error", err)
		outcome.Detail = strings.TrimSpace(outcome.Detail + "; record failed: " + err.Error())
	}
	results <- outcome
}

// Record applies one worker outcome to the store. This is the same path
// external tooling uses to report results.
func (c *Coordinator) Record(ctx context.Context, outcome Outcome) error {
	status := outcome.Result.Status()
	_, err := c.store.Update(ctx, func(rec *work.Record) error {
		it, err := rec.Item(outcome.Ref)
		if err != nil {
			return err
		}
		it.Status = status
		return nil
	})
	if err != nil {
		return err
	}

	evType := events.EventItemCompleted
	if outcome.Result == ResultFailure {
		evType = events.EventItemFailed
	}
	c.publisher.Publish(events.Event{
		Type: evType,
		Plan: outcome.Ref.Plan,
		Item: outcome.Ref.Item,
		Data: map[string]any{"result": string(outcome.Result)},
	})
	c.logger.Info("item reported",
		"item", outcome.Ref.String(),
		"result", string(outcome.Result),
		"status", string(status))
	return nil
}

// CommandWorker delegates item execution to an external command, keeping
// actual work outside the core. The command receives the plan ID, item ID
// and deliverable as arguments; exit status 0 is success, exit status 75
// (EX_TEMPFAIL) is incomplete, anything else is failure.
type CommandWorker struct {
	Command []string
	Dir     string
}

// IncompleteExitCode is the exit status a worker uses to report partial
// progress.
const IncompleteExitCode = 75

// Execute implements Worker.
func (w *CommandWorker) Execute(ctx context.Context, ref work.Ref, item work.Item) (Result, string, error) {
	if len(w.Command) == 0 {
		return ResultFailure, "", fmt.Errorf("no worker command configured")
	}
	args := append(append([]string(nil), w.Command[1:]...), ref.Plan, ref.Item, item.Deliverable)
	cmd := exec.CommandContext(ctx, w.Command[0], args...)
	cmd.Dir = w.Dir
	out, err := cmd.CombinedOutput()
	detail := strings.TrimSpace(string(out))
	if err == nil {
		return ResultSuccess, detail, nil
	}
	if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == IncompleteExitCode {
		return ResultIncomplete, detail, nil
	}
	return ResultFailure, detail, err
}
