// Package schedule computes the set of work items currently eligible for
// execution. The computation is pure and synchronous over an immutable
// snapshot: no lock, no side effects, safe from any goroutine. A dry run
// is therefore observably identical to a real run against the same record.
package schedule

import (
	"sort"

	"github.com/rslattery/workgraph/internal/graph"
	"github.com/rslattery/workgraph/internal/work"
)

// State classifies a not-yet-completed item in the scheduling decision.
type State string

const (
	// StateRunnable means the item is executable right now.
	StateRunnable State = "runnable"
	// StateWaiting means the item is held back by something that will
	// clear on its own: an incomplete dependency, a closed phase, or a
	// busy exclusivity group.
	StateWaiting State = "waiting"
	// StateBlocked means a dependency is Blocked or Failed; the item
	// cannot proceed without intervention.
	StateBlocked State = "blocked"
)

// Decision explains the scheduling state of one item. Every NotStarted item
// that is not runnable carries a reason, so an empty executable set is
// always explainable.
type Decision struct {
	Ref      work.Ref      `json:"ref"`
	Priority work.Priority `json:"priority,omitempty"`
	State    State         `json:"state"`
	Reason   string        `json:"reason,omitempty"`

	declIndex int
}

// PlanGroup holds the decisions for one plan, runnable items first in
// dispatch order.
type PlanGroup struct {
	Plan     string     `json:"plan"`
	Runnable []Decision `json:"runnable,omitempty"`
	Held     []Decision `json:"held,omitempty"`
}

// Set is the result of one scheduling pass.
type Set struct {
	Groups []PlanGroup `json:"groups"`
}

// Runnable flattens the executable items across all groups, preserving the
// contract ordering (plan declaration order, then priority, then item
// declaration order). Dispatch consumes this directly.
func (s *Set) Runnable() []Decision {
	var out []Decision
	for _, g := range s.Groups {
		out = append(out, g.Runnable...)
	}
	return out
}

// Empty reports whether nothing is runnable.
func (s *Set) Empty() bool {
	for _, g := range s.Groups {
		if len(g.Runnable) > 0 {
			return false
		}
	}
	return true
}

// Filter restricts the scheduling pass.
type Filter struct {
	// Plan, when non-empty, restricts output to a single plan.
	Plan string
	// MinPriority, when non-empty, drops items below this priority.
	MinPriority work.Priority
}

func (f Filter) admits(planID string, it *work.Item) bool {
	if f.Plan != "" && f.Plan != planID {
		return false
	}
	if f.MinPriority != "" && it.Priority.Rank() > f.MinPriority.Rank() {
		return false
	}
	return true
}

// Executable computes the scheduling decision for every unfinished item
// admitted by the filter. An item is runnable iff it is NotStarted, every
// dependency is Completed, its phase is open, and it is parallelizable or
// its exclusivity group has nothing InProgress.
func Executable(g *graph.Graph, rec *work.Record, f Filter) *Set {
	// Exclusivity groups with an item currently in progress.
	busy := make(map[string]bool)
	for pi := range rec.Plans {
		p := &rec.Plans[pi]
		for ii := range p.Items {
			if p.Items[ii].Status == work.StatusInProgress {
				busy[work.Group(p.ID, &p.Items[ii])] = true
			}
		}
	}

	set := &Set{}
	for pi := range rec.Plans {
		p := &rec.Plans[pi]
		group := PlanGroup{Plan: p.ID}
		phaseIdx := rec.PhaseIndex(p.Phase)
		phaseOpen := rec.PhaseOpen(phaseIdx)

		for ii := range p.Items {
			it := &p.Items[ii]
			if !f.admits(p.ID, it) {
				continue
			}
			if it.Status != work.StatusNotStarted {
				continue
			}
			d := decide(g, rec, p, it, ii, phaseIdx, phaseOpen, busy)
			if d.State == StateRunnable {
				group.Runnable = append(group.Runnable, d)
			} else {
				group.Held = append(group.Held, d)
			}
		}
		if len(group.Runnable) > 0 || len(group.Held) > 0 {
			sortDecisions(group.Runnable)
			sortDecisions(group.Held)
			set.Groups = append(set.Groups, group)
		}
	}
	return set
}

func decide(g *graph.Graph, rec *work.Record, p *work.Plan, it *work.Item, declIndex, phaseIdx int, phaseOpen bool, busy map[string]bool) Decision {
	d := Decision{
		Ref:       work.Ref{Plan: p.ID, Item: it.ID},
		Priority:  it.Priority,
		declIndex: declIndex,
	}

	for _, dep := range g.Dependencies(d.Ref) {
		depItem, err := rec.Item(dep)
		if err != nil {
			d.State = StateBlocked
			d.Reason = "dependency " + dep.String() + " missing from record"
			return d
		}
		switch depItem.Status {
		case work.StatusCompleted:
		case work.StatusBlocked:
			d.State = StateBlocked
			d.Reason = "dependency " + dep.String() + " is blocked"
			return d
		case work.StatusFailed:
			d.State = StateBlocked
			d.Reason = "dependency " + dep.String() + " failed"
			return d
		default:
			d.State = StateWaiting
			d.Reason = "waiting on dependency " + dep.String()
			return d
		}
	}

	if !phaseOpen {
		d.State = StateWaiting
		d.Reason = "phase " + p.Phase + " not open yet"
		if phaseIdx > 0 {
			d.Reason += " (gated on phase " + rec.Phases[phaseIdx-1].ID + ")"
		}
		return d
	}

	if grp := work.Group(p.ID, it); !it.Parallelizable && busy[grp] {
		d.State = StateWaiting
		d.Reason = "exclusivity group " + grp + " has an item in progress"
		return d
	}

	d.State = StateRunnable
	return d
}

// sortDecisions orders by priority rank, ties broken by declaration order.
// This ordering is part of the scheduler's contract.
func sortDecisions(ds []Decision) {
	sort.SliceStable(ds, func(i, j int) bool {
		ri, rj := ds[i].Priority.Rank(), ds[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return ds[i].declIndex < ds[j].declIndex
	})
}
