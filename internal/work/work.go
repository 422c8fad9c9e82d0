// Package work defines the data model shared by the scheduler, the status
// store and the reconciler: work items, plans, phases and the persisted
// status record.
package work

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the execution status of a work item.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusFailed     Status = "failed"
)

// Valid returns true for a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted, StatusBlocked, StatusFailed:
		return true
	}
	return false
}

// Priority represents scheduling priority for a work item.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the numeric rank of a priority, lower is more urgent.
// An unset priority ranks lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// GatingRule controls when the phase after this one becomes eligible.
type GatingRule string

const (
	// GateAllComplete opens the next phase once every item in the phase
	// is completed.
	GateAllComplete GatingRule = "all_complete"
	// GateCriticalComplete opens the next phase once every critical-priority
	// item in the phase is completed.
	GateCriticalComplete GatingRule = "critical_complete"
)

// Ref identifies a work item globally: plan ID plus item ID.
// Item IDs are unique within a plan, not across plans.
type Ref struct {
	Plan string
	Item string
}

func (r Ref) String() string {
	return r.Plan + "/" + r.Item
}

// ParseRef parses "plan/item" into a Ref. A bare identifier without a slash
// is resolved against defaultPlan (same-plan dependency shorthand).
func ParseRef(s, defaultPlan string) Ref {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return Ref{Plan: s[:i], Item: s[i+1:]}
	}
	return Ref{Plan: defaultPlan, Item: s}
}

// Item is an atomic unit of work: an implementation task or a verification
// case. Shape is immutable after authoring; only Status and Revision change.
type Item struct {
	ID             string   `yaml:"id" json:"id"`
	Status         Status   `yaml:"status" json:"status"`
	Priority       Priority `yaml:"priority,omitempty" json:"priority,omitempty"`
	DependsOn      []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Parallelizable bool     `yaml:"parallelizable" json:"parallelizable"`
	// ExclusivityGroup scopes the non-parallelizable check. Empty means the
	// item's own plan.
	ExclusivityGroup string `yaml:"exclusivity_group,omitempty" json:"exclusivity_group,omitempty"`
	// Deliverable is an opaque pointer to the artifact evidencing completion.
	Deliverable string `yaml:"deliverable,omitempty" json:"deliverable,omitempty"`
	Revision    int64  `yaml:"revision" json:"revision"`
}

// Plan is a named, ordered collection of items belonging to one phase.
type Plan struct {
	ID    string `yaml:"id" json:"id"`
	Phase string `yaml:"phase" json:"phase"`
	Items []Item `yaml:"items" json:"items"`
}

// Status derives the plan status from its items. A plan status is never set
// directly.
func (p *Plan) Status() Status {
	if len(p.Items) == 0 {
		return StatusNotStarted
	}
	started, completed := 0, 0
	for i := range p.Items {
		switch p.Items[i].Status {
		case StatusCompleted:
			started++
			completed++
		case StatusNotStarted:
		default:
			started++
		}
	}
	switch {
	case completed == len(p.Items):
		return StatusCompleted
	case started == 0:
		return StatusNotStarted
	default:
		return StatusInProgress
	}
}

// Item returns the item with the given ID, or nil.
func (p *Plan) Item(id string) *Item {
	for i := range p.Items {
		if p.Items[i].ID == id {
			return &p.Items[i]
		}
	}
	return nil
}

// Phase is an ordered grouping of plans. Phases form a total order; the
// phase after this one is gated on Rule.
type Phase struct {
	ID    string     `yaml:"id" json:"id"`
	Rule  GatingRule `yaml:"rule" json:"rule"`
	Plans []string   `yaml:"plans" json:"plans"`
}

// Summary holds counts by status for the whole record.
type Summary struct {
	NotStarted int `yaml:"not_started" json:"not_started"`
	InProgress int `yaml:"in_progress" json:"in_progress"`
	Completed  int `yaml:"completed" json:"completed"`
	Blocked    int `yaml:"blocked" json:"blocked"`
	Failed     int `yaml:"failed" json:"failed"`
	Total      int `yaml:"total" json:"total"`
}

// Record is the persisted status snapshot. It is owned by the status store;
// every other component accesses it through the store's read/update contract.
type Record struct {
	Revision    int64     `yaml:"revision" json:"revision"`
	LastUpdated time.Time `yaml:"last_updated" json:"last_updated"`
	Phases      []Phase   `yaml:"phases" json:"phases"`
	Plans       []Plan    `yaml:"plans" json:"plans"`
	Summary     Summary   `yaml:"summary" json:"summary"`
}

// Errors reported for lookups against a record.
type notFoundError struct {
	kind, id string
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.kind, e.id)
}

// ErrPlanNotFound returns a caller error for a missing plan.
func ErrPlanNotFound(id string) error { return &notFoundError{kind: "plan", id: id} }

// ErrItemNotFound returns a caller error for a missing item.
func ErrItemNotFound(ref Ref) error { return &notFoundError{kind: "item", id: ref.String()} }

// IsNotFound reports whether err is a plan- or item-not-found error.
func IsNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}

// Plan returns the plan with the given ID, or an error.
func (r *Record) Plan(id string) (*Plan, error) {
	for i := range r.Plans {
		if r.Plans[i].ID == id {
			return &r.Plans[i], nil
		}
	}
	return nil, ErrPlanNotFound(id)
}

// Item resolves a ref to its item, or returns an error.
func (r *Record) Item(ref Ref) (*Item, error) {
	p, err := r.Plan(ref.Plan)
	if err != nil {
		return nil, err
	}
	it := p.Item(ref.Item)
	if it == nil {
		return nil, ErrItemNotFound(ref)
	}
	return it, nil
}

// Phase returns the phase with the given ID, or nil.
func (r *Record) Phase(id string) *Phase {
	for i := range r.Phases {
		if r.Phases[i].ID == id {
			return &r.Phases[i]
		}
	}
	return nil
}

// PhaseIndex returns the position of a phase in the total order, or -1.
func (r *Record) PhaseIndex(id string) int {
	for i := range r.Phases {
		if r.Phases[i].ID == id {
			return i
		}
	}
	return -1
}

// PhaseSatisfied reports whether a phase satisfies its own gating rule,
// i.e. whether the next phase may open.
func (r *Record) PhaseSatisfied(phase *Phase) bool {
	for _, planID := range phase.Plans {
		p, err := r.Plan(planID)
		if err != nil {
			return false
		}
		for i := range p.Items {
			it := &p.Items[i]
			if it.Status == StatusCompleted {
				continue
			}
			if phase.Rule == GateCriticalComplete && it.Priority != PriorityCritical {
				continue
			}
			return false
		}
	}
	return true
}

// PhaseOpen reports whether the phase at index idx is eligible: every
// earlier phase must satisfy its gating rule.
func (r *Record) PhaseOpen(idx int) bool {
	for i := 0; i < idx; i++ {
		if !r.PhaseSatisfied(&r.Phases[i]) {
			return false
		}
	}
	return true
}

// Recount recomputes the summary block from item statuses.
func (r *Record) Recount() {
	var s Summary
	for pi := range r.Plans {
		for ii := range r.Plans[pi].Items {
			s.Total++
			switch r.Plans[pi].Items[ii].Status {
			case StatusInProgress:
				s.InProgress++
			case StatusCompleted:
				s.Completed++
			case StatusBlocked:
				s.Blocked++
			case StatusFailed:
				s.Failed++
			default:
				s.NotStarted++
			}
		}
	}
	r.Summary = s
}

// Normalize fills defaults on a freshly authored record: unknown statuses
// become not_started, gating rules default to all_complete, and the summary
// is recomputed. Shape is not validated here; graph construction does that.
func (r *Record) Normalize() {
	for pi := range r.Phases {
		if r.Phases[pi].Rule == "" {
			r.Phases[pi].Rule = GateAllComplete
		}
	}
	for pi := range r.Plans {
		for ii := range r.Plans[pi].Items {
			if !r.Plans[pi].Items[ii].Status.Valid() {
				r.Plans[pi].Items[ii].Status = StatusNotStarted
			}
		}
	}
	r.Recount()
}

// Clone returns a deep copy of the record. Mutators run against a clone so a
// failed update never leaves a partially written snapshot behind.
func (r *Record) Clone() *Record {
	out := *r
	out.Phases = make([]Phase, len(r.Phases))
	for i, ph := range r.Phases {
		out.Phases[i] = ph
		out.Phases[i].Plans = append([]string(nil), ph.Plans...)
	}
	out.Plans = make([]Plan, len(r.Plans))
	for i, p := range r.Plans {
		out.Plans[i] = p
		out.Plans[i].Items = make([]Item, len(p.Items))
		for j, it := range p.Items {
			out.Plans[i].Items[j] = it
			out.Plans[i].Items[j].DependsOn = append([]string(nil), it.DependsOn...)
		}
	}
	return &out
}

// Group returns the effective exclusivity group for an item in a plan.
func Group(planID string, it *Item) string {
	if it.ExclusivityGroup != "" {
		return it.ExclusivityGroup
	}
	return planID
}
