// Package reconcile compares recorded status against externally observable
// evidence and produces (or applies) corrections, so the record never
// silently drifts from reality.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rslattery/workgraph/internal/store"
	"github.com/rslattery/workgraph/internal/work"
)

// Mode selects whether discrepancies are only reported or also applied.
type Mode string

const (
	ModeReport Mode = "report"
	ModeApply  Mode = "apply"
)

// Kind classifies a discrepancy.
type Kind string

const (
	// KindDrift means observed evidence disagrees with the recorded status.
	KindDrift Kind = "drift"
	// KindAmbiguous means evidence could not be resolved; the recorded
	// status is preserved.
	KindAmbiguous Kind = "ambiguous"
)

// Discrepancy is one divergence between record and reality.
type Discrepancy struct {
	Ref      work.Ref    `json:"ref"`
	Kind     Kind        `json:"kind"`
	Recorded work.Status `json:"recorded"`
	Observed work.Status `json:"observed,omitempty"`
	// Strategy names the signal that produced the observation.
	Strategy string `json:"strategy,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Confidence grades an inference. Higher-confidence signals sit earlier in
// the cascade.
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

// Inference is a strategy's conclusion about an item.
type Inference struct {
	Status     work.Status
	Confidence Confidence
	Detail     string
}

// Strategy is one signal in the ordered inference chain. Applied=false
// means the strategy has nothing to say and the next one is consulted.
// New signals slot into the chain without restructuring the cascade.
type Strategy interface {
	Name() string
	Infer(ref work.Ref, it *work.Item, ev Provider) (inf Inference, applied bool, err error)
}

// Options configures a reconciliation run.
type Options struct {
	// MinSubstance is the content length below which a deliverable is
	// classified as a stub (still in progress).
	MinSubstance int
	// Markers are the unresolved-work markers searched for in deliverable
	// content.
	Markers []string
	Logger  *slog.Logger
}

// DefaultMarkers are the unresolved-work markers used when none are
// configured.
var DefaultMarkers = []string{"TODO", "FIXME", "TBD", "[ ]"}

// DefaultMinSubstance is the default stub threshold in bytes.
const DefaultMinSubstance = 200

func (o *Options) fill() {
	if o.MinSubstance <= 0 {
		o.MinSubstance = DefaultMinSubstance
	}
	if len(o.Markers) == 0 {
		o.Markers = DefaultMarkers
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Chain returns the standard strategy cascade: explicit criteria first,
// then deliverable content, then bare existence.
func Chain(opts Options) []Strategy {
	opts.fill()
	return []Strategy{
		&criteriaStrategy{},
		&contentStrategy{minSubstance: opts.MinSubstance, markers: opts.Markers},
		&existenceStrategy{},
	}
}

// criteriaStrategy infers from explicit completion-criteria markers.
type criteriaStrategy struct{}

func (s *criteriaStrategy) Name() string { return "criteria" }

func (s *criteriaStrategy) Infer(ref work.Ref, it *work.Item, ev Provider) (Inference, bool, error) {
	criteria, ok, err := ev.Criteria(ref)
	if err != nil || !ok || len(criteria) == 0 {
		return Inference{}, false, err
	}
	satisfied := 0
	for _, c := range criteria {
		if c.Satisfied {
			satisfied++
		}
	}
	switch {
	case satisfied == len(criteria):
		return Inference{
			Status:     work.StatusCompleted,
			Confidence: ConfidenceHigh,
			Detail:     fmt.Sprintf("all %d criteria satisfied", len(criteria)),
		}, true, nil
	case satisfied > 0:
		return Inference{
			Status:     work.StatusInProgress,
			Confidence: ConfidenceHigh,
			Detail:     fmt.Sprintf("%d of %d criteria satisfied", satisfied, len(criteria)),
		}, true, nil
	default:
		// Never regress InProgress to NotStarted on this signal alone.
		status := work.StatusNotStarted
		if it.Status == work.StatusInProgress {
			status = work.StatusInProgress
		}
		return Inference{
			Status:     status,
			Confidence: ConfidenceMedium,
			Detail:     fmt.Sprintf("0 of %d criteria satisfied", len(criteria)),
		}, true, nil
	}
}

// contentStrategy sniffs deliverable content for unresolved-work markers
// and minimal substance.
type contentStrategy struct {
	minSubstance int
	markers      []string
}

func (s *contentStrategy) Name() string { return "content" }

func (s *contentStrategy) Infer(ref work.Ref, it *work.Item, ev Provider) (Inference, bool, error) {
	if it.Deliverable == "" {
		return Inference{}, false, nil
	}
	evd, err := ev.Deliverable(ref, it.Deliverable)
	if err != nil {
		return Inference{}, false, err
	}
	if !evd.Exists || !evd.Inspectable {
		return Inference{}, false, nil
	}
	for _, m := range s.markers {
		if bytes.Contains(evd.Content, []byte(m)) {
			return Inference{
				Status:     work.StatusInProgress,
				Confidence: ConfidenceMedium,
				Detail:     fmt.Sprintf("deliverable contains unresolved-work marker %q", m),
			}, true, nil
		}
	}
	if len(evd.Content) < s.minSubstance {
		return Inference{
			Status:     work.StatusInProgress,
			Confidence: ConfidenceMedium,
			Detail:     fmt.Sprintf("deliverable is %d bytes, below substance threshold %d", len(evd.Content), s.minSubstance),
		}, true, nil
	}
	return Inference{
		Status:     work.StatusCompleted,
		Confidence: ConfidenceMedium,
		Detail:     "deliverable present with substantive content",
	}, true, nil
}

// existenceStrategy is the last resort: presence alone is never proof of
// completion.
type existenceStrategy struct{}

func (s *existenceStrategy) Name() string { return "existence" }

func (s *existenceStrategy) Infer(ref work.Ref, it *work.Item, ev Provider) (Inference, bool, error) {
	if it.Deliverable == "" {
		return Inference{}, false, nil
	}
	evd, err := ev.Deliverable(ref, it.Deliverable)
	if err != nil {
		return Inference{}, false, err
	}
	if evd.Exists {
		return Inference{
			Status:     work.StatusInProgress,
			Confidence: ConfidenceLow,
			Detail:     "deliverable exists but content is not inspectable",
		}, true, nil
	}
	return Inference{
		Status:     work.StatusNotStarted,
		Confidence: ConfidenceLow,
		Detail:     "deliverable absent",
	}, true, nil
}

// Reconciler runs the inference chain over items and, in apply mode,
// writes the whole batch of corrections through one store update.
type Reconciler struct {
	store    store.Store
	provider Provider
	chain    []Strategy
	logger   *slog.Logger
}

// New creates a reconciler over the given store and evidence provider.
func New(st store.Store, provider Provider, opts Options) *Reconciler {
	opts.fill()
	return &Reconciler{
		store:    st,
		provider: provider,
		chain:    Chain(opts),
		logger:   opts.Logger,
	}
}

// Reconcile evaluates the cascade independently per item. Refs restricts
// the run; nil means every item in the record. In apply mode all
// corrections are committed in a single update (one lock acquisition, one
// revision bump) so they never interleave with concurrent dispatch results.
func (r *Reconciler) Reconcile(ctx context.Context, refs []work.Ref, mode Mode) ([]Discrepancy, error) {
	rec, err := r.store.Read()
	if err != nil {
		return nil, err
	}
	if refs == nil {
		for _, p := range rec.Plans {
			for _, it := range p.Items {
				refs = append(refs, work.Ref{Plan: p.ID, Item: it.ID})
			}
		}
	}

	var discrepancies []Discrepancy
	corrections := make(map[work.Ref]work.Status)

	for _, ref := range refs {
		it, err := rec.Item(ref)
		if err != nil {
			return nil, err
		}
		inf, strategyName, err := r.infer(ref, it)
		if err != nil {
			var amb *AmbiguousError
			if errors.As(err, &amb) {
				discrepancies = append(discrepancies, Discrepancy{
					Ref:      ref,
					Kind:     KindAmbiguous,
					Recorded: it.Status,
					Detail:   amb.Reason,
				})
				continue
			}
			return nil, err
		}
		if strategyName == "" {
			// No signal at all (no deliverable declared): nothing to say.
			continue
		}
		if inf.Status == it.Status {
			continue
		}
		discrepancies = append(discrepancies, Discrepancy{
			Ref:      ref,
			Kind:     KindDrift,
			Recorded: it.Status,
			Observed: inf.Status,
			Strategy: strategyName,
			Detail:   inf.Detail,
		})
		corrections[ref] = inf.Status
	}

	if mode == ModeApply && len(corrections) > 0 {
		_, err := r.store.Update(ctx, func(rec *work.Record) error {
			for ref, status := range corrections {
				it, err := rec.Item(ref)
				if err != nil {
					return err
				}
				it.Status = status
			}
			return nil
		})
		if err != nil {
			return discrepancies, err
		}
		r.logger.Info("applied reconciliation corrections", "count", len(corrections))
	}
	return discrepancies, nil
}

// infer walks the chain until one strategy applies.
func (r *Reconciler) infer(ref work.Ref, it *work.Item) (Inference, string, error) {
	for _, s := range r.chain {
		inf, applied, err := s.Infer(ref, it, r.provider)
		if err != nil {
			return Inference{}, "", err
		}
		if applied {
			return inf, s.Name(), nil
		}
	}
	return Inference{}, "", nil
}
