package reconcile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/rslattery/workgraph/internal/work"
)

// Criterion is one explicit completion-criteria marker for an item.
type Criterion struct {
	Name      string
	Satisfied bool
}

// Evidence is what can be observed about an item's deliverable.
type Evidence struct {
	Exists bool
	// Inspectable is false when the deliverable exists but its content
	// cannot be examined (a directory, an opaque reference). The cascade
	// then falls back to pure existence.
	Inspectable bool
	Content     []byte
}

// AmbiguousError means the deliverable reference cannot be resolved to
// concrete evidence. The reconciler never guesses: it reports the item as
// ambiguous and leaves the recorded status untouched.
type AmbiguousError struct {
	Ref    work.Ref
	Path   string
	Reason string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous evidence for %s (%s): %s", e.Ref, e.Path, e.Reason)
}

// Provider supplies externally observable evidence for items.
type Provider interface {
	// Criteria returns explicit completion-criteria markers for the item,
	// with ok=false when no criteria are declared.
	Criteria(ref work.Ref) (criteria []Criterion, ok bool, err error)

	// Deliverable observes the item's deliverable reference. Returns an
	// *AmbiguousError when the reference cannot be resolved.
	Deliverable(ref work.Ref, path string) (Evidence, error)
}

// FileProvider observes deliverables on the local filesystem, rooted at a
// base directory. Wildcard deliverable paths are resolved with doublestar
// globs; a wildcard that matches nothing is ambiguous, since absence of
// matches cannot be told apart from a wrong pattern.
type FileProvider struct {
	Root string
	// CriteriaFn optionally supplies explicit criteria (e.g. from a
	// checklist sidecar). Nil means no items have declared criteria.
	CriteriaFn func(ref work.Ref) ([]Criterion, bool, error)
}

// Criteria implements Provider.
func (p *FileProvider) Criteria(ref work.Ref) ([]Criterion, bool, error) {
	if p.CriteriaFn == nil {
		return nil, false, nil
	}
	return p.CriteriaFn(ref)
}

// Deliverable implements Provider.
func (p *FileProvider) Deliverable(ref work.Ref, path string) (Evidence, error) {
	if path == "" {
		return Evidence{}, nil
	}

	if !doublestar.ValidatePattern(path) {
		return Evidence{}, &AmbiguousError{Ref: ref, Path: path, Reason: "invalid pattern"}
	}

	if isWildcard(path) {
		matches, err := doublestar.Glob(os.DirFS(p.Root), path)
		if err != nil {
			return Evidence{}, &AmbiguousError{Ref: ref, Path: path, Reason: err.Error()}
		}
		if len(matches) == 0 {
			return Evidence{}, &AmbiguousError{Ref: ref, Path: path, Reason: "wildcard resolves to no concrete files"}
		}
		// All matches contribute: the deliverable is the union of them.
		ev := Evidence{Exists: true, Inspectable: true}
		for _, m := range matches {
			info, err := os.Stat(filepath.Join(p.Root, m))
			if err != nil {
				return Evidence{}, fmt.Errorf("stat %s: %w", m, err)
			}
			if info.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(p.Root, m))
			if err != nil {
				return Evidence{}, fmt.Errorf("read %s: %w", m, err)
			}
			ev.Content = append(ev.Content, data...)
		}
		return ev, nil
	}

	full := filepath.Join(p.Root, path)
	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return Evidence{}, nil
	}
	if err != nil {
		return Evidence{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Evidence{Exists: true}, nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return Evidence{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Evidence{Exists: true, Inspectable: true, Content: data}, nil
}

func isWildcard(path string) bool {
	for _, c := range path {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
