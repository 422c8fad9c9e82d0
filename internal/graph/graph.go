// Package graph builds the in-memory dependency DAG from declared item
// dependencies and phase ordering. Construction validates every reference
// and proves acyclicity; a graph is never partially built.
package graph

import (
	"fmt"
	"strings"

	"github.com/rslattery/workgraph/internal/work"
)

// Kind distinguishes node types in the arena.
type Kind int

const (
	KindItem Kind = iota
	KindPlan
	KindPhase
)

// node lives in an integer-indexed arena; edges are adjacency lists of
// arena indices, which keeps traversal and cycle reporting side-effect-free.
type node struct {
	kind Kind
	id   string // display identifier: "plan/item", plan ID, or phase ID
	ref  work.Ref
}

// Graph is the validated, immutable dependency graph.
type Graph struct {
	nodes   []node
	out     [][]int
	in      [][]int
	itemIdx map[work.Ref]int
	phaseOf map[string]string // plan ID -> phase ID
}

// CycleError reports a dependency cycle found during construction. Path is
// the ordered list of participating identifiers, first repeated last.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// BuildError reports an invalid reference in the declared shape.
type BuildError struct {
	Subject string
	Reason  string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("invalid graph: %s: %s", e.Subject, e.Reason)
}

// Build validates the record's declared shape and constructs the graph.
// Edges encode "runs after": item -> dependency item, plan -> previous
// phase (gating), phase -> every item it contains. Phase gating therefore
// participates in the acyclicity check alongside item dependencies.
func Build(rec *work.Record) (*Graph, error) {
	g := &Graph{
		itemIdx: make(map[work.Ref]int),
		phaseOf: make(map[string]string),
	}

	phaseIdx := make(map[string]int)
	planIdx := make(map[string]int)

	add := func(n node) int {
		g.nodes = append(g.nodes, n)
		g.out = append(g.out, nil)
		g.in = append(g.in, nil)
		return len(g.nodes) - 1
	}

	for i := range rec.Phases {
		ph := &rec.Phases[i]
		if _, dup := phaseIdx[ph.ID]; dup {
			return nil, &BuildError{Subject: "phase " + ph.ID, Reason: "duplicate phase id"}
		}
		phaseIdx[ph.ID] = add(node{kind: KindPhase, id: ph.ID})
	}

	for i := range rec.Plans {
		p := &rec.Plans[i]
		if _, dup := planIdx[p.ID]; dup {
			return nil, &BuildError{Subject: "plan " + p.ID, Reason: "duplicate plan id"}
		}
		if _, ok := phaseIdx[p.Phase]; !ok {
			return nil, &BuildError{Subject: "plan " + p.ID, Reason: "unknown phase " + p.Phase}
		}
		planIdx[p.ID] = add(node{kind: KindPlan, id: p.ID})
		g.phaseOf[p.ID] = p.Phase

		seen := make(map[string]bool, len(p.Items))
		for j := range p.Items {
			it := &p.Items[j]
			if seen[it.ID] {
				return nil, &BuildError{Subject: "plan " + p.ID, Reason: "duplicate item id " + it.ID}
			}
			seen[it.ID] = true
			ref := work.Ref{Plan: p.ID, Item: it.ID}
			g.itemIdx[ref] = add(node{kind: KindItem, id: ref.String(), ref: ref})
		}
	}

	for _, ph := range rec.Phases {
		for _, planID := range ph.Plans {
			if _, ok := planIdx[planID]; !ok {
				return nil, &BuildError{Subject: "phase " + ph.ID, Reason: "unknown plan " + planID}
			}
			if g.phaseOf[planID] != ph.ID {
				return nil, &BuildError{
					Subject: "phase " + ph.ID,
					Reason:  fmt.Sprintf("plan %s declares phase %s", planID, g.phaseOf[planID]),
				}
			}
		}
	}

	edge := func(from, to int) {
		g.out[from] = append(g.out[from], to)
		g.in[to] = append(g.in[to], from)
	}

	// Item dependency edges.
	for _, p := range rec.Plans {
		for _, it := range p.Items {
			from := g.itemIdx[work.Ref{Plan: p.ID, Item: it.ID}]
			for _, dep := range it.DependsOn {
				ref := work.ParseRef(dep, p.ID)
				to, ok := g.itemIdx[ref]
				if !ok {
					return nil, &BuildError{
						Subject: "item " + p.ID + "/" + it.ID,
						Reason:  "unknown dependency " + ref.String(),
					}
				}
				edge(from, to)
			}
		}
	}

	// Phase gating edges: a plan runs after the previous phase, and a phase
	// completes after each item inside it.
	for i, ph := range rec.Phases {
		pi := phaseIdx[ph.ID]
		if i > 0 {
			prev := phaseIdx[rec.Phases[i-1].ID]
			for _, planID := range ph.Plans {
				edge(planIdx[planID], prev)
			}
		}
		for _, planID := range ph.Plans {
			p, _ := rec.Plan(planID)
			edge(phaseIdx[ph.ID], planIdx[planID])
			for _, it := range p.Items {
				edge(pi, g.itemIdx[work.Ref{Plan: planID, Item: it.ID}])
			}
		}
	}

	// Items run after their own plan's gating.
	for ref, idx := range g.itemIdx {
		edge(idx, planIdx[ref.Plan])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, cycle
	}
	return g, nil
}

// findCycle runs an iterative three-color DFS over the arena and returns
// the first cycle found, trimmed to its minimal path.
func (g *Graph) findCycle() *CycleError {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]byte, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}

	type frame struct {
		node int
		next int
	}

	for start := range g.nodes {
		if color[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		color[start] = gray
		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.next < len(g.out[f.node]) {
				to := g.out[f.node][f.next]
				f.next++
				switch color[to] {
				case white:
					color[to] = gray
					parent[to] = f.node
					stack = append(stack, frame{node: to})
				case gray:
					// Walk parents back from f.node to `to` for the cycle.
					path := []string{g.nodes[to].id}
					for n := f.node; n != to; n = parent[n] {
						path = append(path, g.nodes[n].id)
					}
					// Reverse into dependency order and close the loop.
					for l, r := 1, len(path)-1; l < r; l, r = l+1, r-1 {
						path[l], path[r] = path[r], path[l]
					}
					path = append(path, g.nodes[to].id)
					return &CycleError{Path: path}
				}
			} else {
				color[f.node] = black
				stack = stack[:len(stack)-1]
			}
		}
	}
	return nil
}

// Dependencies returns the refs of the items a work item depends on.
// Plan and phase nodes are not included.
func (g *Graph) Dependencies(ref work.Ref) []work.Ref {
	return g.itemNeighbors(ref, g.out)
}

// Dependents returns the refs of the items that depend on a work item.
func (g *Graph) Dependents(ref work.Ref) []work.Ref {
	return g.itemNeighbors(ref, g.in)
}

func (g *Graph) itemNeighbors(ref work.Ref, adj [][]int) []work.Ref {
	idx, ok := g.itemIdx[ref]
	if !ok {
		return nil
	}
	var out []work.Ref
	for _, n := range adj[idx] {
		if g.nodes[n].kind == KindItem {
			out = append(out, g.nodes[n].ref)
		}
	}
	return out
}

// PhaseOf returns the phase a plan belongs to.
func (g *Graph) PhaseOf(planID string) (string, bool) {
	ph, ok := g.phaseOf[planID]
	return ph, ok
}

// HasItem reports whether a ref exists in the graph.
func (g *Graph) HasItem(ref work.Ref) bool {
	_, ok := g.itemIdx[ref]
	return ok
}
