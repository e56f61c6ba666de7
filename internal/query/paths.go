package query

import (
	"sort"

	"github.com/Benny93/objex-go/internal/graph"
)

// DefaultVisitBudget caps the nodes a retention search may visit.
// Pathological fan-in (a None-analog singleton with millions of holders)
// terminates with TerminationBudget instead of scanning the whole graph.
const DefaultVisitBudget = 1_000_000

// Termination classifies how a retention search ended.
type Termination string

const (
	// TerminationModule: at least one returned path starts at a module.
	TerminationModule Termination = "module-reachable"

	// TerminationFrameOnly: paths exist but every one starts at a frame;
	// no module-rooted chain was found within the search.
	TerminationFrameOnly Termination = "frame-only"

	// TerminationNoRoot: the search exhausted the reachable graph
	// without meeting the root set.
	TerminationNoRoot Termination = "no-root-reachable"

	// TerminationBudget: the visit budget ran out before any root was
	// met. Distinct from an empty result.
	TerminationBudget Termination = "budget-exhausted"
)

// Step is one node on a retention path; Label is the edge leading to the
// next step and empty on the final step.
type Step struct {
	NodeID uint64
	Label  string
}

// Path is a label path from a root node to the query target.
type Path struct {
	Steps     []Step
	RootClass graph.Classification
}

// Labels returns the path's label sequence.
func (p Path) Labels() []string {
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		if s.Label != "" {
			out = append(out, s.Label)
		}
	}
	return out
}

// PathOptions tunes one retention search.
type PathOptions struct {
	// Budget caps visited nodes; zero means DefaultVisitBudget.
	Budget int
}

// PathsResult is the outcome of PathsToRoots.
type PathsResult struct {
	Paths       []Path
	Termination Termination
	Visited     int
}

// hop records how the search reached a node: the child it came from and
// the label of the child-bound edge.
type hop struct {
	child  uint64
	label  string
	seeded bool
}

// PathsToRoots returns up to k shortest label paths from any root to id.
//
// The search is a level-synchronous breadth-first walk of the
// reverse-edge index rooted at id, terminating when a frontier level
// contains a module root. Frame roots encountered on the way are kept
// as fallback terminals: if the search exhausts the graph without ever
// reaching a module, the result is classified frame-only. Module
// preference is therefore a property of the terminal selection, not of
// path length — a longer module-rooted chain beats a shorter
// frame-rooted one.
//
// Paths are ordered module-rooted first, then by (length, lexicographic
// label sequence). The visit budget bounds latency on pathological
// fan-in; an exhausted budget with no terminal found is reported as
// TerminationBudget, never as an empty success.
func (e *Engine) PathsToRoots(id uint64, k int, opts PathOptions) (PathsResult, error) {
	budget := opts.Budget
	if budget <= 0 {
		budget = DefaultVisitBudget
	}
	if k <= 0 {
		k = 1
	}

	targetClass, err := e.classOf(id)
	if err != nil {
		return PathsResult{}, err
	}
	if targetClass.IsRoot() {
		// The target is its own retention witness.
		res := PathsResult{
			Paths:   []Path{{Steps: []Step{{NodeID: id}}, RootClass: targetClass}},
			Visited: 1,
		}
		res.Termination = terminationFor(res.Paths)
		return res, nil
	}

	visited := map[uint64]hop{id: {seeded: true}}
	fringe := []uint64{id}
	var terminals []uint64
	moduleFound := false

	for len(fringe) > 0 && !moduleFound {
		if len(visited) > budget {
			if len(terminals) > 0 {
				break // report what was found
			}
			return PathsResult{Termination: TerminationBudget, Visited: len(visited)}, nil
		}

		var next []uint64
		for _, node := range fringe {
			in, err := e.be.Inbound(node)
			if err != nil {
				return PathsResult{}, err
			}
			for _, edge := range in {
				if _, ok := visited[edge.SrcID]; ok {
					continue
				}
				visited[edge.SrcID] = hop{child: node, label: edge.Label}

				class, err := e.classOf(edge.SrcID)
				if err != nil {
					return PathsResult{}, err
				}
				if class.IsRoot() {
					terminals = append(terminals, edge.SrcID)
					if class == graph.ClassModule {
						moduleFound = true
					}
					continue // roots are terminals, not thoroughfares
				}
				next = append(next, edge.SrcID)
			}
		}
		fringe = next
	}

	if len(terminals) == 0 {
		return PathsResult{Termination: TerminationNoRoot, Visited: len(visited)}, nil
	}

	paths, err := e.assemble(terminals, visited, k)
	if err != nil {
		return PathsResult{}, err
	}
	return PathsResult{
		Paths:       paths,
		Termination: terminationFor(paths),
		Visited:     len(visited),
	}, nil
}

// assemble reconstructs one path per terminal root, orders them
// module-first then (length, labels), and truncates to k.
func (e *Engine) assemble(terminals []uint64, visited map[uint64]hop, k int) ([]Path, error) {
	paths := make([]Path, 0, len(terminals))
	for _, root := range terminals {
		rootClass, err := e.classOf(root)
		if err != nil {
			return nil, err
		}

		var steps []Step
		cur := root
		for {
			h := visited[cur]
			if h.seeded {
				steps = append(steps, Step{NodeID: cur})
				break
			}
			steps = append(steps, Step{NodeID: cur, Label: h.label})
			cur = h.child
		}
		paths = append(paths, Path{Steps: steps, RootClass: rootClass})
	}

	sort.Slice(paths, func(i, j int) bool {
		pi, pj := paths[i], paths[j]
		mi, mj := pi.RootClass == graph.ClassModule, pj.RootClass == graph.ClassModule
		if mi != mj {
			return mi
		}
		if len(pi.Steps) != len(pj.Steps) {
			return len(pi.Steps) < len(pj.Steps)
		}
		return lessLabels(pi.Labels(), pj.Labels())
	})

	if len(paths) > k {
		paths = paths[:k]
	}
	return paths, nil
}

func lessLabels(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func terminationFor(paths []Path) Termination {
	if len(paths) == 0 {
		return TerminationNoRoot
	}
	for _, p := range paths {
		if p.RootClass == graph.ClassModule {
			return TerminationModule
		}
	}
	return TerminationFrameOnly
}
