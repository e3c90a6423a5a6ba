package planner

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// CycleError reports a dependency cycle with one deterministic witness path.
// The path starts and ends with the same task id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// Unwrap returns ErrCyclicDependency so callers can use errors.Is.
func (e *CycleError) Unwrap() error {
	return tideerrors.ErrCyclicDependency
}

// Graph is the dependency graph over a set of top-level tasks.
type Graph struct {
	ids   []string
	index map[string]int

	// incoming[i] holds the dependencies of i, outgoing[i] its dependents.
	// Both are sorted by canonical index.
	incoming [][]int
	outgoing [][]int
}

// NewGraph builds the graph and rejects unknown dependencies and cycles.
// Subtasks are not graph nodes; passing one is an error.
func NewGraph(tasks []*domain.Task) (*Graph, error) {
	g := &Graph{index: make(map[string]int, len(tasks))}
	for _, t := range tasks {
		if t == nil || t.ID == "" {
			return nil, fmt.Errorf("task without id: %w", tideerrors.ErrEmptyValue)
		}
		if t.IsSubtask() {
			return nil, fmt.Errorf("subtask %s cannot be planned directly: %w", t.ID, tideerrors.ErrManifestInvalid)
		}
		if _, dup := g.index[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %s: %w", t.ID, tideerrors.ErrManifestInvalid)
		}
		g.index[t.ID] = -1
		g.ids = append(g.ids, t.ID)
	}
	sort.Strings(g.ids)
	for i, id := range g.ids {
		g.index[id] = i
	}

	g.incoming = make([][]int, len(g.ids))
	g.outgoing = make([][]int, len(g.ids))
	for _, t := range tasks {
		to := g.index[t.ID]
		seen := make(map[int]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			from, ok := g.index[dep]
			if !ok {
				return nil, fmt.Errorf("task %s depends on %s: %w", t.ID, dep, tideerrors.ErrUnknownTask)
			}
			if seen[from] {
				continue
			}
			seen[from] = true
			g.incoming[to] = append(g.incoming[to], from)
			g.outgoing[from] = append(g.outgoing[from], to)
		}
	}
	for i := range g.ids {
		sort.Ints(g.incoming[i])
		sort.Ints(g.outgoing[i])
	}

	if order := g.topoOrder(); len(order) != len(g.ids) {
		return nil, &CycleError{Path: g.findCycle()}
	}
	return g, nil
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.ids)
}

// Dependencies returns the sorted dependency ids of a task.
func (g *Graph) Dependencies(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.incoming[i]))
	for _, d := range g.incoming[i] {
		out = append(out, g.ids[d])
	}
	return out
}

// TopologicalOrder returns every task id with dependencies before dependents.
// Ties are broken by id.
func (g *Graph) TopologicalOrder() []string {
	order := g.topoOrder()
	out := make([]string, len(order))
	for i, idx := range order {
		out[i] = g.ids[idx]
	}
	return out
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder runs Kahn's algorithm with a min-heap ready queue. A result
// shorter than the node count means the graph has a cycle.
func (g *Graph) topoOrder() []int {
	indeg := make([]int, len(g.ids))
	for i := range g.ids {
		indeg[i] = len(g.incoming[i])
	}

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(g.ids))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle extracts one cycle by depth-first search in canonical order,
// following dependency edges. The witness reads "a -> b" as "a depends on b".
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.ids))
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.incoming[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back edge u -> v closes v -> ... -> u -> v
				path := []int{u}
				for cur := u; cur != v; {
					cur = parent[cur]
					path = append(path, cur)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				cycle = append(path, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.ids {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, len(cycle))
	for i, idx := range cycle {
		out[i] = g.ids[idx]
	}
	return out
}
