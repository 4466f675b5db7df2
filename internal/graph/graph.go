// Package graph provides the dependency graph backing job scheduling.
// A TaskGraph is built node by node, validated once by Finalize, and is
// read-only from then on: finalized graphs are safe for concurrent readers.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// DuplicateNodeError indicates AddNode was called twice with the same id.
type DuplicateNodeError struct {
	ID string
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("duplicate node %q", e.ID)
}

// DanglingDependencyError indicates a node depends on an id not present in the graph.
type DanglingDependencyError struct {
	NodeID string
	DepID  string
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("node %q depends on unknown node %q", e.NodeID, e.DepID)
}

// CycleError indicates the dependency relation contains a cycle.
// Nodes holds the ids participating in the detected cycle.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Nodes, " -> "))
}

// FrozenError indicates a mutation was attempted after Finalize.
type FrozenError struct {
	ID string
}

func (e *FrozenError) Error() string {
	return fmt.Sprintf("graph is finalized, cannot add node %q", e.ID)
}

// TaskGraph is a directed acyclic graph of ToDo nodes keyed by id.
// Edges point from a node to the nodes it depends on.
type TaskGraph struct {
	mu sync.RWMutex
	// nodes maps node id to its ToDo.
	nodes map[string]*models.ToDo
	// edges maps node id to the ids it depends on.
	edges map[string][]string
	// frozen is set by Finalize; a frozen graph rejects mutation.
	frozen bool
}

// New creates a new empty TaskGraph.
func New() *TaskGraph {
	return &TaskGraph{
		nodes: make(map[string]*models.ToDo),
		edges: make(map[string][]string),
	}
}

// Build constructs and finalizes a graph from a slice of nodes.
// It is the common path for callers that already hold the full node set.
func Build(todos []*models.ToDo) (*TaskGraph, error) {
	g := New()
	for _, todo := range todos {
		if err := g.AddNode(todo); err != nil {
			return nil, err
		}
	}
	if err := g.Finalize(); err != nil {
		return nil, err
	}
	return g, nil
}

// AddNode registers a node in the graph. Dependency ids are not checked here;
// Finalize validates them once the node set is complete.
func (g *TaskGraph) AddNode(todo *models.ToDo) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return &FrozenError{ID: todo.ID}
	}
	if todo.ID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if _, exists := g.nodes[todo.ID]; exists {
		return &DuplicateNodeError{ID: todo.ID}
	}

	g.nodes[todo.ID] = todo
	g.edges[todo.ID] = append([]string(nil), todo.DependsOn...)
	return nil
}

// Finalize validates the graph and freezes it. Every dependency must resolve
// to a present node and the dependency relation must be acyclic. A graph that
// fails Finalize must never be handed to a job.
func (g *TaskGraph) Finalize() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range g.sortedIDsLocked() {
		for _, depID := range g.edges[id] {
			if _, exists := g.nodes[depID]; !exists {
				return &DanglingDependencyError{NodeID: id, DepID: depID}
			}
		}
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		return &CycleError{Nodes: cycle}
	}

	g.frozen = true
	return nil
}

// Finalized reports whether the graph has been frozen by Finalize.
func (g *TaskGraph) Finalized() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.frozen
}

// findCycleLocked runs a depth-first search over the dependency relation and
// returns the node ids of the first cycle found, or nil if the graph is acyclic.
// Caller must hold g.mu.
func (g *TaskGraph) findCycleLocked() []string {
	// Color states: 0 = unvisited, 1 = on the recursion stack, 2 = done.
	colors := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge: the cycle is the stack suffix starting at depID.
				for i, sid := range stack {
					if sid == depID {
						return append([]string(nil), stack[i:]...)
					}
				}
			case 0:
				if cycle := visit(depID); cycle != nil {
					return cycle
				}
			}
		}

		colors[id] = 2
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range g.sortedIDsLocked() {
		if colors[id] == 0 {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// TopologicalOrder returns node ids so that every node appears after all of
// its dependencies. It implements Kahn's algorithm; ties among simultaneously
// ready nodes are broken by ascending id, so the order is deterministic.
func (g *TaskGraph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// Unresolved in-degree per node, and the reverse adjacency for decrements.
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for id, deps := range g.edges {
		indegree[id] = len(deps)
		for _, depID := range deps {
			dependents[depID] = append(dependents[depID], id)
		}
	}

	var ready []string
	for _, id := range g.sortedIDsLocked() {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		// ready stays sorted: newly unlocked ids are merged in below.
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, depID := range dependents[id] {
			indegree[depID]--
			if indegree[depID] == 0 {
				unlocked = append(unlocked, depID)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}

	if len(order) != len(g.nodes) {
		// Safety net: Finalize should already have rejected cyclic graphs.
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Nodes: stuck}
	}

	return order, nil
}

// ParallelBatches groups node ids into the wavefront decomposition of the
// graph: batch k contains every node whose dependencies are fully satisfied
// by batches 0..k-1 and no earlier. Nodes within a batch have no dependency
// relation to one another and may execute concurrently; batches execute in
// order. Ids within a batch are sorted ascending.
func (g *TaskGraph) ParallelBatches() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for id, deps := range g.edges {
		indegree[id] = len(deps)
		for _, depID := range deps {
			dependents[depID] = append(dependents[depID], id)
		}
	}

	var current []string
	for id, deg := range indegree {
		if deg == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	var batches [][]string
	emitted := 0
	for len(current) > 0 {
		batches = append(batches, current)
		emitted += len(current)

		var next []string
		for _, id := range current {
			for _, depID := range dependents[id] {
				indegree[depID]--
				if indegree[depID] == 0 {
					next = append(next, depID)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if emitted != len(g.nodes) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Nodes: stuck}
	}

	return batches, nil
}

// Node returns the ToDo for a given id, or nil if not found.
func (g *TaskGraph) Node(id string) *models.ToDo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Nodes returns all nodes sorted by id.
func (g *TaskGraph) Nodes() []*models.ToDo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	todos := make([]*models.ToDo, 0, len(g.nodes))
	for _, id := range g.sortedIDsLocked() {
		todos = append(todos, g.nodes[id])
	}
	return todos
}

// Size returns the number of nodes in the graph.
func (g *TaskGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the ids the given node depends on.
func (g *TaskGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// Dependents returns the ids of nodes that depend on the given node.
func (g *TaskGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for nid, deps := range g.edges {
		for _, depID := range deps {
			if depID == id {
				out = append(out, nid)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// sortedIDsLocked returns all node ids in ascending order. Caller must hold g.mu.
func (g *TaskGraph) sortedIDsLocked() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// mergeSorted merges two ascending string slices into one ascending slice.
func mergeSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
