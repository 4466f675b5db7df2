package graph

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

func todo(id string, deps ...string) *models.ToDo {
	return &models.ToDo{ID: id, ActionType: models.ActionNoop, DependsOn: deps}
}

func TestAddNodeDuplicate(t *testing.T) {
	g := New()
	if err := g.AddNode(todo("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := g.AddNode(todo("a"))
	var dup *DuplicateNodeError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNodeError, got %v", err)
	}
	if dup.ID != "a" {
		t.Errorf("expected duplicate id a, got %s", dup.ID)
	}
}

func TestAddNodeAfterFinalize(t *testing.T) {
	g := New()
	if err := g.AddNode(todo("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Finalize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := g.AddNode(todo("b"))
	var frozen *FrozenError
	if !errors.As(err, &frozen) {
		t.Fatalf("expected FrozenError, got %v", err)
	}
	if !g.Finalized() {
		t.Error("graph should report finalized")
	}
}

func TestFinalizeDanglingDependency(t *testing.T) {
	g := New()
	if err := g.AddNode(todo("a", "ghost")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := g.Finalize()
	var dangling *DanglingDependencyError
	if !errors.As(err, &dangling) {
		t.Fatalf("expected DanglingDependencyError, got %v", err)
	}
	if dangling.NodeID != "a" || dangling.DepID != "ghost" {
		t.Errorf("unexpected error detail: %+v", dangling)
	}
}

func TestFinalizeCycle(t *testing.T) {
	// a -> b -> a
	_, err := Build([]*models.ToDo{todo("a", "b"), todo("b", "a")})
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}

	found := map[string]bool{}
	for _, id := range cycle.Nodes {
		found[id] = true
	}
	if !found["a"] || !found["b"] {
		t.Errorf("cycle error should name both ids, got %v", cycle.Nodes)
	}
}

func TestFinalizeSelfDependency(t *testing.T) {
	_, err := Build([]*models.ToDo{todo("a", "a")})
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError for self-dependency, got %v", err)
	}
}

func TestTopologicalOrder(t *testing.T) {
	g, err := Build([]*models.ToDo{
		todo("c", "a"),
		todo("b", "a"),
		todo("a"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
}

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	g, err := Build([]*models.ToDo{
		todo("z"),
		todo("m", "z"),
		todo("a", "m"),
		todo("q", "z"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, n := range g.Nodes() {
		for _, dep := range n.DependsOn {
			if pos[dep] > pos[n.ID] {
				t.Errorf("node %s appears before its dependency %s in %v", n.ID, dep, order)
			}
		}
	}

	// Deterministic tie-break: m and q both become ready after z; m sorts first.
	want := []string{"z", "m", "q", "a"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("expected deterministic order %v, got %v", want, order)
	}
}

func TestParallelBatchesChain(t *testing.T) {
	g, err := Build([]*models.ToDo{
		todo("n1"),
		todo("n2", "n1"),
		todo("n3", "n2"),
		todo("n4", "n3"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	batches, err := g.ParallelBatches()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(batches) != 4 {
		t.Fatalf("linear chain of 4 should yield 4 batches, got %d", len(batches))
	}
	for i, b := range batches {
		if len(b) != 1 {
			t.Errorf("batch %d should have exactly one node, got %v", i, b)
		}
	}
}

func TestParallelBatchesIndependent(t *testing.T) {
	g, err := Build([]*models.ToDo{todo("a"), todo("b"), todo("c"), todo("d")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	batches, err := g.ParallelBatches()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(batches) != 1 {
		t.Fatalf("independent nodes should yield 1 batch, got %d", len(batches))
	}
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(batches[0], want) {
		t.Errorf("expected %v, got %v", want, batches[0])
	}
}

func TestParallelBatchesFanOut(t *testing.T) {
	// A with two independent dependents B and C.
	g, err := Build([]*models.ToDo{
		todo("a"),
		todo("b", "a"),
		todo("c", "a"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		t.Errorf("expected [a b c], got %v", order)
	}

	batches, err := g.ParallelBatches()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [][]string{{"a"}, {"b", "c"}}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("expected %v, got %v", want, batches)
	}
}

func TestDependentsAndDependencies(t *testing.T) {
	g, err := Build([]*models.ToDo{
		todo("a"),
		todo("b", "a"),
		todo("c", "a", "b"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if deps := g.Dependencies("c"); len(deps) != 2 {
		t.Errorf("expected 2 dependencies for c, got %v", deps)
	}
	if deps := g.Dependents("a"); !reflect.DeepEqual(deps, []string{"b", "c"}) {
		t.Errorf("expected [b c] dependents of a, got %v", deps)
	}
	if g.Node("b") == nil {
		t.Error("expected node b to be present")
	}
	if g.Size() != 3 {
		t.Errorf("expected size 3, got %d", g.Size())
	}
}
