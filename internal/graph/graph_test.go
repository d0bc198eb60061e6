package graph

import (
	"testing"

	"github.com/ovbuild/velocity/internal/image"
	"github.com/ovbuild/velocity/internal/version"
)

func img(name, v string) *image.Image {
	return image.New(name, version.MustParse(v))
}

func TestAddEdgeAndGetDependencies(t *testing.T) {
	g := New()
	gcc := img("gcc", "12.3")
	ubuntu := img("ubuntu", "22.04")
	g.AddNode(gcc)
	g.AddNode(ubuntu)

	if err := g.AddEdge(gcc, ubuntu); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	deps := g.GetDependencies(gcc)
	if len(deps) != 1 || deps[0] != ubuntu {
		t.Fatalf("GetDependencies(gcc) = %v, want [ubuntu] (same pointer)", deps)
	}

	if len(g.GetDependencies(ubuntu)) != 0 {
		t.Fatalf("expected ubuntu to have no dependencies")
	}
}

func TestAddEdgeMissingNode(t *testing.T) {
	g := New()
	a := img("a", "1.0")
	b := img("b", "1.0")
	g.AddNode(a)

	err := g.AddEdge(a, b)
	if err == nil {
		t.Fatalf("expected error for missing node")
	}
	if _, ok := err.(*MissingNodeError); !ok {
		t.Fatalf("expected *MissingNodeError, got %T", err)
	}
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	g := New()
	a := img("a", "1.0")
	b := img("b", "1.0")
	c := img("c", "1.0")
	g.AddNode(a)
	g.AddNode(b)
	g.AddNode(c)

	if err := g.AddEdge(a, b); err != nil {
		t.Fatalf("AddEdge(a,b): %v", err)
	}
	if err := g.AddEdge(b, c); err != nil {
		t.Fatalf("AddEdge(b,c): %v", err)
	}

	err := g.AddEdge(c, a)
	if err == nil {
		t.Fatalf("expected cycle error, got nil")
	}
	cycleErr, ok := err.(*CycleError)
	if !ok {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if len(cycleErr.Cycle) == 0 {
		t.Fatalf("CycleError.Cycle is empty")
	}

	if len(g.GetDependencies(c)) != 1 {
		t.Fatalf("expected the cycle-closing edge to not have been added")
	}
}

func TestGetSimilarNodesOrdersByPreferred(t *testing.T) {
	g := New()
	g.AddNode(img("gcc", "11.2"))
	g.AddNode(img("gcc", "12.3"))
	g.AddNode(img("gcc", "12.3.0-rc1"))
	g.AddNode(img("ubuntu", "22.04"))

	similar := g.GetSimilarNodes("gcc")
	if len(similar) != 3 {
		t.Fatalf("expected 3 gcc nodes, got %d", len(similar))
	}
	if similar[0].Version.String() != "12.3.0-rc1" {
		t.Fatalf("expected 12.3.0-rc1 (preferred over 12.3) first, got %s", similar[0].Version)
	}
}

func TestIsAbove(t *testing.T) {
	g := New()
	a := img("a", "1.0")
	b := img("b", "1.0")
	c := img("c", "1.0")
	g.AddNode(a)
	g.AddNode(b)
	g.AddNode(c)
	if err := g.AddEdge(a, b); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := g.AddEdge(b, c); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	if !g.IsAbove(a, c) {
		t.Fatalf("expected c to be transitively reachable from a")
	}
	if g.IsAbove(c, a) {
		t.Fatalf("did not expect a to be reachable from c")
	}
	if !g.IsAbove(a, a) {
		t.Fatalf("expected a node to be above itself")
	}
}
