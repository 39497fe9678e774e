package depgraph

import (
	"reflect"
	"testing"
)

func TestOrderPlacesDependenciesFirst(t *testing.T) {
	g := New()
	for _, n := range []string{"C", "A", "B", "D"} {
		g.AddNode(n)
	}
	g.AddEdge("B", "A")
	g.AddEdge("C", "B")
	g.AddEdge("D", "A")
	if cyc := g.FindCycle(); cyc != nil {
		t.Fatalf("unexpected cycle %v", cyc)
	}
	got := g.Order()
	want := []string{"A", "B", "C", "D"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order=%v want %v", got, want)
	}
	assertTopological(t, g, got)
}

func TestOrderBreaksTiesByInsertion(t *testing.T) {
	g := New()
	for _, n := range []string{"x", "y", "z"} {
		g.AddNode(n)
	}
	if got := g.Order(); !reflect.DeepEqual(got, []string{"x", "y", "z"}) {
		t.Fatalf("independent nodes reordered: %v", got)
	}
}

func TestFindCycleReturnsPath(t *testing.T) {
	g := New()
	g.AddNode("A")
	g.AddNode("B")
	g.AddNode("C")
	g.AddEdge("A", "C")
	g.AddEdge("B", "A")
	g.AddEdge("C", "B")
	cyc := g.FindCycle()
	if len(cyc) != 4 || cyc[0] != cyc[len(cyc)-1] {
		t.Fatalf("expected closed 3-node path, got %v", cyc)
	}
	want := []string{"A", "C", "B", "A"}
	if !reflect.DeepEqual(cyc, want) {
		t.Fatalf("cycle=%v want %v", cyc, want)
	}
}

func TestFindCycleSelfLoop(t *testing.T) {
	g := New()
	g.AddEdge("A", "A")
	if cyc := g.FindCycle(); !reflect.DeepEqual(cyc, []string{"A", "A"}) {
		t.Fatalf("self loop not detected: %v", cyc)
	}
}

func TestFindCycleIgnoresDiamond(t *testing.T) {
	g := New()
	g.AddEdge("D", "B")
	g.AddEdge("D", "C")
	g.AddEdge("B", "A")
	g.AddEdge("C", "A")
	if cyc := g.FindCycle(); cyc != nil {
		t.Fatalf("diamond reported as cycle: %v", cyc)
	}
	assertTopological(t, g, g.Order())
}

func TestOrderAppendsCycleMembers(t *testing.T) {
	g := New()
	g.AddNode("free")
	g.AddEdge("A", "B")
	g.AddEdge("B", "A")
	got := g.Order()
	if !reflect.DeepEqual(got, []string{"free", "A", "B"}) {
		t.Fatalf("order=%v", got)
	}
}

func TestOrderLargeChain(t *testing.T) {
	g := New()
	ids := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		ids = append(ids, string(rune('a'+i%26))+string(rune('0'+i/26)))
	}
	for i := len(ids) - 1; i >= 0; i-- {
		g.AddNode(ids[i])
	}
	for i := 1; i < len(ids); i++ {
		g.AddEdge(ids[i], ids[i-1])
	}
	if cyc := g.FindCycle(); cyc != nil {
		t.Fatalf("unexpected cycle in chain")
	}
	if got := g.Order(); !reflect.DeepEqual(got, ids) {
		t.Fatalf("chain order wrong: first=%s last=%s", got[0], got[len(got)-1])
	}
}

func assertTopological(t *testing.T, g *Graph, order []string) {
	t.Helper()
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	for from, deps := range g.deps {
		for _, to := range deps {
			if pos[g.nodes[to]] > pos[g.nodes[from]] {
				t.Fatalf("%s ordered before its dependency %s", g.nodes[from], g.nodes[to])
			}
		}
	}
}
