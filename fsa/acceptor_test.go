package fsa

import (
	"math"
	"strings"
	"testing"
)

func TestConnectDropsDeadStates(t *testing.T) {
	g := New()
	for i := 0; i < 5; i++ {
		g.AddState()
	}
	g.SetStart(0)
	g.AddArc(0, 1, 0.5, 1)
	g.AddArc(1, 2, 1.0, 2)
	g.SetFinal(2, 1.0)
	g.AddArc(0, 3, 0.5, 3) // state 3: reachable, no way to a final
	g.AddArc(4, 1, 1.0, 2) // state 4: unreachable

	c, old2new := Connect(g)
	if c.NumStates() != 3 {
		t.Fatalf("connected graph has %d states, want 3", c.NumStates())
	}
	if old2new[3] != -1 || old2new[4] != -1 {
		t.Errorf("dead states not dropped: map=%v", old2new)
	}
	if old2new[0] != c.Start {
		t.Errorf("start mapping wrong: %d != %d", old2new[0], c.Start)
	}
	want := 0.5
	if got := c.TotalWeight(10); math.Abs(got-want) > 1e-12 {
		t.Errorf("TotalWeight = %g, want %g", got, want)
	}
}

func TestConnectEmptyWhenNoFinal(t *testing.T) {
	g := New()
	g.AddState()
	g.AddState()
	g.SetStart(0)
	g.AddArc(0, 1, 1.0, 1)
	c, _ := Connect(g)
	if !c.Empty() {
		t.Error("graph with no final states should connect to empty")
	}
}

func TestTextRoundTrip(t *testing.T) {
	g := buildRedundantGraph()
	var sb strings.Builder
	if err := g.WriteText(&sb); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	h, err := ReadText(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("ReadText: %v", err)
	}
	if h.NumStates() != g.NumStates() || h.NumArcs() != g.NumArcs() || h.Start != g.Start {
		t.Fatalf("round trip changed shape: states %d->%d arcs %d->%d",
			g.NumStates(), h.NumStates(), g.NumArcs(), h.NumArcs())
	}
	a, b := g.TotalWeight(totalSweeps), h.TotalWeight(totalSweeps)
	if math.Abs(a-b) > 1e-12*a {
		t.Errorf("round trip changed total: %g -> %g", a, b)
	}
}

func TestReadTextRejectsGarbage(t *testing.T) {
	if _, err := ReadText(strings.NewReader("a 0 1 2\n")); err == nil {
		t.Error("expected error for malformed arc line")
	}
	if _, err := ReadText(strings.NewReader("a 0 1 2 -0.5\ns 0 1\n")); err == nil {
		t.Error("expected error for negative weight")
	}
	if _, err := ReadText(strings.NewReader("f 0 1\n")); err == nil {
		t.Error("expected error for missing start line")
	}
}
