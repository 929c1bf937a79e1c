package fsa

import (
	"math"
	"testing"
)

// linearPath builds an acceptor accepting exactly the given label
// sequence with unit arc weights and final weight 1.
func linearPath(labels ...Label) *Acceptor {
	g := New()
	prev := g.AddState()
	g.SetStart(prev)
	for _, l := range labels {
		next := g.AddState()
		g.AddArc(prev, l, 1.0, next)
		prev = next
	}
	g.SetFinal(prev, 1.0)
	return g
}

func TestComposeRestrictsToSharedPaths(t *testing.T) {
	// b accepts (1 2) with weight 0.5*0.4 and (1 3) with weight 0.5*0.6.
	b := New()
	for i := 0; i < 3; i++ {
		b.AddState()
	}
	b.SetStart(0)
	b.AddArc(0, 1, 0.5, 1)
	b.AddArc(1, 2, 0.4, 2)
	b.AddArc(1, 3, 0.6, 2)
	b.SetFinal(2, 1.0)

	a := linearPath(1, 2)
	c := Compose(a, b)
	if c.Empty() {
		t.Fatal("compose result empty")
	}
	want := 0.5 * 0.4
	if got := c.TotalWeight(10); math.Abs(got-want) > 1e-12 {
		t.Errorf("composed total = %g, want %g", got, want)
	}

	// Disjoint label path composes to empty.
	if c := Compose(linearPath(1, 7), b); !c.Empty() {
		t.Error("compose with unshared label should be empty")
	}
}

func TestComposeMultipliesTotals(t *testing.T) {
	// When both inputs accept a single identical path, the composed
	// total is the product of the path weights.
	a := linearPath(4, 5)
	a.States[0].Arcs[0].Weight = 0.25
	b := linearPath(4, 5)
	b.States[1].Arcs[0].Weight = 0.5
	c := Compose(a, b)
	want := 0.25 * 0.5
	if got := c.TotalWeight(10); math.Abs(got-want) > 1e-12 {
		t.Errorf("composed total = %g, want %g", got, want)
	}
	if c.StartWeight != a.StartWeight*b.StartWeight {
		t.Errorf("StartWeight = %g, want %g", c.StartWeight, a.StartWeight*b.StartWeight)
	}
}
