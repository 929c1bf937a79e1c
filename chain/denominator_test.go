package chain

import (
	"math"
	"testing"

	"github.com/auradu2011/kaldi/fsa"
	"github.com/auradu2011/kaldi/phonelm"
)

func trainedPhoneLM(t *testing.T) *phonelm.Model {
	t.Helper()
	b := phonelm.NewBuilder(2, 2)
	seqs := [][]phonelm.Phone{
		{1, 2, 1},
		{2, 1, 2},
		{1, 1, 2},
		{2, 2, 1, 1},
	}
	for _, s := range seqs {
		if err := b.AddSequence(s); err != nil {
			t.Fatal(err)
		}
	}
	lm, err := b.Build(-1)
	if err != nil {
		t.Fatal(err)
	}
	return lm
}

func TestBuildDenominator(t *testing.T) {
	lm := trainedPhoneLM(t)
	ctx := MonophoneContext(2, 1)
	cfg := DefaultConfig()
	cfg.InitIters = 50

	den, err := BuildDenominator(lm, ctx, DefaultTopology(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	n := den.Graph.NumStates()
	if n == 0 {
		t.Fatal("empty denominator graph")
	}
	if len(den.InitialProbs) != n || len(den.FinalProbs) != n {
		t.Fatalf("probability vectors sized %d/%d for %d states",
			len(den.InitialProbs), len(den.FinalProbs), n)
	}
	sum := 0.0
	for _, p := range den.InitialProbs {
		if p < 0 {
			t.Fatalf("negative initial prob %g", p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("initial probs sum to %g, want 1", sum)
	}
	for s, p := range den.FinalProbs {
		if p != 1 {
			t.Errorf("final prob of state %d is %g, want 1", s, p)
		}
	}
	if den.Anchor < 0 || int(den.Anchor) >= n {
		t.Fatalf("anchor %d out of range", den.Anchor)
	}
	if len(den.Graph.States[den.Anchor].Arcs) == 0 {
		t.Error("anchor has no outgoing arcs")
	}
	for s := range den.Graph.States {
		for _, a := range den.Graph.States[s].Arcs {
			if a.Label < 1 || int(a.Label) > ctx.NumClasses() {
				t.Fatalf("arc label %d outside 1..%d", a.Label, ctx.NumClasses())
			}
			if !(a.Weight > 0) {
				t.Fatalf("non-positive arc weight %g", a.Weight)
			}
		}
	}
}

func TestBuildDenominatorRejectsDeadEndLM(t *testing.T) {
	lm := &phonelm.Model{
		Order:     2,
		NumPhones: 1,
		Start:     0,
		States: []phonelm.State{
			{Hist: nil, Arcs: []phonelm.Arc{{Phone: 1, Prob: 1, Dst: 1}}},
			{Hist: []phonelm.Phone{1}}, // no arcs, no final mass
		},
	}
	ctx := MonophoneContext(1, 1)
	if _, err := BuildDenominator(lm, ctx, DefaultTopology(), DefaultConfig()); err == nil {
		t.Fatal("expected error for LM with a reachable dead end")
	}
}

// A one-phone LM with total mass 1 must expand to a graph with total
// mass 1: the self-loop/advance split inside the phone HMM redistributes
// each unit of probability without losing any.
func TestExpandPhoneLMPreservesMass(t *testing.T) {
	lm := &phonelm.Model{
		Order:     2,
		NumPhones: 1,
		Start:     0,
		States: []phonelm.State{
			{Hist: nil, Arcs: []phonelm.Arc{{Phone: 1, Prob: 1, Dst: 1}}},
			{Hist: []phonelm.Phone{1}, Final: 1},
		},
	}
	ctx := MonophoneContext(1, 2)
	g, err := ExpandPhoneLM(lm, ctx, Topology{StatesPerPhone: 2, SelfLoopProb: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if tot := g.TotalWeight(400); math.Abs(tot-1) > 1e-6 {
		t.Errorf("expanded total weight = %g, want 1", tot)
	}
	// Every arc must carry a class label for phone 1 under the two-state
	// topology: labels 1 and 2.
	for s := range g.States {
		for _, a := range g.States[s].Arcs {
			if a.Label != 1 && a.Label != 2 {
				t.Errorf("unexpected label %d", a.Label)
			}
		}
	}
}

func TestExpandPhoneLMRejectsMismatchedTopology(t *testing.T) {
	lm := trainedPhoneLM(t)
	ctx := MonophoneContext(2, 1)
	if _, err := ExpandPhoneLM(lm, ctx, Topology{StatesPerPhone: 2, SelfLoopProb: 0.5}); err == nil {
		t.Fatal("expected error for context/topology width mismatch")
	}
}

// With arcs A -1:0.5-> A, A -2:0.5-> B, B -2:1.0-> B, the stationary
// distribution drains into B, so B wins the anchor ranking and A is the
// runner-up.
func TestNewDenominatorGraphStationaryAndAnchor(t *testing.T) {
	mk := func() *fsa.Acceptor {
		g := fsa.New()
		a := g.AddState()
		b := g.AddState()
		g.SetStart(a)
		g.AddArc(a, 1, 0.5, a)
		g.AddArc(a, 2, 0.5, b)
		g.AddArc(b, 2, 1.0, b)
		g.SetFinal(a, 1.0)
		g.SetFinal(b, 1.0)
		return g
	}
	cfg := DefaultConfig()
	cfg.InitIters = 50

	den, err := NewDenominatorGraph(mk(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	sum := den.InitialProbs[0] + den.InitialProbs[1]
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("initial probs sum to %g, want 1", sum)
	}
	if den.InitialProbs[1] <= den.InitialProbs[0] {
		t.Errorf("stationary mass should drain into B: got %v", den.InitialProbs)
	}
	if den.Anchor != 1 {
		t.Errorf("anchor = %d, want 1", den.Anchor)
	}

	cfg.AnchorRank = 1
	den2, err := NewDenominatorGraph(mk(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if den2.Anchor != 0 {
		t.Errorf("rank-1 anchor = %d, want 0", den2.Anchor)
	}
}
