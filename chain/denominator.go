package chain

import (
	"fmt"
	"sort"

	"github.com/golang/glog"
	"gonum.org/v1/gonum/floats"

	"github.com/auradu2011/kaldi/fsa"
	"github.com/auradu2011/kaldi/phonelm"
)

// DenominatorGraph is the shared competing-hypotheses graph plus the
// derived chunk-boundary probability vectors. InitialProbs is a
// smoothed stationary approximation (see NewDenominatorGraph), NOT the
// graph's intrinsic start weights: utterance-boundary probabilities are
// invalid mid-utterance, so chunked training substitutes these vectors
// for the graph's own start/final weights. FinalProbs is uniformly 1.
type DenominatorGraph struct {
	Graph        *fsa.Acceptor
	InitialProbs []float64
	FinalProbs   []float64
	// Anchor is the rescaling reference state for the batched
	// forward-backward: high stationary probability, broad
	// reachability, fixed at graph-build time.
	Anchor int32
}

// ShrinkRounds is how many push/minimize/reverse rounds Shrink runs.
// Three rounds plus one more to restore the original arc direction;
// this sequence shrinks unsmoothed, highly connected LM expansions far
// better than determinization-based minimization.
const ShrinkRounds = 4

// Shrink runs the full minimization sequence on an expanded graph.
func Shrink(g *fsa.Acceptor) *fsa.Acceptor {
	for i := 0; i < ShrinkRounds; i++ {
		g = fsa.Reverse(fsa.Minimize(fsa.Push(g)))
	}
	return g
}

// ExpandPhoneLM expands a phone n-gram model into a class-labeled
// acceptor: every LM arc becomes a left-to-right phone HMM whose
// emitting states carry ClassId+1 labels under left-biphone context,
// with the LM probability folded into the phone's first frame and the
// topology's self-loop/advance probabilities on the rest. This mirrors
// decoding-graph expansion without a lexicon.
func ExpandPhoneLM(lm *phonelm.Model, ctx *ContextDep, topo Topology) (*fsa.Acceptor, error) {
	if err := topo.validate(); err != nil {
		return nil, err
	}
	if ctx.StatesPerPhone() != topo.StatesPerPhone {
		return nil, fmt.Errorf("chain: context table built for %d states per phone, topology has %d",
			ctx.StatesPerPhone(), topo.StatesPerPhone)
	}

	spp := topo.StatesPerPhone
	q := topo.SelfLoopProb

	g := fsa.New()
	// LM state s lives at graph state s; in-phone states follow.
	for range lm.States {
		g.AddState()
	}
	g.SetStart(lm.Start)

	type lmArc struct {
		src  int32
		arc  phonelm.Arc
		prev phonelm.Phone
		ip   int32 // first in-phone state id; spp consecutive states
	}
	var arcs []lmArc
	for s := range lm.States {
		for _, a := range lm.States[s].Arcs {
			la := lmArc{src: int32(s), arc: a, prev: lm.LastPhone(int32(s))}
			la.ip = g.AddState()
			for k := 1; k < spp; k++ {
				g.AddState()
			}
			arcs = append(arcs, la)
		}
		g.SetFinal(int32(s), lm.States[s].Final)
	}

	for _, la := range arcs {
		// succ(k): state occupied after advancing out of HMM state k.
		succ := func(k int) int32 {
			if k+1 < spp {
				return la.ip + int32(k+1)
			}
			return la.arc.Dst
		}
		label := func(k int) fsa.Label {
			return fsa.Label(ctx.Class(la.prev, la.arc.Phone, k) + 1)
		}
		// Entering the phone consumes its first frame with the LM
		// probability folded in.
		g.AddArc(la.src, label(0), la.arc.Prob*q, la.ip)
		g.AddArc(la.src, label(0), la.arc.Prob*(1-q), succ(0))
		// Occupying HMM state k: self-loop or advance, one frame each.
		for k := 0; k < spp; k++ {
			from := la.ip + int32(k)
			g.AddArc(from, label(k), q, from)
			g.AddArc(from, label(k), 1-q, succ(k))
		}
	}

	out, _ := fsa.Connect(g)
	if out.Empty() {
		return nil, fmt.Errorf("chain: phone LM expands to an empty graph")
	}
	return out, nil
}

// BuildDenominator validates the phone LM, expands it, runs the shrink
// sequence, and derives the boundary probability vectors.
func BuildDenominator(lm *phonelm.Model, ctx *ContextDep, topo Topology, cfg Config) (*DenominatorGraph, error) {
	if err := lm.Validate(); err != nil {
		return nil, err
	}
	g, err := ExpandPhoneLM(lm, ctx, topo)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("denominator: expanded to %d states, %d arcs", g.NumStates(), g.NumArcs())
	g = Shrink(g)
	glog.V(1).Infof("denominator: shrunk to %d states, %d arcs", g.NumStates(), g.NumArcs())
	return NewDenominatorGraph(g, cfg)
}

// NewDenominatorGraph derives the initial/final probability vectors and
// the anchor state for an already-built graph. The initial vector comes
// from iterating one HMM step (a transition-matrix multiply) from the
// uniform distribution cfg.InitIters times and averaging the second
// half of the iterates, a smoothed stationary approximation.
func NewDenominatorGraph(g *fsa.Acceptor, cfg Config) (*DenominatorGraph, error) {
	if g.Empty() {
		return nil, fmt.Errorf("chain: empty denominator graph")
	}
	n := g.NumStates()
	iters := cfg.InitIters
	if iters < 2 {
		iters = 2
	}

	v := make([]float64, n)
	u := make([]float64, n)
	avg := make([]float64, n)
	for i := range v {
		v[i] = 1 / float64(n)
	}
	for it := 0; it < iters; it++ {
		for i := range u {
			u[i] = 0
		}
		for s := 0; s < n; s++ {
			vs := v[s]
			if vs == 0 {
				continue
			}
			for _, a := range g.States[s].Arcs {
				u[a.Dst] += vs * a.Weight
			}
		}
		sum := floats.Sum(u)
		if sum <= 0 {
			return nil, fmt.Errorf("chain: probability mass vanished while deriving initial probs")
		}
		floats.Scale(1/sum, u)
		if it >= iters/2 {
			floats.Add(avg, u)
		}
		u, v = v, u
	}
	floats.Scale(1/floats.Sum(avg), avg)

	anchor, err := pickAnchor(g, avg, cfg.AnchorRank)
	if err != nil {
		return nil, err
	}

	final := make([]float64, n)
	for i := range final {
		final[i] = 1.0
	}
	return &DenominatorGraph{
		Graph:        g,
		InitialProbs: avg,
		FinalProbs:   final,
		Anchor:       anchor,
	}, nil
}

// pickAnchor selects the rank-th state by stationary probability among
// states with both incoming and outgoing arcs, so the anchor's alpha
// stays near 1.0 across frames.
func pickAnchor(g *fsa.Acceptor, stationary []float64, rank int) (int32, error) {
	n := g.NumStates()
	inDeg := make([]int, n)
	for s := 0; s < n; s++ {
		for _, a := range g.States[s].Arcs {
			inDeg[a.Dst]++
		}
	}
	var cands []int32
	for s := 0; s < n; s++ {
		if inDeg[s] > 0 && len(g.States[s].Arcs) > 0 {
			cands = append(cands, int32(s))
		}
	}
	if len(cands) == 0 {
		return 0, fmt.Errorf("chain: no valid anchor candidate")
	}
	sort.Slice(cands, func(i, j int) bool {
		if stationary[cands[i]] != stationary[cands[j]] {
			return stationary[cands[i]] > stationary[cands[j]]
		}
		return cands[i] < cands[j]
	})
	if rank < 0 {
		rank = 0
	}
	if rank >= len(cands) {
		rank = len(cands) - 1
	}
	return cands[rank], nil
}
