package chain

import (
	"github.com/auradu2011/kaldi/fsa"
)

// NormalizationGraph presents a denominator graph in composable form.
// Acceptors cannot hold per-state initial probabilities, so composition
// treats InitialProbs as weights on epsilon arcs from a single
// synthetic start state. The base graph is shared read-only and is
// never mutated; this type is an adapter, not a copy.
type NormalizationGraph struct {
	Base         *fsa.Acceptor
	InitialProbs []float64
	FinalProbs   []float64

	// labelIdx[s][l] lists the base arcs leaving s with label l,
	// precomputed once since the decorator is reused across all chunks
	// of an epoch.
	labelIdx []map[fsa.Label][]fsa.Arc
}

// Normalization wraps the denominator graph as a NormalizationGraph.
func (d *DenominatorGraph) Normalization() *NormalizationGraph {
	idx := make([]map[fsa.Label][]fsa.Arc, len(d.Graph.States))
	for s := range d.Graph.States {
		m := make(map[fsa.Label][]fsa.Arc, len(d.Graph.States[s].Arcs))
		for _, a := range d.Graph.States[s].Arcs {
			m[a.Label] = append(m[a.Label], a)
		}
		idx[s] = m
	}
	return &NormalizationGraph{
		Base:         d.Graph,
		InitialProbs: d.InitialProbs,
		FinalProbs:   d.FinalProbs,
		labelIdx:     idx,
	}
}

// compose builds the product of a frame-synchronized chunk graph with
// the normalization graph. The chunk's start pairs with the synthetic
// start: its first arcs join against every base state with nonzero
// initial probability, folding the epsilon weight into the first real
// arc. Returns the product, the per-state local frame indices, and
// ok=false when no final-reachable path survives.
func (n *NormalizationGraph) compose(g *fsa.Acceptor, frames []int32) (*fsa.Acceptor, []int32, bool) {
	if g.Empty() {
		return fsa.New(), nil, false
	}

	type pair struct{ c, d int32 }
	ids := make(map[pair]int32)
	out := fsa.New()
	out.StartWeight = g.StartWeight
	var outFrames []int32
	var queue []pair

	intern := func(p pair) int32 {
		if id, ok := ids[p]; ok {
			return id
		}
		id := out.AddState()
		ids[p] = id
		out.States[id].Final = g.States[p.c].Final * n.FinalProbs[p.d]
		outFrames = append(outFrames, frames[p.c])
		queue = append(queue, p)
		return id
	}

	start := out.AddState()
	out.SetStart(start)
	outFrames = append(outFrames, frames[g.Start])

	// Initial expansion: chunk start arcs against every initial-weight
	// base state.
	for _, ca := range g.States[g.Start].Arcs {
		for d, ip := range n.InitialProbs {
			if ip == 0 {
				continue
			}
			for _, ba := range n.labelIdx[d][ca.Label] {
				out.AddArc(start, ca.Label, ca.Weight*ip*ba.Weight, intern(pair{ca.Dst, ba.Dst}))
			}
		}
	}

	for len(queue) > 0 {
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		src := ids[p]
		for _, ca := range g.States[p.c].Arcs {
			for _, ba := range n.labelIdx[p.d][ca.Label] {
				out.AddArc(src, ca.Label, ca.Weight*ba.Weight, intern(pair{ca.Dst, ba.Dst}))
			}
		}
	}

	res, old2new := fsa.Connect(out)
	if res.Empty() {
		return res, nil, false
	}
	resFrames := make([]int32, res.NumStates())
	for old, nw := range old2new {
		if nw >= 0 {
			resFrames[nw] = outFrames[old]
		}
	}
	return res, resFrames, true
}
