package fsa

import (
	"fmt"
	"sort"
	"strings"
)

// pushSweeps bounds the relaxation used to estimate reverse path mass.
// The potential does not need to converge: any positive potential keeps
// path weights exact (the rescaling telescopes along every path and the
// residue moves to StartWeight), it only affects how much Minimize can
// collapse afterwards.
const pushSweeps = 50

// potentialCap keeps the relaxation finite on cycles whose weight
// exceeds 1 (possible in pruned, unsmoothed LM expansions).
const potentialCap = 1e100

// Push redistributes weight toward the start state. Arc and final
// weights are rescaled by an approximate reverse-mass potential so that
// mass concentrates early and states with proportional continuations
// become identical for Minimize. Total path weight is exactly
// preserved.
func Push(g *Acceptor) *Acceptor {
	if g.Empty() {
		return New()
	}
	n := len(g.States)
	r := make([]float64, n)
	for i := 0; i < pushSweeps; i++ {
		for s := n - 1; s >= 0; s-- {
			v := g.States[s].Final
			for _, a := range g.States[s].Arcs {
				v += a.Weight * r[a.Dst]
			}
			if v > potentialCap {
				v = potentialCap
			}
			r[s] = v
		}
	}
	for s := range r {
		if r[s] <= 0 {
			// Not co-reachable; Connect would drop it. Leave unscaled.
			r[s] = 1
		}
	}

	out := New()
	out.StartWeight = g.StartWeight * r[g.Start]
	for range g.States {
		out.AddState()
	}
	out.Start = g.Start
	for s := 0; s < n; s++ {
		out.States[s].Final = g.States[s].Final / r[s]
		for _, a := range g.States[s].Arcs {
			out.AddArc(int32(s), a.Label, a.Weight*r[a.Dst]/r[s], a.Dst)
		}
	}
	return out
}

// Reverse swaps arc direction and the roles of start and final weights.
// Reversal needs a super-initial state; its epsilon arcs are folded
// away immediately (arc copies scaled by the source's final weight) so
// the result stays epsilon-free. Total path weight is preserved.
func Reverse(g *Acceptor) *Acceptor {
	if g.Empty() {
		return New()
	}
	out := New()
	start := out.AddState()
	out.Start = start
	for range g.States {
		out.AddState()
	}

	// Reversed arcs; original state s lives at id s+1.
	for s := range g.States {
		for _, a := range g.States[s].Arcs {
			out.AddArc(a.Dst+1, a.Label, a.Weight, int32(s)+1)
		}
	}

	// The original start carries the reversed graph's final mass.
	out.States[g.Start+1].Final = g.StartWeight

	// Fold each original final state's entry mass onto the super-initial.
	for f := range g.States {
		fw := g.States[f].Final
		if fw == 0 {
			continue
		}
		arcs := out.States[f+1].Arcs
		for _, a := range arcs {
			out.AddArc(start, a.Label, a.Weight*fw, a.Dst)
		}
		out.States[start].Final += fw * out.States[f+1].Final
	}

	res, _ := Connect(out)
	return res
}

// weightKey formats a weight for signature comparison. Weights equal to
// 12 significant digits are treated as identical when merging.
func weightKey(w float64) string {
	return fmt.Sprintf("%.12g", w)
}

// Minimize merges states with identical continuations given the current
// weights, by partition refinement on (final weight, arc signature).
// No determinization is required; graphs stay as they are structurally,
// only equivalent states collapse. Total path weight is preserved.
func Minimize(g *Acceptor) *Acceptor {
	gc, _ := Connect(g)
	if gc.Empty() {
		return gc
	}
	n := len(gc.States)

	// Initial partition by final weight.
	class := make([]int32, n)
	sig2class := make(map[string]int32)
	for s := 0; s < n; s++ {
		k := weightKey(gc.States[s].Final)
		c, ok := sig2class[k]
		if !ok {
			c = int32(len(sig2class))
			sig2class[k] = c
		}
		class[s] = c
	}
	numClasses := len(sig2class)

	type arcSig struct {
		label Label
		cls   int32
		w     string
	}
	var b strings.Builder
	for {
		next := make(map[string]int32)
		newClass := make([]int32, n)
		for s := 0; s < n; s++ {
			sigs := make([]arcSig, len(gc.States[s].Arcs))
			for i, a := range gc.States[s].Arcs {
				sigs[i] = arcSig{a.Label, class[a.Dst], weightKey(a.Weight)}
			}
			sort.Slice(sigs, func(i, j int) bool {
				if sigs[i].label != sigs[j].label {
					return sigs[i].label < sigs[j].label
				}
				if sigs[i].cls != sigs[j].cls {
					return sigs[i].cls < sigs[j].cls
				}
				return sigs[i].w < sigs[j].w
			})
			b.Reset()
			fmt.Fprintf(&b, "%d|", class[s])
			for _, as := range sigs {
				fmt.Fprintf(&b, "%d:%d:%s;", as.label, as.cls, as.w)
			}
			k := b.String()
			c, ok := next[k]
			if !ok {
				c = int32(len(next))
				next[k] = c
			}
			newClass[s] = c
		}
		class = newClass
		if len(next) == numClasses {
			break
		}
		numClasses = len(next)
	}

	// Quotient graph: one state per class, arcs from a representative.
	rep := make([]int32, numClasses)
	for i := range rep {
		rep[i] = -1
	}
	for s := n - 1; s >= 0; s-- {
		rep[class[s]] = int32(s)
	}
	out := New()
	out.StartWeight = gc.StartWeight
	for i := 0; i < numClasses; i++ {
		out.AddState()
	}
	out.Start = class[gc.Start]
	for c := 0; c < numClasses; c++ {
		r := rep[c]
		out.States[c].Final = gc.States[r].Final
		for _, a := range gc.States[r].Arcs {
			out.AddArc(int32(c), a.Label, a.Weight, class[a.Dst])
		}
	}
	return out
}
