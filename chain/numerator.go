package chain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/glog"

	"github.com/auradu2011/kaldi/fsa"
	"github.com/auradu2011/kaldi/phonelm"
)

// Lattice is a per-utterance pronunciation lattice: a DAG whose arcs
// carry alternative phones with their reference time boundaries in
// input frames (start inclusive, end exclusive). Alternative
// pronunciations appear as parallel arcs or diverging/rejoining node
// paths.
type Lattice struct {
	NumNodes   int
	Start, End int32
	Arcs       []LatticeArc
}

// LatticeArc is one phone occurrence in the lattice.
type LatticeArc struct {
	Src, Dst   int32
	Phone      phonelm.Phone
	StartFrame int // input frames, inclusive
	EndFrame   int // input frames, exclusive
}

func (l *Lattice) validate(numPhones int) error {
	if l.NumNodes < 2 || len(l.Arcs) == 0 {
		return fmt.Errorf("chain: lattice has no content")
	}
	if l.Start < 0 || int(l.Start) >= l.NumNodes || l.End < 0 || int(l.End) >= l.NumNodes {
		return fmt.Errorf("chain: lattice start/end out of range")
	}
	for i, a := range l.Arcs {
		if a.Src < 0 || int(a.Src) >= l.NumNodes || a.Dst < 0 || int(a.Dst) >= l.NumNodes {
			return fmt.Errorf("chain: lattice arc %d references missing node", i)
		}
		if a.Phone < 1 || int(a.Phone) > numPhones {
			return fmt.Errorf("chain: lattice arc %d: phone %d out of range", i, a.Phone)
		}
		if a.EndFrame <= a.StartFrame {
			return fmt.Errorf("chain: lattice arc %d: empty frame span [%d,%d)", i, a.StartFrame, a.EndFrame)
		}
	}
	return nil
}

// NumeratorGraph is a frame-indexed unweighted acceptor for one
// utterance: every arc advances exactly one output frame, Frames gives
// each state's frame, and the accepted label sequences are the class
// sequences consistent with the lattice within the tolerance window.
// It is a pure constraint set; weights arrive later via normalization,
// so the graph is kept deterministic (one path per accepted label
// sequence) to keep normalization from counting an alignment twice.
type NumeratorGraph struct {
	G      *fsa.Acceptor
	Frames []int32
	T      int // total output frames
}

// numKey identifies an expansion state: between phones at a lattice
// node (kind 0) or occupying HMM state k of lattice arc a (kind 1),
// always at a specific output frame.
type numKey struct {
	kind int8
	idx  int32
	k    int8
	f    int32
}

// BuildNumerator expands an aligned lattice into a frame-indexed
// acceptor. A phone with reference output span [b, e) may be entered at
// any frame in [b-tol, b+tol] and exited at any frame in [e-tol, e+tol],
// its HMM states advancing left to right, one arc per frame.
func BuildNumerator(lat *Lattice, ctx *ContextDep, topo Topology, cfg Config, numInputFrames int) (*NumeratorGraph, error) {
	if err := topo.validate(); err != nil {
		return nil, err
	}
	if err := lat.validate(ctx.numPhones); err != nil {
		return nil, err
	}
	T := cfg.outputFrames(numInputFrames)
	if T < 1 {
		return nil, fmt.Errorf("chain: utterance has no output frames")
	}
	tol := cfg.toleranceFrames()
	spp := topo.StatesPerPhone

	// Left context per lattice arc: the phone on any arc into its
	// source node (0 at the lattice start). Joins with differing left
	// phones keep the first seen; the tolerance window already makes
	// the constraint set approximate at pronunciation joins.
	leftPhone := make([]phonelm.Phone, lat.NumNodes)
	for _, a := range lat.Arcs {
		if leftPhone[a.Dst] == 0 {
			leftPhone[a.Dst] = a.Phone
		}
	}

	g := fsa.New()
	var frames []int32
	ids := make(map[numKey]int32)
	var queue []numKey
	intern := func(k numKey) int32 {
		if id, ok := ids[k]; ok {
			return id
		}
		id := g.AddState()
		ids[k] = id
		frames = append(frames, k.f)
		queue = append(queue, k)
		return id
	}

	arcsFrom := make([][]int32, lat.NumNodes)
	for i, a := range lat.Arcs {
		arcsFrom[a.Src] = append(arcsFrom[a.Src], int32(i))
	}

	clamp := func(v, lo, hi int) int {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}

	start := intern(numKey{kind: 0, idx: lat.Start, f: 0})
	g.SetStart(start)

	for len(queue) > 0 {
		k := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		src := ids[k]
		f := int(k.f)
		if f >= T {
			continue
		}

		if k.kind == 0 {
			// Between phones at lattice node idx: enter any outgoing
			// phone whose entry window covers f.
			for _, ai := range arcsFrom[k.idx] {
				la := lat.Arcs[ai]
				b := cfg.outputFrame(la.StartFrame)
				e := cfg.outputFrame(la.EndFrame)
				exitHi := clamp(e+tol, 0, T)
				if f < clamp(b-tol, 0, T) || f > b+tol {
					continue
				}
				// Must fit the remaining HMM states before exitHi.
				if f+spp > exitHi {
					continue
				}
				label := fsa.Label(ctx.Class(leftPhone[k.idx], la.Phone, 0) + 1)
				addPhoneArcs(g, src, label, ai, 0, f, spp, e, tol, T, lat, intern)
			}
		} else {
			// Occupying HMM state k.k of lattice arc k.idx.
			la := lat.Arcs[k.idx]
			e := cfg.outputFrame(la.EndFrame)
			exitHi := clamp(e+tol, 0, T)
			if f+spp-int(k.k) > exitHi {
				continue
			}
			label := fsa.Label(ctx.Class(leftPhone[la.Src], la.Phone, int(k.k)) + 1)
			addPhoneArcs(g, src, label, k.idx, int(k.k), f, spp, e, tol, T, lat, intern)
		}
	}

	// The utterance must end at the lattice end node after frame T.
	endKey := numKey{kind: 0, idx: lat.End, f: int32(T)}
	if id, ok := ids[endKey]; ok {
		g.SetFinal(id, 1.0)
	}

	gc, old2new := fsa.Connect(g)
	if gc.Empty() {
		return nil, fmt.Errorf("chain: numerator graph is empty (alignment incompatible with lattice)")
	}
	ngFrames := make([]int32, gc.NumStates())
	for old, nw := range old2new {
		if nw >= 0 {
			ngFrames[nw] = frames[old]
		}
	}
	gd, fd := determinize(gc, ngFrames)
	return &NumeratorGraph{G: gd, Frames: fd, T: T}, nil
}

// determinize rebuilds an unweighted frame-synchronized acceptor by
// subset construction so every accepted label sequence is realized by
// exactly one path. The tolerance window lets the expansion reach the
// same label future through several boundary placements (consecutive
// occurrences of one phone especially), and normalization would weight
// each duplicate path in full, overcounting a single alignment. All
// states in a subset share a frame because every arc advances exactly
// one frame.
func determinize(g *fsa.Acceptor, frames []int32) (*fsa.Acceptor, []int32) {
	if g.Empty() {
		return g, frames
	}
	out := fsa.New()
	var outFrames []int32
	ids := make(map[string]int32)
	type subset struct {
		states []int32
		id     int32
	}
	var queue []subset

	intern := func(set []int32) int32 {
		var b strings.Builder
		for i, s := range set {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(int(s)))
		}
		k := b.String()
		if id, ok := ids[k]; ok {
			return id
		}
		id := out.AddState()
		ids[k] = id
		outFrames = append(outFrames, frames[set[0]])
		for _, s := range set {
			if g.States[s].Final != 0 {
				out.SetFinal(id, 1.0)
				break
			}
		}
		queue = append(queue, subset{states: set, id: id})
		return id
	}

	out.SetStart(intern([]int32{g.Start}))

	for len(queue) > 0 {
		cur := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		byLabel := make(map[fsa.Label]map[int32]bool)
		for _, s := range cur.states {
			for _, a := range g.States[s].Arcs {
				m := byLabel[a.Label]
				if m == nil {
					m = make(map[int32]bool)
					byLabel[a.Label] = m
				}
				m[a.Dst] = true
			}
		}
		labels := make([]fsa.Label, 0, len(byLabel))
		for l := range byLabel {
			labels = append(labels, l)
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
		for _, l := range labels {
			dsts := make([]int32, 0, len(byLabel[l]))
			for d := range byLabel[l] {
				dsts = append(dsts, d)
			}
			sort.Slice(dsts, func(i, j int) bool { return dsts[i] < dsts[j] })
			out.AddArc(cur.id, l, 1.0, intern(dsts))
		}
	}
	return out, outFrames
}

// addPhoneArcs emits the arcs for consuming frame f in HMM state k of
// lattice arc ai: stay in k, advance to k+1, or (from the last state)
// exit to the destination node when f+1 falls in the exit window.
func addPhoneArcs(g *fsa.Acceptor, src int32, label fsa.Label, ai int32, k, f, spp, e, tol, T int,
	lat *Lattice, intern func(numKey) int32) {

	la := lat.Arcs[ai]
	exitLo := e - tol
	exitHi := e + tol
	if exitHi > T {
		exitHi = T
	}

	// Stay: one more frame in state k, if the remaining states still fit.
	if f+1+(spp-k) <= exitHi {
		g.AddArc(src, label, 1.0, intern(numKey{kind: 1, idx: ai, k: int8(k), f: int32(f + 1)}))
	}
	if k+1 < spp {
		// Advance within the phone.
		if f+1+(spp-k-1) <= exitHi {
			g.AddArc(src, label, 1.0, intern(numKey{kind: 1, idx: ai, k: int8(k + 1), f: int32(f + 1)}))
		}
	} else if f+1 >= exitLo && f+1 <= exitHi {
		// Exit the phone.
		g.AddArc(src, label, 1.0, intern(numKey{kind: 0, idx: la.Dst, f: int32(f + 1)}))
	}
}

// Chunk is a fixed-length slice of a numerator graph, locally
// frame-indexed 0..Len. Before normalization it is an unweighted
// constraint set; Normalize composes it with the normalization graph.
type Chunk struct {
	G          *fsa.Acceptor
	Frames     []int32 // local frame per state
	Len        int
	Normalized bool
}

// Split partitions a numerator graph into chunks of L output frames. A
// trailing partial chunk is dropped. Boundary states at the chunk's
// first frame merge into a synthetic start (their arcs are copied, no
// weight redistribution is needed because the graph is unweighted);
// states at the chunk's end frame become final.
func Split(ng *NumeratorGraph, L int) []*Chunk {
	if L < 1 || ng.T < L {
		return nil
	}
	numChunks := ng.T / L

	// Bucket states by frame.
	byFrame := make([][]int32, ng.T+1)
	for s, f := range ng.Frames {
		byFrame[f] = append(byFrame[f], int32(s))
	}

	chunks := make([]*Chunk, 0, numChunks)
	for c := 0; c < numChunks; c++ {
		lo, hi := c*L, (c+1)*L
		g := fsa.New()
		var frames []int32
		old2local := make(map[int32]int32)

		addLocal := func(old int32) int32 {
			if id, ok := old2local[old]; ok {
				return id
			}
			id := g.AddState()
			old2local[old] = id
			frames = append(frames, ng.Frames[old]-int32(lo))
			return id
		}

		start := g.AddState()
		frames = append(frames, 0)
		g.SetStart(start)

		// Interior states: frames lo+1 .. hi.
		for f := lo + 1; f <= hi; f++ {
			for _, s := range byFrame[f] {
				addLocal(s)
			}
		}
		// Arcs out of boundary states fold onto the synthetic start,
		// deduplicated (the graph is unweighted, parallel duplicates
		// would double paths).
		type arcKey struct {
			label fsa.Label
			dst   int32
		}
		seen := make(map[arcKey]bool)
		for _, s := range byFrame[lo] {
			for _, a := range ng.G.States[s].Arcs {
				k := arcKey{a.Label, addLocal(a.Dst)}
				if !seen[k] {
					seen[k] = true
					g.AddArc(start, a.Label, 1.0, k.dst)
				}
			}
		}
		// Interior arcs; arcs out of frame hi are cut.
		for f := lo + 1; f < hi; f++ {
			for _, s := range byFrame[f] {
				src := old2local[s]
				for _, a := range ng.G.States[s].Arcs {
					g.AddArc(src, a.Label, 1.0, addLocal(a.Dst))
				}
			}
		}
		for _, s := range byFrame[hi] {
			g.SetFinal(old2local[s], 1.0)
		}

		gc, old2new := fsa.Connect(g)
		chFrames := make([]int32, gc.NumStates())
		for old, nw := range old2new {
			if nw >= 0 {
				chFrames[nw] = frames[old]
			}
		}
		// Merging boundary states can put two arcs with one label on the
		// synthetic start; re-determinize so no label sequence doubles.
		gd, fd := determinize(gc, chFrames)
		chunks = append(chunks, &Chunk{G: gd, Frames: fd, Len: L})
	}
	return chunks
}

// Normalize composes the chunk with the normalization graph so its
// paths inherit denominator costs. Post-composition, every surviving
// path's weight is bounded above by the corresponding denominator path
// weight, which is what keeps the training objective non-positive.
// ok=false means no final-reachable path survived; the caller drops the
// chunk from the minibatch (expected to be rare, not an error).
func (c *Chunk) Normalize(norm *NormalizationGraph) (*Chunk, bool) {
	if c.Normalized {
		return c, true
	}
	g, frames, ok := norm.compose(c.G, c.Frames)
	if !ok {
		glog.V(1).Infof("chain: dropping chunk: normalization left no surviving path")
		return nil, false
	}
	return &Chunk{G: g, Frames: frames, Len: c.Len, Normalized: true}, true
}
