// Package fsa implements weighted finite-state acceptors over the
// probability semiring: arc weights are probabilities (not negative
// log-probabilities), path weights multiply, alternatives add.
package fsa

// Label is an arc symbol. Class labels are stored as class index + 1
// because label 0 is reserved as "no symbol".
type Label int32

// NoLabel is the reserved epsilon / "no symbol" label. Builders never
// emit it on arcs; it exists only for reservation.
const NoLabel Label = 0

// Arc is a weighted transition consuming Label and moving to Dst.
type Arc struct {
	Label  Label
	Weight float64
	Dst    int32
}

// State holds a state's outgoing arcs and final weight (0 = non-final).
type State struct {
	Arcs  []Arc
	Final float64
}

// Acceptor is a weighted acceptor with a single start state.
//
// StartWeight multiplies every path weight. It exists so weight pushing
// can park residual mass without per-state initial weights; externally
// built graphs always have StartWeight 1.
type Acceptor struct {
	Start       int32
	StartWeight float64
	States      []State
}

// New returns an empty acceptor with no start state.
func New() *Acceptor {
	return &Acceptor{Start: -1, StartWeight: 1}
}

// AddState appends a new state and returns its id.
func (g *Acceptor) AddState() int32 {
	g.States = append(g.States, State{})
	return int32(len(g.States) - 1)
}

// AddArc adds an arc from src.
func (g *Acceptor) AddArc(src int32, label Label, weight float64, dst int32) {
	g.States[src].Arcs = append(g.States[src].Arcs, Arc{Label: label, Weight: weight, Dst: dst})
}

// SetStart designates the start state.
func (g *Acceptor) SetStart(s int32) { g.Start = s }

// SetFinal sets a state's final weight.
func (g *Acceptor) SetFinal(s int32, w float64) { g.States[s].Final = w }

// Empty reports whether the acceptor accepts nothing structurally
// (no start state or no states at all).
func (g *Acceptor) Empty() bool { return g.Start < 0 || len(g.States) == 0 }

// NumStates returns the state count.
func (g *Acceptor) NumStates() int { return len(g.States) }

// NumArcs returns the total arc count.
func (g *Acceptor) NumArcs() int {
	n := 0
	for i := range g.States {
		n += len(g.States[i].Arcs)
	}
	return n
}

// Connect removes states that are unreachable from the start or cannot
// reach a final state, renumbering the survivors. The second return
// value maps old state ids to new ones (-1 = dropped). If the start
// itself is dropped the result is empty.
func Connect(g *Acceptor) (*Acceptor, []int32) {
	n := len(g.States)
	old2new := make([]int32, n)
	for i := range old2new {
		old2new[i] = -1
	}
	if g.Empty() {
		return New(), old2new
	}

	// Forward reachability from the start.
	fwd := make([]bool, n)
	stack := []int32{g.Start}
	fwd[g.Start] = true
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, a := range g.States[s].Arcs {
			if !fwd[a.Dst] {
				fwd[a.Dst] = true
				stack = append(stack, a.Dst)
			}
		}
	}

	// Co-reachability to a final state, over reverse adjacency.
	radj := make([][]int32, n)
	back := make([]bool, n)
	stack = stack[:0]
	for s := 0; s < n; s++ {
		for _, a := range g.States[s].Arcs {
			radj[a.Dst] = append(radj[a.Dst], int32(s))
		}
		if g.States[s].Final != 0 {
			back[s] = true
			stack = append(stack, int32(s))
		}
	}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range radj[s] {
			if !back[p] {
				back[p] = true
				stack = append(stack, p)
			}
		}
	}

	out := New()
	out.StartWeight = g.StartWeight
	for s := 0; s < n; s++ {
		if fwd[s] && back[s] {
			old2new[s] = out.AddState()
		}
	}
	if old2new[g.Start] < 0 {
		for i := range old2new {
			old2new[i] = -1
		}
		return New(), old2new
	}
	out.Start = old2new[g.Start]
	for s := 0; s < n; s++ {
		ns := old2new[s]
		if ns < 0 {
			continue
		}
		out.States[ns].Final = g.States[s].Final
		for _, a := range g.States[s].Arcs {
			if nd := old2new[a.Dst]; nd >= 0 {
				out.AddArc(ns, a.Label, a.Weight, nd)
			}
		}
	}
	return out, old2new
}

// TotalWeight returns the total path weight (StartWeight times the sum
// over accepted paths of arc-weight products times the final weight),
// computed by the given number of relaxation sweeps. Exact for acyclic
// graphs once sweeps reaches the state count; a lower bound otherwise.
func (g *Acceptor) TotalWeight(sweeps int) float64 {
	if g.Empty() {
		return 0
	}
	n := len(g.States)
	r := make([]float64, n)
	for i := 0; i < sweeps; i++ {
		for s := n - 1; s >= 0; s-- {
			v := g.States[s].Final
			for _, a := range g.States[s].Arcs {
				v += a.Weight * r[a.Dst]
			}
			r[s] = v
		}
	}
	return g.StartWeight * r[g.Start]
}
