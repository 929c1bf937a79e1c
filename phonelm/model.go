// Package phonelm holds phone-level n-gram language models in explicit
// state-machine form: states are phone histories, arcs carry a phone
// and its conditional probability. Models arrive pruned and unsmoothed;
// estimation and smoothing happen upstream.
package phonelm

import "fmt"

// Phone identifies a phone. Valid phones are 1..NumPhones; 0 is unused.
type Phone int32

// Arc is a transition on Phone with conditional probability Prob.
type Arc struct {
	Phone Phone
	Prob  float64
	Dst   int32
}

// State is one n-gram history. Hist holds the conditioning phones, most
// recent last. Final is the end-of-sequence probability.
type State struct {
	Hist  []Phone
	Arcs  []Arc
	Final float64
}

// Model is a pruned phone n-gram model.
type Model struct {
	Order     int
	NumPhones int
	Start     int32
	States    []State
}

// Validate checks that the model is usable for denominator graph
// construction. A reachable state with no outgoing arcs and no final
// probability is a dead end left behind by pruning; such a model is
// malformed and must be rejected before training starts.
func (m *Model) Validate() error {
	if m.Order < 1 {
		return fmt.Errorf("phonelm: order %d out of range", m.Order)
	}
	if m.NumPhones < 1 {
		return fmt.Errorf("phonelm: no phones")
	}
	if m.Start < 0 || int(m.Start) >= len(m.States) {
		return fmt.Errorf("phonelm: start state %d out of range", m.Start)
	}

	seen := make([]bool, len(m.States))
	stack := []int32{m.Start}
	seen[m.Start] = true
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		st := &m.States[s]
		if len(st.Arcs) == 0 && st.Final == 0 {
			return fmt.Errorf("phonelm: state %d (history %v) is a dead end after pruning", s, st.Hist)
		}
		for _, a := range st.Arcs {
			if a.Phone < 1 || int(a.Phone) > m.NumPhones {
				return fmt.Errorf("phonelm: state %d: phone %d out of range", s, a.Phone)
			}
			if a.Prob <= 0 {
				return fmt.Errorf("phonelm: state %d: non-positive probability %g", s, a.Prob)
			}
			if a.Dst < 0 || int(a.Dst) >= len(m.States) {
				return fmt.Errorf("phonelm: state %d: arc to missing state %d", s, a.Dst)
			}
			if !seen[a.Dst] {
				seen[a.Dst] = true
				stack = append(stack, a.Dst)
			}
		}
	}
	return nil
}

// LastPhone returns the most recent phone of a state's history, or 0
// when the history is empty (sequence start).
func (m *Model) LastPhone(s int32) Phone {
	h := m.States[s].Hist
	if len(h) == 0 {
		return 0
	}
	return h[len(h)-1]
}
