package chain

import (
	"fmt"

	"github.com/auradu2011/kaldi/phonelm"
)

// ClassId identifies one output class of the acoustic model (a pdf
// index), 0-based. Acceptor labels store ClassId+1 because label 0 is
// reserved as "no symbol".
type ClassId int32

// Topology describes the per-phone HMM: StatesPerPhone emitting states
// traversed left to right, each with a self-loop of SelfLoopProb.
type Topology struct {
	StatesPerPhone int
	SelfLoopProb   float64
}

// DefaultTopology is the single-state-per-phone topology used by
// subsampled-output models.
func DefaultTopology() Topology {
	return Topology{StatesPerPhone: 1, SelfLoopProb: 0.5}
}

func (t Topology) validate() error {
	if t.StatesPerPhone < 1 {
		return fmt.Errorf("chain: topology needs at least one state per phone")
	}
	if t.SelfLoopProb < 0 || t.SelfLoopProb >= 1 {
		return fmt.Errorf("chain: self-loop probability %g out of [0,1)", t.SelfLoopProb)
	}
	return nil
}

// ContextDep maps (previous phone, phone, HMM state) to a ClassId.
// Context is left-biphone: previous phone 0 means "no left context".
type ContextDep struct {
	numPhones      int
	statesPerPhone int
	numClasses     int
	classes        []ClassId // [(prev*numPhones + phone-1)*statesPerPhone + state]
}

// NewContextDep builds a context-dependency table from a class
// assignment function. classOf is called with prev in 0..numPhones
// (0 = no left context), cur in 1..numPhones, and state in
// 0..statesPerPhone-1.
func NewContextDep(numPhones, statesPerPhone int, classOf func(prev, cur phonelm.Phone, state int) ClassId) *ContextDep {
	cd := &ContextDep{
		numPhones:      numPhones,
		statesPerPhone: statesPerPhone,
		classes:        make([]ClassId, (numPhones+1)*numPhones*statesPerPhone),
	}
	max := ClassId(-1)
	for prev := 0; prev <= numPhones; prev++ {
		for cur := 1; cur <= numPhones; cur++ {
			for st := 0; st < statesPerPhone; st++ {
				c := classOf(phonelm.Phone(prev), phonelm.Phone(cur), st)
				cd.classes[cd.index(phonelm.Phone(prev), phonelm.Phone(cur), st)] = c
				if c > max {
					max = c
				}
			}
		}
	}
	cd.numClasses = int(max) + 1
	return cd
}

// MonophoneContext assigns classes by (phone, state) alone, ignoring
// left context.
func MonophoneContext(numPhones, statesPerPhone int) *ContextDep {
	return NewContextDep(numPhones, statesPerPhone, func(_, cur phonelm.Phone, st int) ClassId {
		return ClassId(int(cur-1)*statesPerPhone + st)
	})
}

func (c *ContextDep) index(prev, cur phonelm.Phone, state int) int {
	return (int(prev)*c.numPhones+int(cur)-1)*c.statesPerPhone + state
}

// Class returns the ClassId for a phone HMM state in left context prev.
func (c *ContextDep) Class(prev, cur phonelm.Phone, state int) ClassId {
	return c.classes[c.index(prev, cur, state)]
}

// NumClasses returns the size of the class inventory.
func (c *ContextDep) NumClasses() int { return c.numClasses }

// StatesPerPhone returns the topology width the table was built for.
func (c *ContextDep) StatesPerPhone() int { return c.statesPerPhone }
