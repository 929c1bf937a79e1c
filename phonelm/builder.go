package phonelm

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Builder accumulates phone-sequence counts and materializes a pruned,
// unsmoothed n-gram Model. Histories up to order-2 phones are always
// retained; full-order histories compete for a bounded number of slots
// by training-data likelihood gain over their backoff history.
type Builder struct {
	order     int
	numPhones int
	counts    map[string]*histCount
}

type histCount struct {
	hist  []Phone
	total int
	next  map[Phone]int
	final int
}

// NewBuilder creates a Builder for the given n-gram order (4 for the
// standard denominator model) and phone inventory size.
func NewBuilder(order, numPhones int) *Builder {
	if order < 2 {
		order = 2
	}
	return &Builder{
		order:     order,
		numPhones: numPhones,
		counts:    make(map[string]*histCount),
	}
}

func histKey(h []Phone) string {
	var b strings.Builder
	for i, p := range h {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(p)))
	}
	return b.String()
}

func (b *Builder) hist(h []Phone) *histCount {
	k := histKey(h)
	hc, ok := b.counts[k]
	if !ok {
		hc = &histCount{hist: append([]Phone(nil), h...), next: make(map[Phone]int)}
		b.counts[k] = hc
	}
	return hc
}

// AddSequence accumulates one phone sequence (typically from a training
// alignment).
func (b *Builder) AddSequence(seq []Phone) error {
	if len(seq) == 0 {
		return fmt.Errorf("phonelm: empty sequence")
	}
	for _, p := range seq {
		if p < 1 || int(p) > b.numPhones {
			return fmt.Errorf("phonelm: phone %d out of range 1..%d", p, b.numPhones)
		}
	}
	maxHist := b.order - 1
	for i := 0; i <= len(seq); i++ {
		lo := i - maxHist
		if lo < 0 {
			lo = 0
		}
		for h := lo; h <= i; h++ {
			hc := b.hist(seq[h:i])
			hc.total++
			if i < len(seq) {
				hc.next[seq[i]]++
			} else {
				hc.final++
			}
		}
	}
	return nil
}

// gain is the log-likelihood improvement from keeping a full-order
// history instead of backing off to its suffix.
func (b *Builder) gain(hc *histCount) float64 {
	back := b.counts[histKey(hc.hist[1:])]
	g := 0.0
	for p, c := range hc.next {
		ph := float64(c) / float64(hc.total)
		pb := float64(back.next[p]) / float64(back.total)
		if pb > 0 {
			g += float64(c) * math.Log(ph/pb)
		}
	}
	if hc.final > 0 && back.final > 0 {
		ph := float64(hc.final) / float64(hc.total)
		pb := float64(back.final) / float64(back.total)
		g += float64(hc.final) * math.Log(ph/pb)
	}
	return g
}

// Build materializes the model. maxHighOrderStates bounds how many
// full-order histories are retained (negative = keep all); lower-order
// histories are never pruned.
func (b *Builder) Build(maxHighOrderStates int) (*Model, error) {
	if len(b.counts) == 0 {
		return nil, fmt.Errorf("phonelm: no training sequences")
	}

	type cand struct {
		key  string
		gain float64
	}
	kept := make(map[string]bool)
	var high []cand
	for k, hc := range b.counts {
		if len(hc.hist) < b.order-1 {
			kept[k] = true
		} else {
			high = append(high, cand{k, b.gain(hc)})
		}
	}
	sort.Slice(high, func(i, j int) bool {
		if high[i].gain != high[j].gain {
			return high[i].gain > high[j].gain
		}
		return high[i].key < high[j].key
	})
	for i, c := range high {
		if maxHighOrderStates >= 0 && i >= maxHighOrderStates {
			break
		}
		kept[c.key] = true
	}

	// Deterministic state order: by history length, then key.
	keys := make([]string, 0, len(kept))
	for k := range kept {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		hi, hj := b.counts[keys[i]].hist, b.counts[keys[j]].hist
		if len(hi) != len(hj) {
			return len(hi) < len(hj)
		}
		return keys[i] < keys[j]
	})
	ids := make(map[string]int32, len(keys))
	for i, k := range keys {
		ids[k] = int32(i)
	}

	// Longest kept suffix of h, bounded to order-1 phones.
	resolve := func(h []Phone) int32 {
		if len(h) > b.order-1 {
			h = h[len(h)-(b.order-1):]
		}
		for {
			if id, ok := ids[histKey(h)]; ok {
				return id
			}
			h = h[1:]
		}
	}

	m := &Model{Order: b.order, NumPhones: b.numPhones, States: make([]State, len(keys))}
	for i, k := range keys {
		hc := b.counts[k]
		st := State{Hist: hc.hist, Final: float64(hc.final) / float64(hc.total)}
		phones := make([]Phone, 0, len(hc.next))
		for p := range hc.next {
			phones = append(phones, p)
		}
		sort.Slice(phones, func(a, c int) bool { return phones[a] < phones[c] })
		for _, p := range phones {
			st.Arcs = append(st.Arcs, Arc{
				Phone: p,
				Prob:  float64(hc.next[p]) / float64(hc.total),
				Dst:   resolve(append(append([]Phone(nil), hc.hist...), p)),
			})
		}
		m.States[i] = st
	}
	m.Start = ids[""]
	return m, nil
}
