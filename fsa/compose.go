package fsa

// Compose returns the label-synchronized product of a and b. Result
// states are pairs of input states; an arc exists where both inputs
// have arcs with the same label, with the weights multiplied. Final
// and start weights multiply. Both inputs must be epsilon-free. The
// result is connected.
func Compose(a, b *Acceptor) *Acceptor {
	if a.Empty() || b.Empty() {
		return New()
	}

	// Index b's arcs by label for the inner join.
	bIdx := make([]map[Label][]Arc, len(b.States))
	for s := range b.States {
		m := make(map[Label][]Arc, len(b.States[s].Arcs))
		for _, arc := range b.States[s].Arcs {
			m[arc.Label] = append(m[arc.Label], arc)
		}
		bIdx[s] = m
	}

	type pair struct{ a, b int32 }
	ids := make(map[pair]int32)
	out := New()
	out.StartWeight = a.StartWeight * b.StartWeight
	var queue []pair

	intern := func(p pair) int32 {
		if id, ok := ids[p]; ok {
			return id
		}
		id := out.AddState()
		ids[p] = id
		out.States[id].Final = a.States[p.a].Final * b.States[p.b].Final
		queue = append(queue, p)
		return id
	}

	out.Start = intern(pair{a.Start, b.Start})
	for len(queue) > 0 {
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		src := ids[p]
		for _, aa := range a.States[p.a].Arcs {
			for _, ba := range bIdx[p.b][aa.Label] {
				out.AddArc(src, aa.Label, aa.Weight*ba.Weight, intern(pair{aa.Dst, ba.Dst}))
			}
		}
	}

	res, _ := Connect(out)
	return res
}
