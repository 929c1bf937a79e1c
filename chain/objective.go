package chain

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// BatchRequest is one training step's work: S normalized numerator
// chunks of L frames each, plus the network's class probabilities.
// A nil chunk marks a sequence discarded upstream (empty normalized
// composition); it contributes nothing and is not an error.
type BatchRequest struct {
	Den    *DenominatorGraph
	Chunks []*Chunk
	Batch  *Batch
	Layout Layout
}

// BatchResult is the training signal returned to the (external)
// network trainer.
type BatchResult struct {
	// Objective is the summed per-sequence log-likelihood ratio
	// (log numerator-total - log denominator-total), never positive.
	Objective float64
	// Gradient is d(objective)/d(probs), flattened [S][L][NumClasses]:
	// numerator occupation minus denominator occupation per class per
	// frame. Rows of excluded sequences are zero.
	Gradient []float64
	// NumValid counts sequences that contributed to the objective.
	NumValid int
}

// Compute runs the batched forward-backward over the denominator graph
// and the per-chunk numerator graphs, then assembles the objective and
// gradient. It is synchronous: the call blocks until the batch is done.
// The denominator graph is read-only and shared; all working buffers
// belong to this call.
func Compute(req *BatchRequest) (*BatchResult, error) {
	if req.Den == nil {
		return nil, fmt.Errorf("chain: no denominator graph")
	}
	b := req.Batch
	if b == nil {
		return nil, fmt.Errorf("chain: no batch")
	}
	if err := b.check(); err != nil {
		return nil, err
	}
	if len(req.Chunks) != b.S {
		return nil, fmt.Errorf("chain: %d chunks for %d sequences", len(req.Chunks), b.S)
	}
	for i, ch := range req.Chunks {
		if ch == nil {
			continue
		}
		if !ch.Normalized {
			return nil, fmt.Errorf("chain: chunk %d is not normalized", i)
		}
		if ch.Len != b.L {
			return nil, fmt.Errorf("chain: chunk %d has length %d, batch has %d", i, ch.Len, b.L)
		}
	}

	den := forwardBackwardDenominator(req.Den, b, req.Layout)

	// Numerator passes are independent across sequences.
	numLog := make([]float64, b.S)
	numOcc := make([][]float64, b.S)
	numOK := make([]bool, b.S)
	var wg sync.WaitGroup
	for n := 0; n < b.S; n++ {
		if req.Chunks[n] == nil {
			continue
		}
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			numLog[n], numOcc[n], numOK[n] = forwardBackwardChunk(req.Chunks[n], b, n)
		}(n)
	}
	wg.Wait()

	L, C := b.L, b.NumClasses
	res := &BatchResult{Gradient: make([]float64, b.S*L*C)}
	for n := 0; n < b.S; n++ {
		switch {
		case req.Chunks[n] == nil:
			glog.V(1).Infof("chain: sequence %d: no numerator chunk, excluded", n)
			continue
		case !den.valid[n]:
			glog.Warningf("chain: sequence %d: denominator underflow, excluded", n)
			continue
		case !numOK[n]:
			glog.Warningf("chain: sequence %d: numerator collapsed, excluded", n)
			continue
		}
		diff := numLog[n] - den.logTotal[n]
		if diff > 0 {
			// Float roundoff can nudge the ratio a hair above zero;
			// anything larger means a broken graph.
			if diff > 1e-6 {
				return nil, fmt.Errorf("chain: sequence %d: positive log-ratio %g (numerator mass exceeds denominator)", n, diff)
			}
			diff = 0
		}
		res.Objective += diff
		res.NumValid++
		grad := res.Gradient[n*L*C : (n+1)*L*C]
		dOcc := den.occ[n*L*C : (n+1)*L*C]
		for i := range grad {
			grad[i] = numOcc[n][i] - dOcc[i]
		}
	}
	if res.NumValid == 0 && b.S > 0 {
		glog.Warningf("chain: batch produced no valid sequences")
	}
	return res, nil
}
