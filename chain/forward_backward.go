package chain

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/auradu2011/kaldi/fsa"
	"github.com/auradu2011/kaldi/internal/mathutil"
)

// Batch holds the network's per-frame class probabilities for S
// sequences of L output frames, flattened [S][L][NumClasses].
type Batch struct {
	S, L, NumClasses int
	Probs            []float64
}

func (b *Batch) prob(s, t, c int) float64 {
	return b.Probs[(s*b.L+t)*b.NumClasses+c]
}

func (b *Batch) check() error {
	if b.S < 1 || b.L < 1 || b.NumClasses < 1 {
		return fmt.Errorf("chain: batch dimensions %dx%dx%d invalid", b.S, b.L, b.NumClasses)
	}
	if len(b.Probs) != b.S*b.L*b.NumClasses {
		return fmt.Errorf("chain: probs length %d, want %d", len(b.Probs), b.S*b.L*b.NumClasses)
	}
	return nil
}

// fbResult carries one side's forward-backward output: per-sequence
// log-totals with the rescaling undone, validity flags, occupation
// posteriors [S][L][NumClasses], and the per-frame alpha*beta sums
// (constant across frames for a valid sequence, kept for verification).
type fbResult struct {
	logTotal  []float64 // mathutil.LogZero when invalid
	valid     []bool
	occ       []float64
	alphaBeta mathutil.Mat // [L+1][S]
}

type flatArc struct {
	src, dst int32
	cls      int32
	w        float64
}

func flattenArcs(g *fsa.Acceptor) []flatArc {
	arcs := make([]flatArc, 0, g.NumArcs())
	for s := range g.States {
		for _, a := range g.States[s].Arcs {
			arcs = append(arcs, flatArc{src: int32(s), dst: a.Dst, cls: int32(a.Label) - 1, w: a.Weight})
		}
	}
	return arcs
}

// forwardBackwardDenominator runs the batched forward-backward over the
// shared denominator graph for all S sequences in lockstep.
//
// The probability semiring is used for speed, so raw alphas drift
// toward over/underflow across frames. Every emission at frame t is
// rescaled by the reciprocal of the anchor state's alpha at frame t,
// keeping values near 1.0; the log of each frame's factor is
// accumulated per sequence and added back into the reported log-total,
// so the scaling cancels everywhere downstream. A sequence whose anchor
// alpha underflows to zero is invalid and excluded rather than allowed
// to propagate NaN/Inf.
//
// Frames are a hard sequential dependency; within a frame, work is a
// flat loop over (arc x sequence) with the buffer layout choosing which
// index is contiguous.
func forwardBackwardDenominator(den *DenominatorGraph, batch *Batch, layout Layout) *fbResult {
	S, L, C := batch.S, batch.L, batch.NumClasses
	nStates := den.Graph.NumStates()
	arcs := flattenArcs(den.Graph)

	// Strides: idx(state, seq) = state*stState + seq*stSeq.
	stState, stSeq := S, 1
	if layout == SeqMajor {
		stState, stSeq = 1, nStates
	}

	alpha := mathutil.NewMat(L+1, nStates*S)
	scales := mathutil.NewMat(L, S) // anchor alpha used at each frame
	logScale := make([]float64, S)
	valid := make([]bool, S)
	for n := range valid {
		valid[n] = true
	}

	for s := 0; s < nStates; s++ {
		off := s * stState
		for n := 0; n < S; n++ {
			alpha[0][off+n*stSeq] = den.InitialProbs[s]
		}
	}

	pbuf := make([]float64, C*S)
	anchorOff := int(den.Anchor) * stState

	for t := 0; t < L; t++ {
		cur, nxt := alpha[t], alpha[t+1]

		for n := 0; n < S; n++ {
			a := cur[anchorOff+n*stSeq]
			if !(a > 0) || math.IsInf(a, 1) || math.IsNaN(a) {
				valid[n] = false
				scales[t][n] = 0
				continue
			}
			scales[t][n] = a
			logScale[n] += math.Log(a)
		}
		fillEmissions(pbuf, batch, scales[t], t)

		mathutil.FillVec(nxt, 0)
		for _, a := range arcs {
			srcOff := int(a.src) * stState
			dstOff := int(a.dst) * stState
			pOff := int(a.cls) * S
			w := a.w
			for n := 0; n < S; n++ {
				nxt[dstOff+n*stSeq] += cur[srcOff+n*stSeq] * w * pbuf[pOff+n]
			}
		}
	}

	// Scaled totals; the true log-total adds the accumulated scale logs.
	tot := make([]float64, S)
	for s := 0; s < nStates; s++ {
		off := s * stState
		fw := den.FinalProbs[s]
		for n := 0; n < S; n++ {
			tot[n] += alpha[L][off+n*stSeq] * fw
		}
	}
	logTotal := make([]float64, S)
	invTot := make([]float64, S)
	for n := 0; n < S; n++ {
		if !valid[n] || !(tot[n] > 0) || math.IsInf(tot[n], 1) || math.IsNaN(tot[n]) {
			valid[n] = false
			logTotal[n] = mathutil.LogZero
			continue
		}
		logTotal[n] = math.Log(tot[n]) + logScale[n]
		invTot[n] = 1 / tot[n]
	}

	// Backward pass with the stored scale factors, accumulating
	// occupation posteriors inline. Only two beta rows are live.
	occ := make([]float64, S*L*C)
	alphaBeta := mathutil.NewMat(L+1, S)
	betaNext := make([]float64, nStates*S)
	betaCur := make([]float64, nStates*S)
	for s := 0; s < nStates; s++ {
		off := s * stState
		for n := 0; n < S; n++ {
			betaNext[off+n*stSeq] = den.FinalProbs[s]
		}
	}
	dotStates(alphaBeta[L], alpha[L], betaNext, nStates, S, stState, stSeq)

	for t := L - 1; t >= 0; t-- {
		fillEmissions(pbuf, batch, scales[t], t)
		mathutil.FillVec(betaCur, 0)
		cur := alpha[t]
		for _, a := range arcs {
			srcOff := int(a.src) * stState
			dstOff := int(a.dst) * stState
			pOff := int(a.cls) * S
			occRow := occ[t*C+int(a.cls):] // indexed occRow[n*L*C]
			w := a.w
			for n := 0; n < S; n++ {
				e := w * pbuf[pOff+n]
				bd := e * betaNext[dstOff+n*stSeq]
				betaCur[srcOff+n*stSeq] += bd
				occRow[n*L*C] += cur[srcOff+n*stSeq] * bd * invTot[n]
			}
		}
		dotStates(alphaBeta[t], cur, betaCur, nStates, S, stState, stSeq)
		betaCur, betaNext = betaNext, betaCur
	}

	return &fbResult{logTotal: logTotal, valid: valid, occ: occ, alphaBeta: alphaBeta}
}

// fillEmissions writes the rescaled emission probabilities for frame t:
// pbuf[c*S+n] = probs[n][t][c] / scale[n]. A zero scale marks an
// invalid sequence; its emissions go to zero so no NaN can spread.
func fillEmissions(pbuf []float64, batch *Batch, scale []float64, t int) {
	S, C := batch.S, batch.NumClasses
	for c := 0; c < C; c++ {
		row := pbuf[c*S:]
		for n := 0; n < S; n++ {
			sc := scale[n]
			if sc == 0 {
				row[n] = 0
				continue
			}
			row[n] = batch.prob(n, t, c) / sc
		}
	}
}

// dotStates writes sum over states of a[state,n]*b[state,n] into
// dst[n], honoring the buffer strides.
func dotStates(dst, a, b []float64, nStates, S, stState, stSeq int) {
	for n := 0; n < S; n++ {
		sum := 0.0
		for s := 0; s < nStates; s++ {
			i := s*stState + n*stSeq
			sum += a[i] * b[i]
		}
		dst[n] = sum
	}
}

// forwardBackwardChunk runs single-sequence forward-backward over one
// normalized numerator chunk. Structure matches the denominator pass;
// the graph is acyclic and frame-synchronized so arcs bucket by their
// source state's frame. Rescaling uses the frame's total alpha mass
// (per-chunk graphs have no shared anchor); the log factors are added
// back the same way.
func forwardBackwardChunk(ch *Chunk, batch *Batch, seq int) (logTotal float64, occ []float64, ok bool) {
	L, C := ch.Len, batch.NumClasses
	g := ch.G
	if g.Empty() {
		return mathutil.LogZero, nil, false
	}
	nStates := g.NumStates()

	arcsByFrame := make([][]flatArc, L)
	for s := range g.States {
		f := int(ch.Frames[s])
		if f >= L {
			continue
		}
		for _, a := range g.States[s].Arcs {
			arcsByFrame[f] = append(arcsByFrame[f], flatArc{src: int32(s), dst: a.Dst, cls: int32(a.Label) - 1, w: a.Weight})
		}
	}

	alpha := mathutil.NewMat(L+1, nStates)
	scales := make([]float64, L)
	alpha[0][g.Start] = g.StartWeight
	logScale := 0.0

	for t := 0; t < L; t++ {
		sum := floats.Sum(alpha[t])
		if !(sum > 0) || math.IsInf(sum, 1) || math.IsNaN(sum) {
			return mathutil.LogZero, nil, false
		}
		scales[t] = sum
		logScale += math.Log(sum)
		inv := 1 / sum
		for _, a := range arcsByFrame[t] {
			alpha[t+1][a.dst] += alpha[t][a.src] * a.w * batch.prob(seq, t, int(a.cls)) * inv
		}
	}

	tot := 0.0
	for s := range g.States {
		tot += alpha[L][s] * g.States[s].Final
	}
	if !(tot > 0) || math.IsInf(tot, 1) || math.IsNaN(tot) {
		return mathutil.LogZero, nil, false
	}
	logTotal = math.Log(tot) + logScale
	invTot := 1 / tot

	occ = make([]float64, L*C)
	betaNext := make([]float64, nStates)
	betaCur := make([]float64, nStates)
	for s := range g.States {
		betaNext[s] = g.States[s].Final
	}
	for t := L - 1; t >= 0; t-- {
		for i := range betaCur {
			betaCur[i] = 0
		}
		inv := 1 / scales[t]
		for _, a := range arcsByFrame[t] {
			e := a.w * batch.prob(seq, t, int(a.cls)) * inv
			bd := e * betaNext[a.dst]
			betaCur[a.src] += bd
			occ[t*C+int(a.cls)] += alpha[t][a.src] * bd * invTot
		}
		betaCur, betaNext = betaNext, betaCur
	}
	return logTotal, occ, true
}
