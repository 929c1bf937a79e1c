package chain

import (
	"math"
	"math/rand"
	"testing"

	"github.com/auradu2011/kaldi/fsa"
)

func TestComputeHandComputed(t *testing.T) {
	den := testDenGraph()
	norm := den.Normalization()
	ch, ok := linearChunk(1, 2, 2).Normalize(norm)
	if !ok {
		t.Fatal("normalization emptied a compatible chunk")
	}
	req := &BatchRequest{
		Den:    den,
		Chunks: []*Chunk{ch},
		Batch:  constBatch(1, 3, 0.6, 0.4),
		Layout: StateMajor,
	}
	res, err := Compute(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.NumValid != 1 {
		t.Fatalf("NumValid = %d, want 1", res.NumValid)
	}
	// Numerator total 0.125*0.096, denominator total 0.0825.
	wantObj := math.Log(0.125*0.096) - math.Log(0.0825)
	if math.Abs(res.Objective-wantObj) > 1e-9 {
		t.Errorf("objective = %.9f, want %.9f", res.Objective, wantObj)
	}
	if res.Objective > 0 {
		t.Error("objective must be non-positive")
	}
	wantGrad := []float64{
		1 - 0.0345/0.0825, 0 - 0.048/0.0825,
		0 - 0.0225/0.0825, 1 - 0.060/0.0825,
		0 - 0.0135/0.0825, 1 - 0.069/0.0825,
	}
	for i, w := range wantGrad {
		if math.Abs(res.Gradient[i]-w) > 1e-6 {
			t.Errorf("gradient[%d] = %.9f, want %.9f", i, res.Gradient[i], w)
		}
	}
}

func TestComputeGradientSumsToZeroPerFrame(t *testing.T) {
	den := testDenGraph()
	norm := den.Normalization()
	ch, ok := linearChunk(1, 2, 2).Normalize(norm)
	if !ok {
		t.Fatal("normalization emptied a compatible chunk")
	}
	batch := &Batch{S: 1, L: 3, NumClasses: 2,
		Probs: []float64{0.7, 0.2, 0.1, 0.9, 0.5, 0.5}}
	res, err := Compute(&BatchRequest{Den: den, Chunks: []*Chunk{ch}, Batch: batch})
	if err != nil {
		t.Fatal(err)
	}
	if res.NumValid != 1 {
		t.Fatalf("NumValid = %d, want 1", res.NumValid)
	}
	for tt := 0; tt < 3; tt++ {
		sum := res.Gradient[tt*2] + res.Gradient[tt*2+1]
		if math.Abs(sum) > 1e-9 {
			t.Errorf("frame %d: gradient sums to %g, want 0", tt, sum)
		}
	}
}

func TestComputeObjectiveNonPositiveRandomized(t *testing.T) {
	den := testDenGraph()
	norm := den.Normalization()
	ch, ok := linearChunk(1, 2, 2).Normalize(norm)
	if !ok {
		t.Fatal("normalization emptied a compatible chunk")
	}
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 20; trial++ {
		batch := &Batch{S: 1, L: 3, NumClasses: 2, Probs: make([]float64, 6)}
		for i := range batch.Probs {
			batch.Probs[i] = 0.01 + 0.99*rng.Float64()
		}
		res, err := Compute(&BatchRequest{Den: den, Chunks: []*Chunk{ch}, Batch: batch})
		if err != nil {
			t.Fatal(err)
		}
		if res.NumValid != 1 {
			t.Fatalf("trial %d: NumValid = %d, want 1", trial, res.NumValid)
		}
		if res.Objective > 0 {
			t.Errorf("trial %d: objective = %g, want <= 0", trial, res.Objective)
		}
	}
}

// A repeated phone with a tolerance window admits several boundary
// placements for one label sequence. With unit emissions and a
// denominator accepting that sequence with total mass 1, the numerator
// total must also be 1, not the number of placements.
func TestComputeRepeatedPhoneToleranceObjectiveZero(t *testing.T) {
	lat := &Lattice{
		NumNodes: 3,
		Start:    0,
		End:      2,
		Arcs: []LatticeArc{
			{Src: 0, Dst: 1, Phone: 1, StartFrame: 0, EndFrame: 3},
			{Src: 1, Dst: 2, Phone: 1, StartFrame: 3, EndFrame: 6},
		},
	}
	ng, err := BuildNumerator(lat, MonophoneContext(1, 1), DefaultTopology(), numTestConfig(0.01), 6)
	if err != nil {
		t.Fatal(err)
	}
	chunks := Split(ng, 6)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}

	g := fsa.New()
	s := g.AddState()
	g.SetStart(s)
	g.AddArc(s, 1, 1.0, s)
	g.SetFinal(s, 1.0)
	den := &DenominatorGraph{
		Graph:        g,
		InitialProbs: []float64{1.0},
		FinalProbs:   []float64{1.0},
		Anchor:       0,
	}
	ch, ok := chunks[0].Normalize(den.Normalization())
	if !ok {
		t.Fatal("normalization emptied a compatible chunk")
	}
	batch := &Batch{S: 1, L: 6, NumClasses: 1,
		Probs: []float64{1, 1, 1, 1, 1, 1}}
	res, err := Compute(&BatchRequest{Den: den, Chunks: []*Chunk{ch}, Batch: batch})
	if err != nil {
		t.Fatal(err)
	}
	if res.NumValid != 1 {
		t.Fatalf("NumValid = %d, want 1", res.NumValid)
	}
	if math.Abs(res.Objective) > 1e-9 {
		t.Errorf("objective = %g, want 0", res.Objective)
	}
}

func TestComputeSkipsNilChunk(t *testing.T) {
	den := testDenGraph()
	norm := den.Normalization()
	ch, ok := linearChunk(1, 2, 2).Normalize(norm)
	if !ok {
		t.Fatal("normalization emptied a compatible chunk")
	}
	res, err := Compute(&BatchRequest{
		Den:    den,
		Chunks: []*Chunk{ch, nil},
		Batch:  constBatch(2, 3, 0.6, 0.4),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.NumValid != 1 {
		t.Fatalf("NumValid = %d, want 1", res.NumValid)
	}
	wantObj := math.Log(0.125*0.096) - math.Log(0.0825)
	if math.Abs(res.Objective-wantObj) > 1e-9 {
		t.Errorf("objective = %.9f, want %.9f", res.Objective, wantObj)
	}
	for i := 6; i < 12; i++ {
		if res.Gradient[i] != 0 {
			t.Errorf("gradient[%d] = %g for excluded sequence, want 0", i, res.Gradient[i])
		}
	}
}

func TestComputeExcludesUnderflowedSequence(t *testing.T) {
	den := testDenGraph()
	norm := den.Normalization()
	mk := func() *Chunk {
		ch, ok := linearChunk(1, 2, 2).Normalize(norm)
		if !ok {
			t.Fatal("normalization emptied a compatible chunk")
		}
		return ch
	}
	batch := constBatch(2, 3, 0.6, 0.4)
	for tt := 0; tt < 3; tt++ {
		batch.Probs[(1*3+tt)*2] = 0
		batch.Probs[(1*3+tt)*2+1] = 0
	}
	res, err := Compute(&BatchRequest{Den: den, Chunks: []*Chunk{mk(), mk()}, Batch: batch})
	if err != nil {
		t.Fatal(err)
	}
	if res.NumValid != 1 {
		t.Fatalf("NumValid = %d, want 1", res.NumValid)
	}
	if math.IsNaN(res.Objective) || math.IsInf(res.Objective, 0) {
		t.Fatalf("objective = %v, want finite", res.Objective)
	}
	for i, v := range res.Gradient {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("gradient[%d] = %v, want finite", i, v)
		}
	}
	for i := 6; i < 12; i++ {
		if res.Gradient[i] != 0 {
			t.Errorf("gradient[%d] = %g for excluded sequence, want 0", i, res.Gradient[i])
		}
	}
}

func TestComputeRejectsUnnormalizedChunk(t *testing.T) {
	den := testDenGraph()
	raw := linearChunk(1, 2, 2)
	_, err := Compute(&BatchRequest{Den: den, Chunks: []*Chunk{raw}, Batch: constBatch(1, 3, 0.6, 0.4)})
	if err == nil {
		t.Fatal("expected error for unnormalized chunk")
	}
}

func TestComputeRejectsShapeMismatch(t *testing.T) {
	den := testDenGraph()
	norm := den.Normalization()
	ch, ok := linearChunk(1, 2, 2).Normalize(norm)
	if !ok {
		t.Fatal("normalization emptied a compatible chunk")
	}
	if _, err := Compute(&BatchRequest{Den: den, Chunks: []*Chunk{ch, ch}, Batch: constBatch(1, 3, 0.6, 0.4)}); err == nil {
		t.Error("expected error for chunk count mismatch")
	}
	if _, err := Compute(&BatchRequest{Den: den, Chunks: []*Chunk{ch}, Batch: constBatch(1, 4, 0.6, 0.4)}); err == nil {
		t.Error("expected error for chunk length mismatch")
	}
}

func TestNormalizeDropsIncompatibleChunk(t *testing.T) {
	den := testDenGraph()
	norm := den.Normalization()
	// Label 3 never occurs in the reference graph.
	if ch, ok := linearChunk(3, 3, 3).Normalize(norm); ok || ch != nil {
		t.Error("chunk with unknown labels should be dropped")
	}
}
