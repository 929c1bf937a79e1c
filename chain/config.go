// Package chain implements a lattice-free sequence-discriminative
// training objective for HMM-style acoustic models: a shared
// denominator graph built from a phone n-gram model, per-utterance
// numerator graphs built from aligned pronunciation lattices, and a
// batched probability-domain forward-backward engine producing the
// per-frame training gradient.
package chain

// Layout selects how batch buffers interleave states and sequences.
type Layout int

const (
	// StateMajor stores all sequences' values for one graph state
	// contiguously. This is the ordering wide parallel hardware wants;
	// on CPU it is merely a locality optimization.
	StateMajor Layout = iota
	// SeqMajor stores one sequence's values for all states contiguously.
	SeqMajor
)

// Config holds the training-side knobs.
type Config struct {
	// FrameSubsamplingFactor is the ratio of the network's internal
	// frame rate to its output (label) frame rate.
	FrameSubsamplingFactor int
	// FrameShift (0, 1, or 2) shifts which subsampled frames are
	// evaluated, giving augmented passes over the data with no change
	// to the graphs.
	FrameShift int
	// ChunkLength is the chunk size in output frames.
	ChunkLength int
	// ToleranceSec is the allowed deviation from the reference
	// alignment on each side of a phone boundary.
	ToleranceSec float64
	// InputFrameRate is the alignment frame rate in frames per second,
	// before subsampling.
	InputFrameRate float64
	// InitIters is the number of transition-matrix iterations used to
	// derive the denominator's initial-probability vector; the second
	// half of the iterates is averaged.
	InitIters int
	// AnchorRank picks the rank-th best anchor candidate (0 = best).
	// Nonzero values exist for testing anchor invariance.
	AnchorRank int
	// Layout selects the batch buffer ordering.
	Layout Layout
}

// DefaultConfig returns the standard training parameters: 100 Hz input
// alignments subsampled by 3, 1.5 second chunks, 50 ms tolerance.
func DefaultConfig() Config {
	return Config{
		FrameSubsamplingFactor: 3,
		FrameShift:             0,
		ChunkLength:            50,
		ToleranceSec:           0.05,
		InputFrameRate:         100,
		InitIters:              100,
	}
}

// toleranceFrames converts the tolerance window to output frames.
func (c Config) toleranceFrames() int {
	f := c.ToleranceSec * c.InputFrameRate / float64(c.FrameSubsamplingFactor)
	return int(f + 0.5)
}

// outputFrame maps an input-frame boundary to the nearest output-frame
// boundary under the configured subsampling and shift.
func (c Config) outputFrame(fi int) int {
	v := fi - c.FrameShift
	if v < 0 {
		v = 0
	}
	return int(float64(v)/float64(c.FrameSubsamplingFactor) + 0.5)
}

// outputFrames returns the number of output frames for an input-frame
// count.
func (c Config) outputFrames(numInput int) int {
	v := numInput - c.FrameShift
	if v <= 0 {
		return 0
	}
	return (v + c.FrameSubsamplingFactor - 1) / c.FrameSubsamplingFactor
}
