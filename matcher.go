package cascade

import (
	"gonum.org/v1/gonum/mat"
)

// MatchLabel classifies the quality of a proposal's best ground truth match
type MatchLabel int8

const (
	// MatchBackground marks a proposal whose best IoU fell below the
	// matcher threshold
	MatchBackground MatchLabel = 0
	// MatchForeground marks a proposal whose best IoU reached the
	// matcher threshold
	MatchForeground MatchLabel = 1
)

// Matcher assigns each proposal to its best-overlapping ground truth box.
// Each cascade stage owns a Matcher with a progressively stricter threshold.
// A Matcher holds no state between calls
type Matcher struct {
	// Threshold is the minimum IoU for a proposal to count as foreground.
	// The comparison is inclusive, a best IoU exactly equal to the
	// threshold is foreground
	Threshold float32
}

// Match takes an IoU matrix of dimensions [num ground truth x num proposals]
// and returns, per proposal, the row index of its best-matching ground truth
// and a foreground/background label.  The matrix must have at least one row,
// callers handle images without ground truth by labelling every proposal
// background themselves
func (m Matcher) Match(iou mat.Matrix) (idxs []int, labels []MatchLabel) {

	numGT, numProposals := iou.Dims()

	idxs = make([]int, numProposals)
	labels = make([]MatchLabel, numProposals)

	for j := 0; j < numProposals; j++ {

		best := iou.At(0, j)
		bestIdx := 0

		for i := 1; i < numGT; i++ {
			if v := iou.At(i, j); v > best {
				best = v
				bestIdx = i
			}
		}

		idxs[j] = bestIdx

		if best >= float64(m.Threshold) {
			labels[j] = MatchForeground
		} else {
			labels[j] = MatchBackground
		}
	}

	return idxs, labels
}
