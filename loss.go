package cascade

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// PredictProbs converts classification logits into per-class probabilities
// with a row-wise softmax
func PredictProbs(logits *mat.Dense) *mat.Dense {

	rows, cols := logits.Dims()
	probs := mat.NewDense(rows, cols, nil)

	for i := 0; i < rows; i++ {

		// subtract the row max for numerical stability
		maxVal := logits.At(i, 0)

		for j := 1; j < cols; j++ {
			if v := logits.At(i, j); v > maxVal {
				maxVal = v
			}
		}

		var sum float64

		for j := 0; j < cols; j++ {
			e := math.Exp(logits.At(i, j) - maxVal)
			probs.Set(i, j, e)
			sum += e
		}

		for j := 0; j < cols; j++ {
			probs.Set(i, j, probs.At(i, j)/sum)
		}
	}

	return probs
}

// crossEntropySum returns the summed negative log likelihood of the given
// class per row of logits
func crossEntropySum(logits *mat.Dense, classes []int) float64 {

	rows, cols := logits.Dims()

	var total float64

	for i := 0; i < rows; i++ {

		maxVal := logits.At(i, 0)

		for j := 1; j < cols; j++ {
			if v := logits.At(i, j); v > maxVal {
				maxVal = v
			}
		}

		var sum float64

		for j := 0; j < cols; j++ {
			sum += math.Exp(logits.At(i, j) - maxVal)
		}

		total += math.Log(sum) - (logits.At(i, classes[i]) - maxVal)
	}

	return total
}

// smoothL1Sum returns the summed smooth-L1 distance between predicted and
// target delta values.  With beta zero this degrades to plain L1
func smoothL1Sum(pred, target []float32, beta float32) float64 {

	var total float64

	for i := range pred {

		d := float64(pred[i] - target[i])

		if d < 0 {
			d = -d
		}

		if beta > 0 && d < float64(beta) {
			total += 0.5 * d * d / float64(beta)
		} else {
			total += d - 0.5*float64(beta)
		}
	}

	return total
}
