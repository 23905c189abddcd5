package cascade

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// StageOutput holds the predictions of one stage head for one image, the
// classification logits with one row per proposal and numClasses+1 columns,
// and the class-agnostic box deltas with one row per proposal and 4 columns.
// It is consumed by the loss or box decoding step of its own stage and then
// discarded
type StageOutput struct {
	Logits *mat.Dense
	Deltas *mat.Dense
}

// FeatureTransform converts pooled region features into an embedding the
// prediction layers operate on.  Implementations are external, the cascade
// only requires the embedding width to be fixed
type FeatureTransform interface {
	// OutputSize is the embedding width produced by Transform
	OutputSize() int
	// Transform maps an [n x pooled] matrix to an [n x OutputSize] matrix
	Transform(x *mat.Dense) (*mat.Dense, error)
}

// IdentityTransform passes pooled features through unchanged
type IdentityTransform struct {
	// Size is the pooled feature width, also the embedding width
	Size int
}

// OutputSize returns the embedding width
func (t IdentityTransform) OutputSize() int {
	return t.Size
}

// Transform returns the input unchanged
func (t IdentityTransform) Transform(x *mat.Dense) (*mat.Dense, error) {

	_, c := x.Dims()

	if c != t.Size {
		return nil, fmt.Errorf("identity transform of size %d got %d columns", t.Size, c)
	}

	return x, nil
}

// FCTransform is a stack of fully connected layers with ReLU activations,
// the usual box head applied to pooled region features
type FCTransform struct {
	weights []*mat.Dense
	biases  [][]float64
}

// NewFCTransform builds an FCTransform from per-layer weight matrices, each
// [out x in], and bias vectors of matching output width.  Consecutive layer
// dimensions must chain
func NewFCTransform(weights []*mat.Dense, biases [][]float64) (*FCTransform, error) {

	if len(weights) == 0 {
		return nil, fmt.Errorf("fc transform needs at least one layer")
	}

	if len(weights) != len(biases) {
		return nil, fmt.Errorf("got %d weight matrices and %d bias vectors",
			len(weights), len(biases))
	}

	for i, w := range weights {

		rows, cols := w.Dims()

		if len(biases[i]) != rows {
			return nil, fmt.Errorf("layer %d has %d outputs but %d bias values",
				i, rows, len(biases[i]))
		}

		if i > 0 {
			prevRows, _ := weights[i-1].Dims()

			if cols != prevRows {
				return nil, fmt.Errorf("layer %d input width %d does not match layer %d output width %d",
					i, cols, i-1, prevRows)
			}
		}
	}

	return &FCTransform{
		weights: weights,
		biases:  biases,
	}, nil
}

// OutputSize returns the embedding width of the final layer
func (t *FCTransform) OutputSize() int {
	rows, _ := t.weights[len(t.weights)-1].Dims()
	return rows
}

// Transform applies the fully connected stack with ReLU after every layer
func (t *FCTransform) Transform(x *mat.Dense) (*mat.Dense, error) {

	cur := x

	for li, w := range t.weights {

		_, inCols := cur.Dims()
		_, wCols := w.Dims()

		if inCols != wCols {
			return nil, fmt.Errorf("layer %d expects %d inputs, got %d", li, wCols, inCols)
		}

		var y mat.Dense
		y.Mul(cur, w.T())

		rows, cols := y.Dims()

		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {

				v := y.At(i, j) + t.biases[li][j]

				if v < 0 {
					v = 0
				}

				y.Set(i, j, v)
			}
		}

		cur = &y
	}

	return cur, nil
}

// StageHead is the per-stage prediction head, a feature transform followed
// by linear classification and box regression layers.  Box regression is
// class agnostic, the head always emits 4 delta values per proposal shared
// across all classes
type StageHead struct {
	transform  FeatureTransform
	clsWeight  *mat.Dense
	clsBias    []float64
	regWeight  *mat.Dense
	regBias    []float64
	numClasses int
}

// NewStageHead returns a StageHead over the given transform.  The
// classification layer must have numClasses+1 outputs (the extra one being
// background) and the regression layer exactly 4, both consuming the
// transform's embedding width
func NewStageHead(transform FeatureTransform, numClasses int,
	clsWeight, regWeight *mat.Dense, clsBias, regBias []float64) (*StageHead, error) {

	if transform == nil {
		return nil, fmt.Errorf("stage head needs a feature transform")
	}

	if numClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}

	embed := transform.OutputSize()

	clsRows, clsCols := clsWeight.Dims()

	if clsRows != numClasses+1 || clsCols != embed {
		return nil, fmt.Errorf("classification layer is [%d x %d], want [%d x %d]",
			clsRows, clsCols, numClasses+1, embed)
	}

	if len(clsBias) != numClasses+1 {
		return nil, fmt.Errorf("classification bias has %d values, want %d",
			len(clsBias), numClasses+1)
	}

	regRows, regCols := regWeight.Dims()

	if regRows != 4 || regCols != embed {
		return nil, fmt.Errorf("regression layer is [%d x %d], want [4 x %d]",
			regRows, regCols, embed)
	}

	if len(regBias) != 4 {
		return nil, fmt.Errorf("regression bias has %d values, want 4", len(regBias))
	}

	return &StageHead{
		transform:  transform,
		clsWeight:  clsWeight,
		clsBias:    clsBias,
		regWeight:  regWeight,
		regBias:    regBias,
		numClasses: numClasses,
	}, nil
}

// NumClasses returns the foreground class count the head predicts
func (h *StageHead) NumClasses() int {
	return h.numClasses
}

// Predict runs the transform and prediction layers over pooled region
// features, one row per proposal
func (h *StageHead) Predict(pooled *mat.Dense) (*StageOutput, error) {

	embed, err := h.transform.Transform(pooled)

	if err != nil {
		return nil, fmt.Errorf("feature transform failed: %w", err)
	}

	logits, err := linear(embed, h.clsWeight, h.clsBias)

	if err != nil {
		return nil, fmt.Errorf("classification layer: %w", err)
	}

	deltas, err := linear(embed, h.regWeight, h.regBias)

	if err != nil {
		return nil, fmt.Errorf("regression layer: %w", err)
	}

	return &StageOutput{
		Logits: logits,
		Deltas: deltas,
	}, nil
}

// linear computes x*W^T + b row-wise
func linear(x, w *mat.Dense, b []float64) (*mat.Dense, error) {

	_, xCols := x.Dims()
	_, wCols := w.Dims()

	if xCols != wCols {
		return nil, fmt.Errorf("embedding width %d does not match layer input width %d",
			xCols, wCols)
	}

	var y mat.Dense
	y.Mul(x, w.T())

	rows, cols := y.Dims()

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			y.Set(i, j, y.At(i, j)+b[j])
		}
	}

	return &y, nil
}
