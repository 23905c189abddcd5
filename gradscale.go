package cascade

import (
	"gonum.org/v1/gonum/mat"
)

// GradientScaler is an identity-in-forward, scale-in-backward operator.  The
// cascade inserts one per stage, with scale 1/numStages, between the pooled
// region features and the stage head so each stage contributes comparably to
// the upstream feature gradients regardless of how many stages exist.  The
// scale is a constant, not a learned parameter, and receives no gradient
// itself
type GradientScaler struct {
	Scale float64
}

// Forward passes the input through unchanged
func (g GradientScaler) Forward(x *mat.Dense) *mat.Dense {
	return x
}

// Backward multiplies the incoming gradient by the scale and returns the
// gradient to pass upstream.  The input is not modified
func (g GradientScaler) Backward(grad *mat.Dense) *mat.Dense {

	r, c := grad.Dims()
	out := mat.NewDense(r, c, nil)
	out.Scale(g.Scale, grad)

	return out
}
