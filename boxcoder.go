package cascade

import (
	"fmt"
	"math"
)

// deltaClamp limits predicted log-scale factors so decoding cannot blow a
// box up to an unbounded size.  Equivalent to allowing a box to grow by at
// most 1000/16 per stage
var deltaClamp = float32(math.Log(1000.0 / 16.0))

// BoxCoder encodes boxes as deltas (dx, dy, dw, dh) relative to reference
// boxes and decodes such deltas back into boxes.  The four weights scale the
// respective delta components, each refinement stage of a cascade uses a
// coder with progressively larger weights as the regression targets shrink
type BoxCoder struct {
	weights [4]float32
}

// NewBoxCoder returns a BoxCoder using the given delta weights
func NewBoxCoder(wx, wy, ww, wh float32) (*BoxCoder, error) {

	if wx <= 0 || wy <= 0 || ww <= 0 || wh <= 0 {
		return nil, fmt.Errorf("box coder weights must be positive, got (%v, %v, %v, %v)",
			wx, wy, ww, wh)
	}

	return &BoxCoder{
		weights: [4]float32{wx, wy, ww, wh},
	}, nil
}

// Weights returns the delta weights the coder was created with
func (bc *BoxCoder) Weights() [4]float32 {
	return bc.weights
}

// Encode computes the deltas that transform each reference box into the
// corresponding target box.  The result is a flat slice of length
// len(refs)*4 laid out as (dx, dy, dw, dh) per box
func (bc *BoxCoder) Encode(refs, targets []Box) ([]float32, error) {

	if len(refs) != len(targets) {
		return nil, fmt.Errorf("reference and target box counts differ: %d != %d",
			len(refs), len(targets))
	}

	deltas := make([]float32, len(refs)*4)

	for i, ref := range refs {

		refW := ref.Width()
		refH := ref.Height()

		if refW <= 0 || refH <= 0 {
			return nil, fmt.Errorf("reference box %d is degenerate: %+v", i, ref)
		}

		refCtrX := ref.X1 + 0.5*refW
		refCtrY := ref.Y1 + 0.5*refH

		tgt := targets[i]
		tgtW := tgt.Width()
		tgtH := tgt.Height()
		tgtCtrX := tgt.X1 + 0.5*tgtW
		tgtCtrY := tgt.Y1 + 0.5*tgtH

		deltas[i*4+0] = bc.weights[0] * (tgtCtrX - refCtrX) / refW
		deltas[i*4+1] = bc.weights[1] * (tgtCtrY - refCtrY) / refH
		deltas[i*4+2] = bc.weights[2] * float32(math.Log(float64(tgtW/refW)))
		deltas[i*4+3] = bc.weights[3] * float32(math.Log(float64(tgtH/refH)))
	}

	return deltas, nil
}

// Decode applies the deltas to the reference boxes and returns the predicted
// boxes.  Deltas must be a flat slice of length len(refs)*4
func (bc *BoxCoder) Decode(deltas []float32, refs []Box) ([]Box, error) {

	if len(deltas) != len(refs)*4 {
		return nil, fmt.Errorf("got %d delta values for %d reference boxes",
			len(deltas), len(refs))
	}

	boxes := make([]Box, len(refs))

	for i, ref := range refs {

		refW := ref.Width()
		refH := ref.Height()
		refCtrX := ref.X1 + 0.5*refW
		refCtrY := ref.Y1 + 0.5*refH

		dx := deltas[i*4+0] / bc.weights[0]
		dy := deltas[i*4+1] / bc.weights[1]
		dw := deltas[i*4+2] / bc.weights[2]
		dh := deltas[i*4+3] / bc.weights[3]

		// cap scaling factors to keep exp() finite
		if dw > deltaClamp {
			dw = deltaClamp
		}

		if dh > deltaClamp {
			dh = deltaClamp
		}

		ctrX := dx*refW + refCtrX
		ctrY := dy*refH + refCtrY
		w := float32(math.Exp(float64(dw))) * refW
		h := float32(math.Exp(float64(dh))) * refH

		boxes[i] = Box{
			X1: ctrX - 0.5*w,
			Y1: ctrY - 0.5*h,
			X2: ctrX + 0.5*w,
			Y2: ctrY + 0.5*h,
		}
	}

	return boxes, nil
}
