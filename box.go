package cascade

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Box is an axis-aligned rectangle in image coordinate space using the
// (x1, y1, x2, y2) corner convention
type Box struct {
	X1 float32
	Y1 float32
	X2 float32
	Y2 float32
}

// ImageSize are the pixel dimensions of the input image the boxes live in
type ImageSize struct {
	Width  float32
	Height float32
}

// Width returns the width of the box
func (b Box) Width() float32 {
	return b.X2 - b.X1
}

// Height returns the height of the box
func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

// Area returns the area of the box
func (b Box) Area() float32 {
	return b.Width() * b.Height()
}

// IsDegenerate reports whether the box has collapsed to zero or negative
// width or height
func (b Box) IsDegenerate() bool {
	return b.Width() <= 0 || b.Height() <= 0
}

// Clip restricts the box coordinates to lie within the image bounds
func (b Box) Clip(size ImageSize) Box {
	return Box{
		X1: clampF32(b.X1, 0, size.Width),
		Y1: clampF32(b.Y1, 0, size.Height),
		X2: clampF32(b.X2, 0, size.Width),
		Y2: clampF32(b.Y2, 0, size.Height),
	}
}

// IoU calculates the Intersection over Union with another box
func (b Box) IoU(other Box) float32 {

	iw := float32(math.Min(float64(b.X2), float64(other.X2)) -
		math.Max(float64(b.X1), float64(other.X1)))

	if iw <= 0 {
		return 0
	}

	ih := float32(math.Min(float64(b.Y2), float64(other.Y2)) -
		math.Max(float64(b.Y1), float64(other.Y1)))

	if ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := b.Area() + other.Area() - inter

	if union <= 0 {
		return 0
	}

	return inter / union
}

// PairwiseIoU computes the IoU matrix between two box collections.  The
// result has dimensions [len(a) x len(b)] with entry (i, j) holding the IoU
// of a[i] and b[j], or is nil when either collection is empty
func PairwiseIoU(a, b []Box) *mat.Dense {

	if len(a) == 0 || len(b) == 0 {
		return nil
	}

	iou := mat.NewDense(len(a), len(b), nil)

	for i, boxA := range a {
		for j, boxB := range b {
			iou.Set(i, j, float64(boxA.IoU(boxB)))
		}
	}

	return iou
}

// clampF32 restricts the value to be within the range min and max
func clampF32(val, min, max float32) float32 {

	if val < min {
		return min
	}

	if val > max {
		return max
	}

	return val
}
