package cascade

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// canonicalLevel is the pyramid level a canonically sized box is
	// assigned to
	canonicalLevel = 4
	// canonicalBoxSize is the box size, in pixels, mapped to the
	// canonical level
	canonicalBoxSize = 224.0
)

// RegionPooler extracts a fixed-size feature grid for each box from a set of
// feature pyramid levels using ROIAlign bilinear sampling.  Boxes are routed
// to a pyramid level based on their size, small boxes sample the finer
// levels and large boxes the coarser ones
type RegionPooler struct {
	// Resolution is the output grid size, each box pools to a
	// Resolution x Resolution x channels feature block
	Resolution int
	// SamplingRatio is the number of sample points per bin axis.  A
	// value of zero or less derives the grid adaptively from the box size
	SamplingRatio int
	// Scales map box coordinates onto each feature level, one entry per
	// level, ordered finest to coarsest (e.g. 1/4, 1/8, 1/16, 1/32)
	Scales []float32

	minLevel int
	maxLevel int
}

// NewRegionPooler returns a RegionPooler for the given output resolution,
// sampling ratio and per-level feature scales.  Scales must be powers of two
// covering a contiguous range of pyramid levels
func NewRegionPooler(resolution, samplingRatio int, scales []float32) (*RegionPooler, error) {

	if resolution <= 0 {
		return nil, fmt.Errorf("pooler resolution must be positive, got %d", resolution)
	}

	if len(scales) == 0 {
		return nil, fmt.Errorf("pooler needs at least one feature scale")
	}

	levels := make([]int, len(scales))

	for i, s := range scales {

		if s <= 0 || s > 1 {
			return nil, fmt.Errorf("feature scale %d must be in (0, 1], got %v", i, s)
		}

		lvl := -math.Log2(float64(s))

		if math.Abs(lvl-math.Round(lvl)) > 1e-6 {
			return nil, fmt.Errorf("feature scale %v is not a power of 2", s)
		}

		levels[i] = int(math.Round(lvl))
	}

	for i := 1; i < len(levels); i++ {
		if levels[i] != levels[i-1]+1 {
			return nil, fmt.Errorf("feature scales must form a contiguous pyramid, got levels %v", levels)
		}
	}

	return &RegionPooler{
		Resolution:    resolution,
		SamplingRatio: samplingRatio,
		Scales:        scales,
		minLevel:      levels[0],
		maxLevel:      levels[len(levels)-1],
	}, nil
}

// assignLevel selects the pyramid level index for a box based on its area
func (p *RegionPooler) assignLevel(box Box) int {

	if len(p.Scales) == 1 {
		return 0
	}

	size := math.Sqrt(float64(box.Area()))
	lvl := int(math.Floor(canonicalLevel + math.Log2(size/canonicalBoxSize+1e-8)))

	if lvl < p.minLevel {
		lvl = p.minLevel
	}

	if lvl > p.maxLevel {
		lvl = p.maxLevel
	}

	return lvl - p.minLevel
}

// Pool extracts pooled features for each box.  The features slice holds one
// level per pooler scale, all with the same channel count.  The result has
// one row per box of length channels*Resolution*Resolution, or is nil when
// the box list is empty
func (p *RegionPooler) Pool(features []*FeatureMap, boxes []Box) (*mat.Dense, error) {

	if len(features) != len(p.Scales) {
		return nil, fmt.Errorf("pooler configured for %d feature levels, got %d",
			len(p.Scales), len(features))
	}

	if len(boxes) == 0 {
		return nil, nil
	}

	channels := features[0].Channels()

	for i, fm := range features {
		if fm.Channels() != channels {
			return nil, fmt.Errorf("feature level %d has %d channels, expected %d",
				i, fm.Channels(), channels)
		}
	}

	rowLen := channels * p.Resolution * p.Resolution
	out := mat.NewDense(len(boxes), rowLen, nil)

	row := make([]float64, rowLen)

	for i, box := range boxes {
		lvl := p.assignLevel(box)
		p.alignOne(features[lvl], p.Scales[lvl], box, row)
		out.SetRow(i, row)
	}

	return out, nil
}

// alignOne pools a single box from a single feature level into row, laid out
// as (channel, bin row, bin column)
func (p *RegionPooler) alignOne(fm *FeatureMap, scale float32, box Box, row []float64) {

	res := p.Resolution

	// half-pixel alignment between image and feature coordinates
	x1 := float64(box.X1*scale) - 0.5
	y1 := float64(box.Y1*scale) - 0.5

	roiW := float64(box.Width() * scale)
	roiH := float64(box.Height() * scale)

	binW := roiW / float64(res)
	binH := roiH / float64(res)

	gridW := p.SamplingRatio
	gridH := p.SamplingRatio

	if gridW <= 0 {
		gridW = int(math.Ceil(binW))
		gridH = int(math.Ceil(binH))
	}

	if gridW < 1 {
		gridW = 1
	}

	if gridH < 1 {
		gridH = 1
	}

	count := float64(gridW * gridH)

	for c := 0; c < fm.Channels(); c++ {
		for ph := 0; ph < res; ph++ {
			for pw := 0; pw < res; pw++ {

				var sum float64

				for iy := 0; iy < gridH; iy++ {
					y := y1 + float64(ph)*binH + (float64(iy)+0.5)*binH/float64(gridH)

					for ix := 0; ix < gridW; ix++ {
						x := x1 + float64(pw)*binW + (float64(ix)+0.5)*binW/float64(gridW)
						sum += bilinear(fm, c, y, x)
					}
				}

				row[(c*res+ph)*res+pw] = sum / count
			}
		}
	}
}

// bilinear samples the feature map at a fractional location, returning zero
// outside the map
func bilinear(fm *FeatureMap, c int, y, x float64) float64 {

	h := fm.Height()
	w := fm.Width()

	if y < -1 || y > float64(h) || x < -1 || x > float64(w) {
		return 0
	}

	if y < 0 {
		y = 0
	}

	if x < 0 {
		x = 0
	}

	yLow := int(y)
	xLow := int(x)
	yHigh := yLow + 1
	xHigh := xLow + 1

	if yLow >= h-1 {
		yLow = h - 1
		yHigh = h - 1
		y = float64(yLow)
	}

	if xLow >= w-1 {
		xLow = w - 1
		xHigh = w - 1
		x = float64(xLow)
	}

	ly := y - float64(yLow)
	lx := x - float64(xLow)
	hy := 1 - ly
	hx := 1 - lx

	v1 := float64(fm.At(c, yLow, xLow))
	v2 := float64(fm.At(c, yLow, xHigh))
	v3 := float64(fm.At(c, yHigh, xLow))
	v4 := float64(fm.At(c, yHigh, xHigh))

	return hy*hx*v1 + hy*lx*v2 + ly*hx*v3 + ly*lx*v4
}
