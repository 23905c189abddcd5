package postprocess

import (
	"math"
	"sort"
)

// FilterParams control the final detection filtering step
type FilterParams struct {
	// ScoreThreshold is the minimum class probability for a candidate to
	// be kept
	ScoreThreshold float32
	// NMSThreshold is the maximum allowed IoU between two same-class
	// detections for both to be kept
	NMSThreshold float32
	// MaxDetections caps the number of detections returned per image.
	// Zero or less means unlimited
	MaxDetections int
}

// DefaultFilterParams returns the filter settings commonly used when
// evaluating detectors:
// - Score Threshold: 0.05
// - NMS Threshold: 0.5
// - Maximum Detections: 100
func DefaultFilterParams() FilterParams {
	return FilterParams{
		ScoreThreshold: 0.05,
		NMSThreshold:   0.5,
		MaxDetections:  100,
	}
}

// candidate is one (box, class) pair under consideration during filtering
type candidate struct {
	box   BoxRect
	class int
	score float32
}

// Filter turns raw per-proposal boxes and class scores into final
// detections.  Boxes is a flat slice of n*4 coordinates (x1, y1, x2, y2) and
// scores a flat slice of n*numClasses probabilities, background excluded.
// Candidates below the score threshold are dropped, boxes are clipped to the
// image, overlapping same-class candidates are suppressed keeping the higher
// score, and the result is capped at MaxDetections
func Filter(boxes []float32, scores []float32, numClasses int, size Size,
	p FilterParams) []Detection {

	n := len(boxes) / 4

	cands := make([]candidate, 0, n)

	for i := 0; i < n; i++ {

		box := clipBox(BoxRect{
			X1: boxes[i*4+0],
			Y1: boxes[i*4+1],
			X2: boxes[i*4+2],
			Y2: boxes[i*4+3],
		}, size)

		for c := 0; c < numClasses; c++ {

			score := scores[i*numClasses+c]

			if score < p.ScoreThreshold {
				continue
			}

			cands = append(cands, candidate{
				box:   box,
				class: c,
				score: score,
			})
		}
	}

	if len(cands) == 0 {
		return nil
	}

	// highest score first so NMS keeps the best of each cluster
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})

	keep := make([]bool, len(cands))

	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(cands); i++ {

		if !keep[i] {
			continue
		}

		for j := i + 1; j < len(cands); j++ {

			if !keep[j] || cands[j].class != cands[i].class {
				continue
			}

			if overlap(cands[i].box, cands[j].box) > p.NMSThreshold {
				keep[j] = false
			}
		}
	}

	dets := make([]Detection, 0, len(cands))

	for i, cand := range cands {

		if !keep[i] {
			continue
		}

		if p.MaxDetections > 0 && len(dets) >= p.MaxDetections {
			break
		}

		dets = append(dets, Detection{
			Class: cand.class,
			Box:   cand.box,
			Score: cand.score,
		})
	}

	return dets
}

// clipBox restricts the box coordinates to the image bounds
func clipBox(b BoxRect, size Size) BoxRect {
	return BoxRect{
		X1: clamp(b.X1, 0, size.Width),
		Y1: clamp(b.Y1, 0, size.Height),
		X2: clamp(b.X2, 0, size.Width),
		Y2: clamp(b.Y2, 0, size.Height),
	}
}

// clamp restricts the value to be within the range min and max
func clamp(val, min, max float32) float32 {

	if val < min {
		return min
	}

	if val > max {
		return max
	}

	return val
}

// overlap works out the Intersection over Union (IoU) value of two boxes
func overlap(a, b BoxRect) float32 {

	w := math.Max(0, math.Min(float64(a.X2), float64(b.X2))-math.Max(float64(a.X1), float64(b.X1)))
	h := math.Max(0, math.Min(float64(a.Y2), float64(b.Y2))-math.Max(float64(a.Y1), float64(b.Y1)))

	inter := float32(w * h)

	areaA := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	areaB := (b.X2 - b.X1) * (b.Y2 - b.Y1)

	union := areaA + areaB - inter

	if union <= 0 {
		return 0
	}

	return inter / union
}
