package postprocess

import (
	"math"
	"testing"
)

func almostEqual(a, b, tolerance float32) bool {
	return float32(math.Abs(float64(a)-float64(b))) <= tolerance
}

func TestFilterScoreThreshold(t *testing.T) {

	size := Size{Width: 100, Height: 100}

	boxes := []float32{
		0, 0, 10, 10,
		50, 50, 60, 60,
	}

	// one class, second proposal below threshold
	scores := []float32{0.9, 0.04}

	dets := Filter(boxes, scores, 1, size, DefaultFilterParams())

	if len(dets) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(dets))
	}

	if dets[0].Class != 0 || !almostEqual(dets[0].Score, 0.9, 1e-6) {
		t.Errorf("unexpected detection %+v", dets[0])
	}
}

func TestFilterNMSSuppression(t *testing.T) {

	size := Size{Width: 100, Height: 100}

	// two heavily overlapping boxes and one far away
	boxes := []float32{
		0, 0, 10, 10,
		1, 1, 11, 11,
		50, 50, 60, 60,
	}

	scores := []float32{0.8, 0.9, 0.7}

	dets := Filter(boxes, scores, 1, size, FilterParams{
		ScoreThreshold: 0.1,
		NMSThreshold:   0.5,
		MaxDetections:  10,
	})

	if len(dets) != 2 {
		t.Fatalf("expected 2 detections after NMS, got %d", len(dets))
	}

	// highest score first, the 0.8 overlap was suppressed
	if !almostEqual(dets[0].Score, 0.9, 1e-6) || !almostEqual(dets[1].Score, 0.7, 1e-6) {
		t.Errorf("expected scores 0.9 and 0.7, got %v and %v",
			dets[0].Score, dets[1].Score)
	}
}

func TestFilterKeepsSeparateClasses(t *testing.T) {

	size := Size{Width: 100, Height: 100}

	// identical boxes but different classes are not suppressed
	boxes := []float32{
		0, 0, 10, 10,
		0, 0, 10, 10,
	}

	// two classes: proposal 0 scores class 0, proposal 1 scores class 1
	scores := []float32{
		0.9, 0.0,
		0.0, 0.8,
	}

	dets := Filter(boxes, scores, 2, size, FilterParams{
		ScoreThreshold: 0.1,
		NMSThreshold:   0.5,
		MaxDetections:  10,
	})

	if len(dets) != 2 {
		t.Fatalf("expected 2 detections across classes, got %d", len(dets))
	}
}

func TestFilterMaxDetections(t *testing.T) {

	size := Size{Width: 1000, Height: 1000}

	var boxes []float32
	var scores []float32

	for i := 0; i < 5; i++ {
		x := float32(i * 100)
		boxes = append(boxes, x, 0, x+10, 10)
		scores = append(scores, 0.5)
	}

	dets := Filter(boxes, scores, 1, size, FilterParams{
		ScoreThreshold: 0.1,
		NMSThreshold:   0.5,
		MaxDetections:  3,
	})

	if len(dets) != 3 {
		t.Errorf("expected cap at 3 detections, got %d", len(dets))
	}
}

func TestFilterClipsBoxes(t *testing.T) {

	size := Size{Width: 50, Height: 50}

	boxes := []float32{-10, -10, 60, 40}
	scores := []float32{0.9}

	dets := Filter(boxes, scores, 1, size, DefaultFilterParams())

	if len(dets) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(dets))
	}

	b := dets[0].Box

	if b.X1 != 0 || b.Y1 != 0 || b.X2 != 50 || b.Y2 != 40 {
		t.Errorf("expected clipped box (0, 0, 50, 40), got %+v", b)
	}
}

func TestFilterEmptyInput(t *testing.T) {

	if dets := Filter(nil, nil, 1, Size{Width: 10, Height: 10},
		DefaultFilterParams()); dets != nil {
		t.Errorf("expected nil for empty input, got %v", dets)
	}
}
