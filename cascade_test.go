package cascade

import (
	"math"
	"testing"

	"github.com/detlabs/go-cascade/postprocess"
	"gonum.org/v1/gonum/mat"
)

// testParams is a small single-level configuration used by the cascade
// tests, pooling 2x2 grids from one 1-channel feature map at full scale
func testParams(numClasses int) CascadeParams {
	return CascadeParams{
		NumClasses:    numClasses,
		IoUThresholds: []float32{0.5, 0.6, 0.7},
		StageWeights: [][4]float32{
			{10, 10, 5, 5},
			{20, 20, 10, 10},
			{30, 30, 15, 15},
		},
		PoolerResolution:        2,
		PoolerSamplingRatio:     1,
		PoolerScales:            []float32{1},
		FeatureChannels:         []int{1},
		ClassAgnosticRegression: true,
		SmoothL1Beta:            0,
		Filter: postprocess.FilterParams{
			ScoreThreshold: 0.01,
			NMSThreshold:   0.5,
			MaxDetections:  10,
		},
	}
}

// biasHead builds a head whose predictions ignore the features entirely,
// producing the given logits and deltas as constants.  The pooled feature
// width for testParams is 1*2*2 = 4
func biasHead(t *testing.T, numClasses int, clsBias, regBias []float64) *StageHead {

	t.Helper()

	embed := 4

	head, err := NewStageHead(IdentityTransform{Size: embed}, numClasses,
		mat.NewDense(numClasses+1, embed, nil),
		mat.NewDense(4, embed, nil),
		clsBias, regBias)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return head
}

// zeroHeads builds one constant-zero head per stage
func zeroHeads(t *testing.T, numClasses, numStages int) []*StageHead {

	t.Helper()

	heads := make([]*StageHead, numStages)

	for i := range heads {
		heads[i] = biasHead(t, numClasses,
			make([]float64, numClasses+1), make([]float64, 4))
	}

	return heads
}

// TestCascadeTraining runs a 3-stage cascade over one image with two
// proposals and one ground truth box overlapping them at IoU 0.55 and 0.3.
// With the stage thresholds 0.5/0.6/0.7 the first proposal is foreground
// only at stage 0
func TestCascadeTraining(t *testing.T) {

	cas, err := NewCascade(testParams(1), zeroHeads(t, 1, 3))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	features := [][]*FeatureMap{{constantFeatureMap(t, 1, 64, 64, 1.0)}}
	sizes := []ImageSize{{Width: 64, Height: 64}}
	proposals := [][]Box{{
		{0, 0, 10, 5.5}, // IoU 0.55 with the ground truth
		{0, 0, 10, 3},   // IoU 0.30
	}}
	targets := []GroundTruth{{
		Boxes:   []Box{{0, 0, 10, 10}},
		Classes: []int{0},
	}}

	dets, losses, err := cas.Run(features, sizes, proposals, targets)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dets != nil {
		t.Errorf("training mode must return no detections")
	}

	wantKeys := []string{
		"loss_cls_stage0", "loss_box_reg_stage0",
		"loss_cls_stage1", "loss_box_reg_stage1",
		"loss_cls_stage2", "loss_box_reg_stage2",
	}

	if len(losses) != len(wantKeys) {
		t.Errorf("expected %d loss entries, got %d: %v", len(wantKeys), len(losses), losses)
	}

	for _, k := range wantKeys {
		if _, ok := losses[k]; !ok {
			t.Errorf("missing loss key %q", k)
		}
	}

	if losses["loss_cls_stage0"] <= 0 {
		t.Errorf("expected positive classification loss, got %v", losses["loss_cls_stage0"])
	}

	// stage 0 has a foreground proposal with a non-trivial regression
	// target, stages 1 and 2 are all background with no regression loss
	if losses["loss_box_reg_stage0"] <= 0 {
		t.Errorf("expected positive stage 0 regression loss, got %v",
			losses["loss_box_reg_stage0"])
	}

	if losses["loss_box_reg_stage1"] != 0 || losses["loss_box_reg_stage2"] != 0 {
		t.Errorf("expected zero regression loss for background-only stages, got %v / %v",
			losses["loss_box_reg_stage1"], losses["loss_box_reg_stage2"])
	}

	stats := cas.Stats()

	if len(stats) != 3 {
		t.Fatalf("expected stats for 3 stages, got %d", len(stats))
	}

	if stats[0].Foreground != 1 || stats[0].Background != 1 {
		t.Errorf("stage 0: expected 1 fg / 1 bg, got %d / %d",
			stats[0].Foreground, stats[0].Background)
	}

	if stats[1].Foreground != 0 || stats[2].Foreground != 0 {
		t.Errorf("stages 1 and 2 should have no foreground at stricter thresholds")
	}

	// fg+bg equals the proposal count entering every stage, nothing
	// degenerated with zero deltas
	for s, st := range stats {
		if st.Foreground+st.Background != 2 {
			t.Errorf("stage %d: counts sum to %d, expected 2",
				s, st.Foreground+st.Background)
		}
	}
}

// TestCascadeInferenceEnsembling checks the score-averaging with
// last-stage-boxes asymmetry: per-stage class probabilities 0.2, 0.4, 0.6
// must ensemble to 0.4 while the final box comes from the stage 2 decode
// alone
func TestCascadeInferenceEnsembling(t *testing.T) {

	heads := []*StageHead{
		biasHead(t, 1, []float64{math.Log(0.2), math.Log(0.8)}, []float64{0, 0, 0, 0}),
		biasHead(t, 1, []float64{math.Log(0.4), math.Log(0.6)}, []float64{0, 0, 0, 0}),
		// stage 2 shifts the box right by width/30
		biasHead(t, 1, []float64{math.Log(0.6), math.Log(0.4)}, []float64{1, 0, 0, 0}),
	}

	cas, err := NewCascade(testParams(1), heads)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	features := [][]*FeatureMap{{constantFeatureMap(t, 1, 64, 64, 1.0)}}
	sizes := []ImageSize{{Width: 64, Height: 64}}
	proposals := [][]Box{{{10, 10, 30, 30}}}

	dets, losses, err := cas.Run(features, sizes, proposals, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(losses) != 0 {
		t.Errorf("inference mode must return an empty loss map, got %v", losses)
	}

	if len(dets) != 1 || len(dets[0]) != 1 {
		t.Fatalf("expected exactly one detection, got %v", dets)
	}

	det := dets[0][0]

	if det.Class != 0 {
		t.Errorf("expected class 0, got %d", det.Class)
	}

	// arithmetic mean of 0.2, 0.4 and 0.6, not the last stage's 0.6
	if !almostEqual(det.Score, 0.4, 1e-5) {
		t.Errorf("expected ensembled score 0.4, got %v", det.Score)
	}

	// zero deltas in stages 0 and 1 leave the proposal unchanged, the
	// stage 2 delta dx=1/30 shifts the 20-wide box right by 20/30
	shift := float32(20.0 / 30.0)
	wantBox := postprocess.BoxRect{X1: 10 + shift, Y1: 10, X2: 30 + shift, Y2: 30}

	if !almostEqual(det.Box.X1, wantBox.X1, 1e-4) ||
		!almostEqual(det.Box.Y1, wantBox.Y1, 1e-4) ||
		!almostEqual(det.Box.X2, wantBox.X2, 1e-4) ||
		!almostEqual(det.Box.Y2, wantBox.Y2, 1e-4) {
		t.Errorf("expected final box %+v from the last stage decode, got %+v",
			wantBox, det.Box)
	}
}

// TestCascadeNoGroundTruth verifies that an image without any annotated
// objects trains as pure background without faulting
func TestCascadeNoGroundTruth(t *testing.T) {

	cas, err := NewCascade(testParams(1), zeroHeads(t, 1, 3))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	features := [][]*FeatureMap{{constantFeatureMap(t, 1, 64, 64, 1.0)}}
	sizes := []ImageSize{{Width: 64, Height: 64}}
	proposals := [][]Box{{{0, 0, 10, 10}, {20, 20, 40, 40}}}
	targets := []GroundTruth{{}}

	_, losses, err := cas.Run(features, sizes, proposals, targets)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for s, st := range cas.Stats() {

		if st.Foreground != 0 {
			t.Errorf("stage %d: expected no foreground, got %d", s, st.Foreground)
		}

		if st.Background != 2 {
			t.Errorf("stage %d: expected 2 background, got %d", s, st.Background)
		}
	}

	if losses["loss_box_reg_stage0"] != 0 {
		t.Errorf("expected zero regression loss without foreground, got %v",
			losses["loss_box_reg_stage0"])
	}

	if losses["loss_cls_stage0"] <= 0 {
		t.Errorf("background classification still has a loss, got %v",
			losses["loss_cls_stage0"])
	}
}

// TestCascadeEmptyProposals verifies that an image with no proposals
// propagates empty outputs through every stage
func TestCascadeEmptyProposals(t *testing.T) {

	cas, err := NewCascade(testParams(1), zeroHeads(t, 1, 3))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	features := [][]*FeatureMap{{constantFeatureMap(t, 1, 64, 64, 1.0)}}
	sizes := []ImageSize{{Width: 64, Height: 64}}
	proposals := [][]Box{{}}

	dets, _, err := cas.Run(features, sizes, proposals, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(dets) != 1 || dets[0] != nil {
		t.Errorf("expected empty detections, got %v", dets)
	}
}

// TestCascadeDropsDegenerate verifies that a box pushed outside the image
// is dropped before re-matching and the later stages run on the reduced
// proposal set
func TestCascadeDropsDegenerate(t *testing.T) {

	heads := []*StageHead{
		// dx = 1000/10 pushes the box far outside the image so the
		// clipped box collapses
		biasHead(t, 1, []float64{0, 0}, []float64{1000, 0, 0, 0}),
		biasHead(t, 1, []float64{0, 0}, []float64{0, 0, 0, 0}),
		biasHead(t, 1, []float64{0, 0}, []float64{0, 0, 0, 0}),
	}

	cas, err := NewCascade(testParams(1), heads)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	features := [][]*FeatureMap{{constantFeatureMap(t, 1, 64, 64, 1.0)}}
	sizes := []ImageSize{{Width: 64, Height: 64}}
	proposals := [][]Box{{{0, 0, 10, 10}}}
	targets := []GroundTruth{{
		Boxes:   []Box{{0, 0, 10, 10}},
		Classes: []int{0},
	}}

	_, losses, err := cas.Run(features, sizes, proposals, targets)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := cas.Stats()

	if stats[0].Foreground != 1 || stats[0].Background != 0 {
		t.Errorf("stage 0: expected 1 fg / 0 bg, got %d / %d",
			stats[0].Foreground, stats[0].Background)
	}

	// the only proposal degenerated after stage 0, later stages see none
	for s := 1; s < 3; s++ {
		if stats[s].Foreground+stats[s].Background != 0 {
			t.Errorf("stage %d: expected no proposals, got %d",
				s, stats[s].Foreground+stats[s].Background)
		}
	}

	if losses["loss_cls_stage1"] != 0 || losses["loss_box_reg_stage1"] != 0 {
		t.Errorf("expected zero stage 1 losses for an empty stage")
	}
}

func TestNewCascadeValidation(t *testing.T) {

	heads := zeroHeads(t, 1, 3)

	p := testParams(1)
	p.StageWeights = p.StageWeights[:2]

	if _, err := NewCascade(p, heads); err == nil {
		t.Errorf("expected error for stage weight count mismatch")
	}

	p = testParams(1)
	p.ClassAgnosticRegression = false

	if _, err := NewCascade(p, heads); err == nil {
		t.Errorf("expected error for per-class regression")
	}

	p = testParams(1)

	if _, err := NewCascade(p, heads[:2]); err == nil {
		t.Errorf("expected error for head count mismatch")
	}

	p = testParams(1)
	p.IoUThresholds = nil
	p.StageWeights = nil

	if _, err := NewCascade(p, nil); err == nil {
		t.Errorf("expected error for zero stages")
	}

	p = testParams(1)
	p.PoolerScales = []float32{1.0 / 4, 1.0 / 8}
	p.FeatureChannels = []int{256, 128}

	if _, err := NewCascade(p, heads); err == nil {
		t.Errorf("expected error for mismatched feature channels")
	}

	p = testParams(2)

	if _, err := NewCascade(p, heads); err == nil {
		t.Errorf("expected error for head class count mismatch")
	}
}

func TestCascadeScalers(t *testing.T) {

	cas, err := NewCascade(testParams(1), zeroHeads(t, 1, 3))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	scalers := cas.Scalers()

	if len(scalers) != 3 {
		t.Fatalf("expected 3 scalers, got %d", len(scalers))
	}

	for i, s := range scalers {
		if math.Abs(s.Scale-1.0/3.0) > 1e-12 {
			t.Errorf("scaler %d: expected scale 1/3, got %v", i, s.Scale)
		}
	}
}
