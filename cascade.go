package cascade

import (
	"fmt"

	"github.com/detlabs/go-cascade/postprocess"
	"gonum.org/v1/gonum/mat"
)

// CascadeParams defines the configuration of a cascade head.  The number of
// stages is the length of IoUThresholds, which must agree with StageWeights
// and with the head list given to NewCascade
type CascadeParams struct {
	// NumClasses is the number of foreground object classes.  The
	// background sentinel attached to unmatched proposals equals this
	// value
	NumClasses int
	// IoUThresholds is the per-stage foreground matching threshold,
	// typically increasing across stages
	IoUThresholds []float32
	// StageWeights are the per-stage box delta weights (wx, wy, ww, wh)
	StageWeights [][4]float32
	// PoolerResolution is the output grid size of region pooling
	PoolerResolution int
	// PoolerSamplingRatio is the ROIAlign sampling ratio, zero or less
	// derives it from the box size
	PoolerSamplingRatio int
	// PoolerScales map box coordinates onto each input feature level
	PoolerScales []float32
	// FeatureChannels is the channel count of each input feature level.
	// All levels must agree since they feed the same heads
	FeatureChannels []int
	// ClassAgnosticRegression must be true, per-class regression across
	// cascade stages is unsupported
	ClassAgnosticRegression bool
	// SmoothL1Beta is the transition point of the regression loss, zero
	// selects plain L1
	SmoothL1Beta float32
	// Filter are the score threshold, NMS and top-k settings applied to
	// the ensembled detections during inference
	Filter postprocess.FilterParams
}

// CascadeDefaultParams returns the standard three-stage configuration with
// matching thresholds 0.5, 0.6, 0.7 and FPN features at scales 1/4 to 1/32
// with 256 channels
func CascadeDefaultParams(numClasses int) CascadeParams {
	return CascadeParams{
		NumClasses:    numClasses,
		IoUThresholds: []float32{0.5, 0.6, 0.7},
		StageWeights: [][4]float32{
			{10, 10, 5, 5},
			{20, 20, 10, 10},
			{30, 30, 15, 15},
		},
		PoolerResolution:        7,
		PoolerSamplingRatio:     0,
		PoolerScales:            []float32{1.0 / 4, 1.0 / 8, 1.0 / 16, 1.0 / 32},
		FeatureChannels:         []int{256, 256, 256, 256},
		ClassAgnosticRegression: true,
		SmoothL1Beta:            0,
		Filter:                  postprocess.DefaultFilterParams(),
	}
}

// stage bundles the fixed per-stage components, built once at construction
// and indexed by stage number
type stage struct {
	matcher Matcher
	coder   *BoxCoder
	head    *StageHead
	scaler  GradientScaler
}

// StageStats are per-stage observability counters from the most recent
// training run.  Foreground plus background equals the number of proposals
// the stage consumed
type StageStats struct {
	Foreground int
	Background int
}

// Cascade is the multi-stage box refinement head.  It runs its stages in
// sequence, re-deriving each stage's proposals from the previous stage's
// regressed boxes, and either accumulates per-stage training losses or
// ensembles per-stage class probabilities into final detections.
//
// A Cascade records per-run statistics and is therefore not safe for
// concurrent use, run one instance per worker (see Pool)
type Cascade struct {
	params  CascadeParams
	pooler  *RegionPooler
	stages  []stage
	bgClass int
	stats   []StageStats
}

// NewCascade builds a cascade from the given configuration and one
// prediction head per stage.  All configuration mistakes are reported here,
// never at run time
func NewCascade(params CascadeParams, heads []*StageHead) (*Cascade, error) {

	numStages := len(params.IoUThresholds)

	if numStages == 0 {
		return nil, fmt.Errorf("cascade needs at least one stage")
	}

	if len(params.StageWeights) != numStages {
		return nil, fmt.Errorf("got %d stage weight vectors for %d stages",
			len(params.StageWeights), numStages)
	}

	if len(heads) != numStages {
		return nil, fmt.Errorf("got %d heads for %d stages", len(heads), numStages)
	}

	if !params.ClassAgnosticRegression {
		return nil, fmt.Errorf("cascade requires class-agnostic box regression")
	}

	if params.NumClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", params.NumClasses)
	}

	if len(params.FeatureChannels) != len(params.PoolerScales) {
		return nil, fmt.Errorf("got %d feature channel counts for %d pooler scales",
			len(params.FeatureChannels), len(params.PoolerScales))
	}

	for i, ch := range params.FeatureChannels {
		if ch != params.FeatureChannels[0] {
			return nil, fmt.Errorf("feature level %d has %d channels, level 0 has %d, all levels must agree",
				i, ch, params.FeatureChannels[0])
		}
	}

	pooler, err := NewRegionPooler(params.PoolerResolution,
		params.PoolerSamplingRatio, params.PoolerScales)

	if err != nil {
		return nil, fmt.Errorf("invalid pooler configuration: %w", err)
	}

	stages := make([]stage, numStages)

	for i := 0; i < numStages; i++ {

		if heads[i] == nil {
			return nil, fmt.Errorf("stage %d head is nil", i)
		}

		if heads[i].NumClasses() != params.NumClasses {
			return nil, fmt.Errorf("stage %d head predicts %d classes, cascade is configured for %d",
				i, heads[i].NumClasses(), params.NumClasses)
		}

		w := params.StageWeights[i]
		coder, err := NewBoxCoder(w[0], w[1], w[2], w[3])

		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}

		stages[i] = stage{
			matcher: Matcher{Threshold: params.IoUThresholds[i]},
			coder:   coder,
			head:    heads[i],
			scaler:  GradientScaler{Scale: 1.0 / float64(numStages)},
		}
	}

	return &Cascade{
		params:  params,
		pooler:  pooler,
		stages:  stages,
		bgClass: params.NumClasses,
	}, nil
}

// NumStages returns the number of refinement stages
func (c *Cascade) NumStages() int {
	return len(c.stages)
}

// Scalers returns the per-stage gradient scalers, each scale 1/numStages, so
// a training driver can route gradients flowing into the pooled features of
// each stage through the matching Backward call
func (c *Cascade) Scalers() []GradientScaler {

	out := make([]GradientScaler, len(c.stages))

	for i, st := range c.stages {
		out[i] = st.scaler
	}

	return out
}

// Stats returns the per-stage foreground/background counts recorded by the
// most recent training Run, or nil if the last run was inference
func (c *Cascade) Stats() []StageStats {
	return c.stats
}

// Run executes the cascade over a batch of images.  Features holds the
// pyramid levels per image, sizes the image dimensions, and proposals the
// initial candidate boxes per image.  With targets supplied the cascade runs
// in training mode and returns a nil detection set and the per-stage
// losses, keyed loss_cls_stageN and loss_box_reg_stageN.  With targets nil
// it runs inference and returns per-image detections and an empty loss map
func (c *Cascade) Run(features [][]*FeatureMap, sizes []ImageSize,
	proposals [][]Box, targets []GroundTruth) ([][]postprocess.Detection, map[string]float64, error) {

	numImages := len(proposals)

	if len(features) != numImages || len(sizes) != numImages {
		return nil, nil, fmt.Errorf("got %d images of proposals, %d of features, %d sizes",
			numImages, len(features), len(sizes))
	}

	training := targets != nil

	if training && len(targets) != numImages {
		return nil, nil, fmt.Errorf("got %d target sets for %d images", len(targets), numImages)
	}

	// current per-image proposals, re-derived at every stage boundary
	cur := make([]Proposals, numImages)

	for i := range proposals {
		cur[i] = Proposals{Boxes: proposals[i]}
	}

	var prev []*StageOutput

	// per-stage, per-image class probabilities for inference ensembling
	stageProbs := make([][]*mat.Dense, len(c.stages))

	losses := make(map[string]float64)

	if training {
		c.stats = make([]StageStats, len(c.stages))
	} else {
		c.stats = nil
	}

	for s := range c.stages {

		st := &c.stages[s]

		if s > 0 {
			// the defining step of the cascade: the previous stage's
			// regressed boxes become this stage's proposals
			for i := range cur {

				if len(cur[i].Boxes) == 0 {
					continue
				}

				boxes, err := c.stages[s-1].coder.Decode(
					flattenDeltas(prev[i].Deltas), cur[i].Boxes)

				if err != nil {
					return nil, nil, fmt.Errorf("stage %d image %d: %w", s, i, err)
				}

				for j := range boxes {
					boxes[j] = boxes[j].Clip(sizes[i])
				}

				if training {
					boxes = dropDegenerate(boxes)
				}

				cur[i] = Proposals{Boxes: boxes}
			}
		}

		if training {

			var fg, bg int

			for i := range cur {
				cur[i] = labelProposals(st.matcher, cur[i].Boxes, targets[i], c.bgClass)
				f, b := cur[i].counts(c.bgClass)
				fg += f
				bg += b
			}

			c.stats[s] = StageStats{Foreground: fg, Background: bg}
		}

		outputs := make([]*StageOutput, numImages)

		for i := range cur {

			if len(cur[i].Boxes) == 0 {
				continue
			}

			pooled, err := c.pooler.Pool(features[i], cur[i].Boxes)

			if err != nil {
				return nil, nil, fmt.Errorf("stage %d image %d: %w", s, i, err)
			}

			pooled = st.scaler.Forward(pooled)

			out, err := st.head.Predict(pooled)

			if err != nil {
				return nil, nil, fmt.Errorf("stage %d image %d: %w", s, i, err)
			}

			outputs[i] = out
		}

		if training {

			cls, reg, err := c.stageLoss(st, outputs, cur)

			if err != nil {
				return nil, nil, fmt.Errorf("stage %d loss: %w", s, err)
			}

			losses[fmt.Sprintf("loss_cls_stage%d", s)] = cls
			losses[fmt.Sprintf("loss_box_reg_stage%d", s)] = reg

		} else {

			stageProbs[s] = make([]*mat.Dense, numImages)

			for i, out := range outputs {
				if out != nil {
					stageProbs[s][i] = PredictProbs(out.Logits)
				}
			}
		}

		prev = outputs
	}

	if training {
		return nil, losses, nil
	}

	dets, err := c.finalize(prev, stageProbs, cur, sizes)

	if err != nil {
		return nil, nil, err
	}

	return dets, losses, nil
}

// finalize produces the terminal detections: the class score is the
// arithmetic mean of every stage's probabilities while the box comes from
// the last stage's decode only, then each image is filtered through score
// thresholding and NMS
func (c *Cascade) finalize(last []*StageOutput, stageProbs [][]*mat.Dense,
	cur []Proposals, sizes []ImageSize) ([][]postprocess.Detection, error) {

	numImages := len(cur)
	lastStage := &c.stages[len(c.stages)-1]

	dets := make([][]postprocess.Detection, numImages)

	for i := range cur {

		n := len(cur[i].Boxes)

		if n == 0 {
			continue
		}

		_, cols := stageProbs[0][i].Dims()
		avg := mat.NewDense(n, cols, nil)

		for s := range c.stages {
			avg.Add(avg, stageProbs[s][i])
		}

		avg.Scale(1.0/float64(len(c.stages)), avg)

		boxes, err := lastStage.coder.Decode(flattenDeltas(last[i].Deltas), cur[i].Boxes)

		if err != nil {
			return nil, fmt.Errorf("final decode image %d: %w", i, err)
		}

		flatBoxes := make([]float32, n*4)
		flatScores := make([]float32, n*c.params.NumClasses)

		for j, box := range boxes {

			clipped := box.Clip(sizes[i])
			flatBoxes[j*4+0] = clipped.X1
			flatBoxes[j*4+1] = clipped.Y1
			flatBoxes[j*4+2] = clipped.X2
			flatBoxes[j*4+3] = clipped.Y2

			// background column is dropped from the filter input
			for k := 0; k < c.params.NumClasses; k++ {
				flatScores[j*c.params.NumClasses+k] = float32(avg.At(j, k))
			}
		}

		dets[i] = postprocess.Filter(flatBoxes, flatScores, c.params.NumClasses,
			postprocess.Size{Width: sizes[i].Width, Height: sizes[i].Height},
			c.params.Filter)
	}

	return dets, nil
}

// stageLoss computes the classification and box regression losses of one
// stage over the whole batch.  Classification is averaged over every
// proposal, regression sums smooth-L1 over foreground proposals and
// normalizes by the total proposal count, so background entries contribute
// nothing to the regression term
func (c *Cascade) stageLoss(st *stage, outputs []*StageOutput,
	labeled []Proposals) (cls, reg float64, err error) {

	var total int
	var clsSum, regSum float64

	for i, out := range outputs {

		n := len(labeled[i].Boxes)

		if n == 0 {
			continue
		}

		total += n
		clsSum += crossEntropySum(out.Logits, labeled[i].GTClasses)

		var fgRefs, fgTargets []Box
		var fgRows []int

		for j := 0; j < n; j++ {
			if labeled[i].GTClasses[j] != c.bgClass {
				fgRefs = append(fgRefs, labeled[i].Boxes[j])
				fgTargets = append(fgTargets, labeled[i].GTBoxes[j])
				fgRows = append(fgRows, j)
			}
		}

		if len(fgRows) == 0 {
			continue
		}

		targetDeltas, encErr := st.coder.Encode(fgRefs, fgTargets)

		if encErr != nil {
			return 0, 0, encErr
		}

		predDeltas := make([]float32, len(fgRows)*4)

		for k, j := range fgRows {
			for d := 0; d < 4; d++ {
				predDeltas[k*4+d] = float32(out.Deltas.At(j, d))
			}
		}

		regSum += smoothL1Sum(predDeltas, targetDeltas, c.params.SmoothL1Beta)
	}

	if total == 0 {
		return 0, 0, nil
	}

	return clsSum / float64(total), regSum / float64(total), nil
}

// dropDegenerate removes boxes that collapsed to zero width or height, done
// before re-matching during training so degenerate boxes never become
// regression references
func dropDegenerate(boxes []Box) []Box {

	out := boxes[:0]

	for _, b := range boxes {
		if !b.IsDegenerate() {
			out = append(out, b)
		}
	}

	return out
}

// flattenDeltas converts an [n x 4] delta matrix into the flat slice layout
// the box coder consumes
func flattenDeltas(deltas *mat.Dense) []float32 {

	rows, _ := deltas.Dims()
	flat := make([]float32, rows*4)

	for i := 0; i < rows; i++ {
		for d := 0; d < 4; d++ {
			flat[i*4+d] = float32(deltas.At(i, d))
		}
	}

	return flat
}
