/*
go-cascade implements the multi-stage (cascade) box refinement head used by
two-stage object detectors, in the style of Cascade R-CNN.  Given region
proposals and backbone feature maps it runs a fixed sequence of refinement
stages.  Each stage pools region features for the current proposal boxes,
predicts classification logits and class-agnostic box deltas, and the decoded
boxes of one stage become the proposals of the next.  Stages are matched
against ground truth with progressively stricter IoU thresholds during
training, and their class probabilities are ensembled by averaging during
inference.

The backbone network, the proposal generator and the feature transform inside
each stage head are external collaborators.  Feature maps are supplied as
float32 tensors, one per pyramid level per image, and the per-stage transform
is any implementation of the FeatureTransform interface.

See the postprocess subdirectory for score filtering and NMS of the final
detections and the render subdirectory for drawing results onto images.
*/
package cascade
