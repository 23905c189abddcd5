package cascade

// GroundTruth are the annotated object boxes and class labels for one
// training image.  It is never modified by the cascade
type GroundTruth struct {
	Boxes   []Box
	Classes []int
}

// Proposals are the candidate boxes of one image entering a cascade stage.
// During training, matching attaches the assigned ground truth class and box
// per proposal.  GTClasses uses the background sentinel (the configured
// number of classes) for unmatched proposals, whose GTBoxes entry is a zero
// box that the loss never reads
type Proposals struct {
	Boxes     []Box
	GTClasses []int
	GTBoxes   []Box
}

// labelProposals matches the proposal boxes of one image against its ground
// truth and returns a new labeled Proposals value.  The input is not
// mutated, each stage gets its own labeled copy so stage boundaries share no
// aliased label state.  An image without ground truth labels every proposal
// background
func labelProposals(m Matcher, boxes []Box, gt GroundTruth, bgClass int) Proposals {

	labeled := Proposals{
		Boxes:     boxes,
		GTClasses: make([]int, len(boxes)),
		GTBoxes:   make([]Box, len(boxes)),
	}

	if len(boxes) == 0 {
		return labeled
	}

	if len(gt.Boxes) == 0 {
		for j := range labeled.GTClasses {
			labeled.GTClasses[j] = bgClass
		}
		return labeled
	}

	idxs, labels := m.Match(PairwiseIoU(gt.Boxes, boxes))

	for j := range boxes {
		if labels[j] == MatchForeground {
			labeled.GTClasses[j] = gt.Classes[idxs[j]]
			labeled.GTBoxes[j] = gt.Boxes[idxs[j]]
		} else {
			labeled.GTClasses[j] = bgClass
		}
	}

	return labeled
}

// counts returns the number of foreground and background proposals in a
// labeled set
func (p Proposals) counts(bgClass int) (fg, bg int) {

	for _, c := range p.GTClasses {
		if c == bgClass {
			bg++
		} else {
			fg++
		}
	}

	return fg, bg
}
