package render

import (
	"fmt"
	"image"
	"image/color"

	"github.com/detlabs/go-cascade/postprocess"
	"gocv.io/x/gocv"
)

// boxLabel records a text label to draw after all boxes, so labels end up
// on the top-most layer
type boxLabel struct {
	rect    image.Rectangle
	clr     color.RGBA
	text    string
	textPos image.Point
}

// DetectionBoxes renders the bounding boxes of the given detections onto the
// image, each with a class name and score label
func DetectionBoxes(img *gocv.Mat, dets []postprocess.Detection,
	classNames []string, font Font, lineThickness int) {

	boxLabels := make([]boxLabel, 0, len(dets))

	for i, det := range dets {

		useClr := ClassColor(i)

		left := int(det.Box.X1)
		top := int(det.Box.Y1)
		right := int(det.Box.X2)
		bottom := int(det.Box.Y2)

		gocv.Rectangle(img, image.Rect(left, top, right, bottom), useClr,
			lineThickness)

		text := fmt.Sprintf("%s %.2f", className(classNames, det.Class), det.Score)
		textSize := gocv.GetTextSize(text, font.Face, font.Scale, font.Thickness)

		centerX := left + (textSize.X / 2) + font.LeftPad - (lineThickness / 2)

		labelPosition := image.Pt(centerX-textSize.X/2, top-font.BottomPad)

		bRect := image.Rect(centerX-textSize.X/2-font.LeftPad,
			top-textSize.Y-font.TopPad-font.BottomPad,
			centerX+textSize.X/2+font.RightPad, top)

		boxLabels = append(boxLabels, boxLabel{
			rect:    bRect,
			clr:     useClr,
			text:    text,
			textPos: labelPosition,
		})
	}

	// draw the precalculated labels last so box outlines never overlap
	// the text
	for _, box := range boxLabels {

		gocv.Rectangle(img, box.rect, box.clr, -1)

		gocv.PutTextWithParams(img, box.text, box.textPos,
			font.Face, font.Scale, font.Color, font.Thickness,
			font.LineType, false)
	}
}

// className returns the label for a class index, falling back to the index
// when no label file entry exists
func className(classNames []string, class int) string {

	if class >= 0 && class < len(classNames) {
		return classNames[class]
	}

	return fmt.Sprintf("class %d", class)
}
