package render

import (
	"fmt"
	"image"
	"image/draw"

	"github.com/detlabs/go-cascade/postprocess"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DrawDetections renders detection boxes and labels onto a standard library
// image, for pipelines that do not carry OpenCV.  Boxes are one pixel thick
// with the label drawn above the top edge
func DrawDetections(img *image.RGBA, dets []postprocess.Detection,
	classNames []string) {

	face := basicfont.Face7x13

	for i, det := range dets {

		clr := ClassColor(i)

		rect := image.Rect(int(det.Box.X1), int(det.Box.Y1),
			int(det.Box.X2), int(det.Box.Y2)).Intersect(img.Bounds())

		if rect.Empty() {
			continue
		}

		// box outline
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.SetRGBA(x, rect.Min.Y, clr)
			img.SetRGBA(x, rect.Max.Y-1, clr)
		}

		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			img.SetRGBA(rect.Min.X, y, clr)
			img.SetRGBA(rect.Max.X-1, y, clr)
		}

		text := fmt.Sprintf("%s %.2f", className(classNames, det.Class), det.Score)

		textW := font.MeasureString(face, text).Ceil()
		textH := face.Metrics().Height.Ceil()

		labelRect := image.Rect(rect.Min.X, rect.Min.Y-textH-2,
			rect.Min.X+textW+4, rect.Min.Y).Intersect(img.Bounds())

		draw.Draw(img, labelRect, image.NewUniform(clr), image.Point{}, draw.Src)

		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(White),
			Face: face,
			Dot: fixed.P(rect.Min.X+2,
				rect.Min.Y-face.Metrics().Descent.Ceil()),
		}
		d.DrawString(text)
	}
}
