package render

import "image/color"

var (
	// classColors is cycled through when painting detection boxes so
	// adjacent detections stay visually distinct
	classColors = []color.RGBA{
		{R: 255, G: 56, B: 56, A: 255},   // #FF3838
		{R: 255, G: 178, B: 29, A: 255},  // #FFB21D
		{R: 72, G: 249, B: 10, A: 255},   // #48F90A
		{R: 0, G: 212, B: 187, A: 255},   // #00D4BB
		{R: 0, G: 194, B: 255, A: 255},   // #00C2FF
		{R: 52, G: 69, B: 147, A: 255},   // #344593
		{R: 132, G: 56, B: 255, A: 255},  // #8438FF
		{R: 255, G: 55, B: 199, A: 255},  // #FF37C7
		{R: 44, G: 153, B: 168, A: 255},  // #2C99A8
		{R: 146, G: 204, B: 23, A: 255},  // #92CC17
	}

	White = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Black = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// ClassColor returns the color used for the given detection index
func ClassColor(idx int) color.RGBA {
	return classColors[idx%len(classColors)]
}
