package postprocess

// BoxRect are the corner coordinates of a detection bounding box in image
// space
type BoxRect struct {
	X1 float32
	Y1 float32
	X2 float32
	Y2 float32
}

// Detection is a single final detection after score filtering and NMS
type Detection struct {
	// Class is the predicted object class index
	Class int
	// Box is the bounding box of the object location
	Box BoxRect
	// Score is the confidence score of the detection
	Score float32
}

// Size are the pixel dimensions of the image the detections belong to
type Size struct {
	Width  float32
	Height float32
}
