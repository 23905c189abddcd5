package cascade

import (
	"fmt"

	"github.com/x448/float16"
	"gorgonia.org/tensor"
)

var f16LookupTable [65536]float32

func init() {
	// precompute float16 lookup table for faster conversion to float32
	for i := range f16LookupTable {
		f16 := float16.Frombits(uint16(i))
		f16LookupTable[i] = f16.Float32()
	}
}

// FeatureMap is one backbone pyramid level for a single image, a float32
// tensor of shape (channels, height, width).  All sampling reads go through
// the tensor's backing storage, so the map shares memory with any tensor
// pipeline that produced it
type FeatureMap struct {
	dense *tensor.Dense
	data  []float32
	c     int
	h     int
	w     int
}

// NewFeatureMap wraps the given float32 data, laid out as (channel, row,
// column), into a FeatureMap of the given shape.  The data is referenced,
// not copied
func NewFeatureMap(c, h, w int, data []float32) (*FeatureMap, error) {

	if c <= 0 || h <= 0 || w <= 0 {
		return nil, fmt.Errorf("invalid feature map shape (%d, %d, %d)", c, h, w)
	}

	if len(data) != c*h*w {
		return nil, fmt.Errorf("feature map shape (%d, %d, %d) needs %d values, got %d",
			c, h, w, c*h*w, len(data))
	}

	return FeatureMapFromTensor(tensor.New(tensor.WithShape(c, h, w), tensor.WithBacking(data)))
}

// NewFeatureMapHWC wraps channels-last float32 data, laid out as (row,
// column, channel) the way NHWC inference runtimes emit it, transposing it
// into the channels-first layout the pooler samples
func NewFeatureMapHWC(h, w, c int, data []float32) (*FeatureMap, error) {

	if c <= 0 || h <= 0 || w <= 0 {
		return nil, fmt.Errorf("invalid feature map shape (%d, %d, %d)", c, h, w)
	}

	if len(data) != c*h*w {
		return nil, fmt.Errorf("feature map shape (%d, %d, %d) needs %d values, got %d",
			h, w, c, c*h*w, len(data))
	}

	hwc := tensor.New(tensor.WithShape(h, w, c), tensor.WithBacking(data))

	chw, err := tensor.Transpose(hwc, 2, 0, 1)

	if err != nil {
		return nil, fmt.Errorf("transposing feature map to channels-first: %w", err)
	}

	return FeatureMapFromTensor(chw.(*tensor.Dense))
}

// FeatureMapFromFloat16 decodes a little-endian IEEE 754 half precision
// buffer, as produced by inference runtimes that emit fp16 feature maps, into
// a float32 FeatureMap of the given shape
func FeatureMapFromFloat16(c, h, w int, buf []byte) (*FeatureMap, error) {

	if len(buf)%2 != 0 {
		return nil, fmt.Errorf("float16 buffer length %d is not a multiple of 2", len(buf))
	}

	data := make([]float32, len(buf)/2)

	for i := range data {
		bits := uint16(buf[i*2]) | uint16(buf[i*2+1])<<8
		data[i] = f16LookupTable[bits]
	}

	return NewFeatureMap(c, h, w, data)
}

// FeatureMapFromTensor builds a FeatureMap over an existing rank-3
// channels-first float32 tensor, sharing its backing storage.  It is the
// entry point for pipelines that already carry their features as tensors
func FeatureMapFromTensor(d *tensor.Dense) (*FeatureMap, error) {

	shape := d.Shape()

	if len(shape) != 3 {
		return nil, fmt.Errorf("feature map tensor must be rank 3, got shape %v", shape)
	}

	data, ok := d.Data().([]float32)

	if !ok {
		return nil, fmt.Errorf("feature map tensor must hold float32 values, got %v", d.Dtype())
	}

	return &FeatureMap{
		dense: d,
		data:  data,
		c:     shape[0],
		h:     shape[1],
		w:     shape[2],
	}, nil
}

// Channels returns the number of channels
func (f *FeatureMap) Channels() int {
	return f.c
}

// Height returns the height in feature cells
func (f *FeatureMap) Height() int {
	return f.h
}

// Width returns the width in feature cells
func (f *FeatureMap) Width() int {
	return f.w
}

// Tensor returns the underlying tensor
func (f *FeatureMap) Tensor() *tensor.Dense {
	return f.dense
}

// At returns the value at channel c, row y, column x
func (f *FeatureMap) At(c, y, x int) float32 {
	return f.data[(c*f.h+y)*f.w+x]
}
