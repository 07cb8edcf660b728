package models

import "fmt"

// BinarizeThreshold is the normalized confidence above which a sample is
// foreground.
const BinarizeThreshold = 0.3

// SampleBuffer is a row-major grid of per-pixel samples, possibly with row
// padding. Samples are either integers in 0..255 or, when Normalized is set,
// confidences in 0..1.
type SampleBuffer struct {
	Width      int
	Height     int
	Stride     int
	Samples    []float32
	Normalized bool
}

// NewConfidenceBuffer wraps an unpadded confidence mask.
func NewConfidenceBuffer(conf []float32, width, height int) SampleBuffer {
	return SampleBuffer{
		Width:      width,
		Height:     height,
		Stride:     width,
		Samples:    conf,
		Normalized: true,
	}
}

// NewByteBuffer converts 8-bit pixels into integer-scale samples.
func NewByteBuffer(pix []uint8, width, height, stride int) SampleBuffer {
	samples := make([]float32, len(pix))
	for i, v := range pix {
		samples[i] = float32(v)
	}
	return SampleBuffer{
		Width:   width,
		Height:  height,
		Stride:  stride,
		Samples: samples,
	}
}

// RowStride returns Stride, treating zero as Width.
func (b SampleBuffer) RowStride() int {
	if b.Stride == 0 {
		return b.Width
	}
	return b.Stride
}

func (b SampleBuffer) Validate() error {
	stride := b.RowStride()
	switch {
	case b.Width <= 0 || b.Height <= 0:
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, b.Width, b.Height)
	case stride < b.Width:
		return fmt.Errorf("%w: stride %d shorter than width %d", ErrInvalidDimensions, stride, b.Width)
	case len(b.Samples) < stride*b.Height:
		return fmt.Errorf("%w: %d samples for %dx%d stride %d",
			ErrInvalidDimensions, len(b.Samples), b.Width, b.Height, stride)
	}
	return nil
}

// At returns the sample at column x, row y.
func (b SampleBuffer) At(x, y int) float32 {
	return b.Samples[y*b.RowStride()+x]
}

// Confidence returns the sample at (x, y) on the 0..1 scale.
func (b SampleBuffer) Confidence(x, y int) float32 {
	v := b.At(x, y)
	if b.Normalized {
		return v
	}
	return v / 255
}

// Byte returns the sample at (x, y) on the 0..255 scale, clamped.
func (b SampleBuffer) Byte(x, y int) uint8 {
	v := b.At(x, y)
	if b.Normalized {
		v *= 255
	}
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

// Binarize maps a normalized confidence to 255 or 0.
func Binarize(c float32) uint8 {
	if c > BinarizeThreshold {
		return 255
	}
	return 0
}

// EdgeMap is an unpadded binary image holding 0 or 255 per pixel.
type EdgeMap struct {
	Width  int
	Height int
	Pix    []uint8
}

func NewEdgeMap(width, height int) EdgeMap {
	return EdgeMap{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

func (e EdgeMap) At(x, y int) uint8 {
	return e.Pix[y*e.Width+x]
}

func (e EdgeMap) Set(x, y int, v uint8) {
	e.Pix[y*e.Width+x] = v
}

// Count returns the number of non-zero pixels.
func (e EdgeMap) Count() int {
	n := 0
	for _, v := range e.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

// Samples exposes the edge map as an integer-scale SampleBuffer.
func (e EdgeMap) Samples() SampleBuffer {
	return NewByteBuffer(e.Pix, e.Width, e.Height, e.Width)
}
