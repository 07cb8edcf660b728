package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleBufferValidate(t *testing.T) {
	tests := []struct {
		name    string
		buf     SampleBuffer
		wantErr bool
	}{
		{"ok", SampleBuffer{Width: 2, Height: 2, Stride: 2, Samples: make([]float32, 4)}, false},
		{"zero stride means width", SampleBuffer{Width: 2, Height: 2, Samples: make([]float32, 4)}, false},
		{"padded", SampleBuffer{Width: 2, Height: 2, Stride: 3, Samples: make([]float32, 6)}, false},
		{"stride shorter than width", SampleBuffer{Width: 3, Height: 2, Stride: 2, Samples: make([]float32, 6)}, true},
		{"zero height", SampleBuffer{Width: 2, Height: 0, Stride: 2}, true},
		{"negative width", SampleBuffer{Width: -1, Height: 2, Stride: 2, Samples: make([]float32, 4)}, true},
		{"short samples", SampleBuffer{Width: 2, Height: 2, Stride: 2, Samples: make([]float32, 3)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.buf.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidDimensions))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSampleBufferAccessSkipsPadding(t *testing.T) {
	buf := SampleBuffer{
		Width:   2,
		Height:  2,
		Stride:  3,
		Samples: []float32{10, 20, 99, 30, 40, 99},
	}

	assert.Equal(t, float32(10), buf.At(0, 0))
	assert.Equal(t, float32(20), buf.At(1, 0))
	assert.Equal(t, float32(30), buf.At(0, 1))
	assert.Equal(t, float32(40), buf.At(1, 1))
	assert.InDelta(t, 40.0/255, buf.Confidence(1, 1), 1e-6)
	assert.Equal(t, uint8(40), buf.Byte(1, 1))
}

func TestNormalizedBufferScales(t *testing.T) {
	buf := NewConfidenceBuffer([]float32{0, 0.5, 1, 2}, 2, 2)

	assert.Equal(t, uint8(0), buf.Byte(0, 0))
	assert.Equal(t, uint8(128), buf.Byte(1, 0))
	assert.Equal(t, uint8(255), buf.Byte(0, 1))
	assert.Equal(t, uint8(255), buf.Byte(1, 1))
	assert.Equal(t, float32(0.5), buf.Confidence(1, 0))
}

func TestBinarize(t *testing.T) {
	assert.Equal(t, uint8(0), Binarize(0))
	assert.Equal(t, uint8(0), Binarize(0.3))
	assert.Equal(t, uint8(255), Binarize(0.31))
	assert.Equal(t, uint8(255), Binarize(1))
}

func TestEdgeMap(t *testing.T) {
	e := NewEdgeMap(3, 2)
	e.Set(2, 1, 255)

	assert.Equal(t, uint8(255), e.At(2, 1))
	assert.Equal(t, uint8(255), e.Pix[5])
	assert.Equal(t, 1, e.Count())

	s := e.Samples()
	assert.False(t, s.Normalized)
	assert.Equal(t, float32(255), s.At(2, 1))
}

func TestResultOrdered(t *testing.T) {
	var r Result
	_, ok := r.Ordered()
	assert.False(t, ok)
	assert.Equal(t, "not_found", r.Status.String())
	assert.Equal(t, "dropped", StatusDropped.String())
}
