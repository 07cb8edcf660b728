package edges

import (
	"testing"

	"doc-rectifier/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squareMask(size, from, to int) models.SampleBuffer {
	conf := make([]float32, size*size)
	for y := from; y < to; y++ {
		for x := from; x < to; x++ {
			conf[y*size+x] = 1
		}
	}
	return models.NewConfidenceBuffer(conf, size, size)
}

func TestCannyFindsSquareOutline(t *testing.T) {
	c := NewCanny(75, 200, 5)
	defer c.Close()

	out, err := c.ExtractEdges(squareMask(64, 16, 48))
	require.NoError(t, err)
	assert.Equal(t, 64, out.Width)
	assert.Greater(t, out.Count(), 64)
	assert.Zero(t, out.At(32, 32), "interior stays empty")
	assert.Zero(t, out.At(2, 2), "background stays empty")
}

func TestCannyFlatInput(t *testing.T) {
	c := NewCanny(75, 200, 5)
	defer c.Close()

	out, err := c.ExtractEdges(squareMask(32, 0, 0))
	require.NoError(t, err)
	assert.Zero(t, out.Count())
}

func TestCannyRejectsBadBuffer(t *testing.T) {
	c := NewCanny(75, 200, 5)
	defer c.Close()

	_, err := c.ExtractEdges(models.SampleBuffer{Width: 3, Height: 3, Stride: 2})
	assert.Error(t, err)
}

func TestCannyReusesScratchAcrossSizes(t *testing.T) {
	c := NewCanny(75, 200, 5)
	defer c.Close()

	_, err := c.ExtractEdges(squareMask(64, 16, 48))
	require.NoError(t, err)
	capacity := c.edges.Capacity()
	require.Equal(t, 64*64, capacity)

	small, err := c.ExtractEdges(squareMask(32, 8, 24))
	require.NoError(t, err)
	assert.Equal(t, 32, small.Width)
	assert.Greater(t, small.Count(), 0)
	assert.Equal(t, capacity, c.edges.Capacity())
	assert.Equal(t, capacity, c.blurred.Capacity())
}
