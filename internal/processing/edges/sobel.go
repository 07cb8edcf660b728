package edges

import (
	"sync"

	"doc-rectifier/internal/models"
)

// sobelThreshold is compared against the squared gradient magnitude.
const sobelThreshold = 128 * 128

// Sobel marks interior pixels whose gradient magnitude exceeds 128. Border
// pixels are always 0.
type Sobel struct {
	mu      sync.Mutex
	scratch []float32
}

func NewSobel() *Sobel {
	return &Sobel{}
}

func (s *Sobel) Name() string {
	return "sobel"
}

// ScratchCap reports the capacity of the input scratch, which only grows.
func (s *Sobel) ScratchCap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cap(s.scratch)
}

func (s *Sobel) ExtractEdges(buf models.SampleBuffer) (models.EdgeMap, error) {
	if err := buf.Validate(); err != nil {
		return models.EdgeMap{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stride := buf.RowStride()
	n := stride * buf.Height
	if cap(s.scratch) < n {
		s.scratch = make([]float32, n)
	}
	in := s.scratch[:n]

	var scale float32 = 1
	if buf.Normalized {
		scale = 255
	}
	for i, v := range buf.Samples[:n] {
		in[i] = v * scale
	}

	w, h := buf.Width, buf.Height
	out := models.NewEdgeMap(w, h)

	for y := 1; y < h-1; y++ {
		up := (y - 1) * stride
		mid := y * stride
		down := (y + 1) * stride
		for x := 1; x < w-1; x++ {
			tl, t, tr := in[up+x-1], in[up+x], in[up+x+1]
			l, r := in[mid+x-1], in[mid+x+1]
			bl, b, br := in[down+x-1], in[down+x], in[down+x+1]

			gx := -tl + tr - 2*l + 2*r - bl + br
			gy := tl + 2*t + tr - bl - 2*b - br

			if gx*gx+gy*gy > sobelThreshold {
				out.Pix[y*w+x] = 255
			}
		}
	}

	return out, nil
}
