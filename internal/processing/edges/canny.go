package edges

import (
	"fmt"
	"image"
	"sync"

	"doc-rectifier/internal/models"
	"doc-rectifier/internal/opencv/conversion"
	"doc-rectifier/internal/opencv/safe"

	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

// Canny runs a Gaussian blur followed by OpenCV's Canny detector. It owns
// three scratch matrices until Close.
type Canny struct {
	low, high float32
	blurSize  int

	mu      sync.Mutex
	src     *safe.Mat
	blurred *safe.Mat
	edges   *safe.Mat
}

func NewCanny(low, high float32, blurSize int) *Canny {
	return &Canny{
		low:      low,
		high:     high,
		blurSize: blurSize,
		src:      safe.NewEmptyMat(nil, "canny_src"),
		blurred:  safe.NewEmptyMat(nil, "canny_blur"),
		edges:    safe.NewEmptyMat(nil, "canny_edges"),
	}
}

func (c *Canny) Name() string {
	return "canny"
}

func (c *Canny) ExtractEdges(buf models.SampleBuffer) (models.EdgeMap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := conversion.ToScaledMatrix(buf, c.src); err != nil {
		return models.EdgeMap{}, err
	}

	if err := Detect(c.src, c.blurred, c.edges, c.blurSize, c.low, c.high); err != nil {
		return models.EdgeMap{}, err
	}

	return conversion.MatrixToEdgeMap(c.edges)
}

func (c *Canny) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return multierr.Combine(c.src.Close(), c.blurred.Close(), c.edges.Close())
}

// Detect blurs gray into blurred and writes its Canny edges to dst.
func Detect(gray, blurred, dst *safe.Mat, blurSize int, low, high float32) error {
	if err := safe.ValidateSingleChannel(gray, "Canny"); err != nil {
		return err
	}

	rows, cols := gray.Rows(), gray.Cols()
	for _, m := range []*safe.Mat{blurred, dst} {
		if _, err := m.Ensure(rows, cols, gocv.MatTypeCV8UC1); err != nil {
			return fmt.Errorf("failed to shape canny scratch: %w", err)
		}
	}

	if blurSize > 1 {
		if err := gocv.GaussianBlur(gray.GetMat(), blurred.Ptr(), image.Pt(blurSize, blurSize), 0, 0, gocv.BorderDefault); err != nil {
			return fmt.Errorf("gaussian blur %dx%d failed: %w", blurSize, blurSize, err)
		}
	} else if err := gray.CopyTo(blurred); err != nil {
		return fmt.Errorf("failed to copy canny input: %w", err)
	}

	if err := gocv.Canny(blurred.GetMat(), dst.Ptr(), low, high); err != nil {
		return fmt.Errorf("canny %v/%v failed: %w", low, high, err)
	}
	if dst.Empty() {
		return fmt.Errorf("canny produced no output")
	}
	return nil
}
