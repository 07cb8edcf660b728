// Package conversion moves data between Go-side buffers and OpenCV matrices.
// Every matrix produced here stores the element at (x, y) at row y, column x.
package conversion

import (
	"fmt"
	"image"

	"doc-rectifier/internal/models"
	"doc-rectifier/internal/opencv/safe"

	"gocv.io/x/gocv"
)

// ToMatrix binarizes buf into dst, an 8-bit single channel matrix of
// buf.Height rows by buf.Width columns. dst is reshaped only when its current
// shape differs.
func ToMatrix(buf models.SampleBuffer, dst *safe.Mat) error {
	return fill(buf, dst, func(x, y int) uint8 {
		return models.Binarize(buf.Confidence(x, y))
	})
}

// ToScaledMatrix writes buf into dst on the 0..255 scale without
// thresholding, for extractors that need the gradient.
func ToScaledMatrix(buf models.SampleBuffer, dst *safe.Mat) error {
	return fill(buf, dst, buf.Byte)
}

func fill(buf models.SampleBuffer, dst *safe.Mat, value func(x, y int) uint8) error {
	if err := buf.Validate(); err != nil {
		return err
	}
	if _, err := dst.Ensure(buf.Height, buf.Width, gocv.MatTypeCV8UC1); err != nil {
		return fmt.Errorf("failed to shape mask matrix: %w", err)
	}

	data, err := dst.Bytes()
	if err != nil {
		return fmt.Errorf("failed to access mask matrix: %w", err)
	}

	w := buf.Width
	for y := 0; y < buf.Height; y++ {
		row := data[y*w : (y+1)*w]
		for x := range row {
			row[x] = value(x, y)
		}
	}
	return nil
}

// ToSampleBuffer reads an 8-bit single channel matrix back into an
// integer-scale buffer.
func ToSampleBuffer(m *safe.Mat) (models.SampleBuffer, error) {
	if err := safe.ValidateSingleChannel(m, "ToSampleBuffer"); err != nil {
		return models.SampleBuffer{}, err
	}

	data, err := m.Bytes()
	if err != nil {
		return models.SampleBuffer{}, err
	}

	return models.NewByteBuffer(data, m.Cols(), m.Rows(), m.Cols()), nil
}

func EdgeMapToMatrix(e models.EdgeMap, dst *safe.Mat) error {
	if e.Width <= 0 || e.Height <= 0 || len(e.Pix) < e.Width*e.Height {
		return fmt.Errorf("%w: edge map %dx%d with %d pixels",
			models.ErrInvalidDimensions, e.Width, e.Height, len(e.Pix))
	}
	if _, err := dst.Ensure(e.Height, e.Width, gocv.MatTypeCV8UC1); err != nil {
		return fmt.Errorf("failed to shape edge matrix: %w", err)
	}

	data, err := dst.Bytes()
	if err != nil {
		return err
	}
	copy(data, e.Pix[:e.Width*e.Height])
	return nil
}

// MatrixToEdgeMap copies m into a new EdgeMap.
func MatrixToEdgeMap(m *safe.Mat) (models.EdgeMap, error) {
	if err := safe.ValidateSingleChannel(m, "MatrixToEdgeMap"); err != nil {
		return models.EdgeMap{}, err
	}

	data, err := m.Bytes()
	if err != nil {
		return models.EdgeMap{}, err
	}

	e := models.NewEdgeMap(m.Cols(), m.Rows())
	copy(e.Pix, data)
	return e, nil
}

// GrayToSampleBuffer reads a grayscale image as an integer-scale mask.
func GrayToSampleBuffer(img *image.Gray) models.SampleBuffer {
	r := img.Bounds()
	w, h := r.Dx(), r.Dy()
	pix := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		off := img.PixOffset(r.Min.X, r.Min.Y+y)
		copy(pix[y*w:(y+1)*w], img.Pix[off:off+w])
	}
	return models.NewByteBuffer(pix, w, h, w)
}

func EdgeMapToImage(e models.EdgeMap) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, e.Width, e.Height))
	copy(img.Pix, e.Pix)
	return img
}
