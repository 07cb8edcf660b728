// Package filters holds the frame preprocessing steps run ahead of the
// contour search. Each step reads one scratch matrix and writes another, so
// a chain of them allocates nothing once the scratch has reached frame size.
package filters

import (
	"context"
	"fmt"
	"image"
	"math"

	"doc-rectifier/internal/config"
	"doc-rectifier/internal/opencv/safe"

	"gocv.io/x/gocv"
)

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// sameShape is the output shape of steps that keep their input's size and
// type.
func sameShape(in *safe.Mat) (int, int, gocv.MatType) {
	return in.Rows(), in.Cols(), in.Type()
}

// ResizeFilter scales the frame by cfg.ProcessingScale.
type ResizeFilter struct{}

func NewResizeFilter() *ResizeFilter {
	return &ResizeFilter{}
}

func (r *ResizeFilter) Name() string {
	return "resize"
}

func (r *ResizeFilter) ShouldExecute(cfg config.Config) bool {
	return cfg.ProcessingScale > 0 && cfg.ProcessingScale != 1
}

func (r *ResizeFilter) OutputShape(in *safe.Mat, cfg config.Config) (int, int, gocv.MatType) {
	size := scaledSize(in, cfg.ProcessingScale)
	return size.Y, size.X, in.Type()
}

func scaledSize(in *safe.Mat, scale float64) image.Point {
	w := int(math.Round(float64(in.Cols()) * scale))
	h := int(math.Round(float64(in.Rows()) * scale))
	return image.Pt(max(w, 1), max(h, 1))
}

func (r *ResizeFilter) Apply(ctx context.Context, in, out *safe.Mat, cfg config.Config) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := safe.ValidateMatForOperation(in, "Resize"); err != nil {
		return err
	}

	size := scaledSize(in, cfg.ProcessingScale)
	if err := gocv.Resize(in.GetMat(), out.Ptr(), size, 0, 0, gocv.InterpolationLinear); err != nil {
		return fmt.Errorf("resize to %dx%d failed: %w", size.X, size.Y, err)
	}
	if out.Empty() {
		return fmt.Errorf("resize to %dx%d produced an empty matrix", size.X, size.Y)
	}
	return nil
}

// GrayscaleConverter reduces a BGR frame to one channel.
type GrayscaleConverter struct{}

func NewGrayscaleConverter() *GrayscaleConverter {
	return &GrayscaleConverter{}
}

func (g *GrayscaleConverter) Name() string {
	return "grayscale"
}

func (g *GrayscaleConverter) ShouldExecute(config.Config) bool {
	return true
}

func (g *GrayscaleConverter) OutputShape(in *safe.Mat, _ config.Config) (int, int, gocv.MatType) {
	return in.Rows(), in.Cols(), gocv.MatTypeCV8UC1
}

func (g *GrayscaleConverter) Apply(ctx context.Context, in, out *safe.Mat, _ config.Config) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	if in.Channels() == 1 {
		return in.CopyTo(out)
	}

	if err := safe.ValidateColorConversion(in, gocv.ColorBGRToGray); err != nil {
		return err
	}
	if err := gocv.CvtColor(in.GetMat(), out.Ptr(), gocv.ColorBGRToGray); err != nil {
		return fmt.Errorf("grayscale conversion failed: %w", err)
	}
	return nil
}

// GaussianFilter blurs with a square kernel of cfg.BlurSize and sigma
// derived from the kernel size.
type GaussianFilter struct{}

func NewGaussianFilter() *GaussianFilter {
	return &GaussianFilter{}
}

func (g *GaussianFilter) Name() string {
	return "gaussian_blur"
}

func (g *GaussianFilter) ShouldExecute(cfg config.Config) bool {
	return cfg.BlurSize > 1
}

func (g *GaussianFilter) OutputShape(in *safe.Mat, _ config.Config) (int, int, gocv.MatType) {
	return sameShape(in)
}

func (g *GaussianFilter) Apply(ctx context.Context, in, out *safe.Mat, cfg config.Config) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := safe.ValidateMatForOperation(in, "GaussianBlur"); err != nil {
		return err
	}

	k := cfg.BlurSize
	if err := gocv.GaussianBlur(in.GetMat(), out.Ptr(), image.Pt(k, k), 0, 0, gocv.BorderDefault); err != nil {
		return fmt.Errorf("gaussian blur %dx%d failed: %w", k, k, err)
	}
	return nil
}

// CannyFilter writes the binary Canny edges of a single channel image.
type CannyFilter struct{}

func NewCannyFilter() *CannyFilter {
	return &CannyFilter{}
}

func (c *CannyFilter) Name() string {
	return "canny"
}

func (c *CannyFilter) ShouldExecute(config.Config) bool {
	return true
}

func (c *CannyFilter) OutputShape(in *safe.Mat, _ config.Config) (int, int, gocv.MatType) {
	return in.Rows(), in.Cols(), gocv.MatTypeCV8UC1
}

func (c *CannyFilter) Apply(ctx context.Context, in, out *safe.Mat, cfg config.Config) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := safe.ValidateSingleChannel(in, "Canny"); err != nil {
		return err
	}

	if err := gocv.Canny(in.GetMat(), out.Ptr(), cfg.CannyLow, cfg.CannyHigh); err != nil {
		return fmt.Errorf("canny %v/%v failed: %w", cfg.CannyLow, cfg.CannyHigh, err)
	}
	return nil
}
