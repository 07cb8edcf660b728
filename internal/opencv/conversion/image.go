package conversion

import (
	"fmt"
	"image"
	"runtime"

	"doc-rectifier/internal/opencv/safe"

	"gocv.io/x/gocv"
)

// RGBAToBGR drops the alpha channel of img into dst, an 8-bit three channel
// matrix the size of img.
func RGBAToBGR(img *image.RGBA, dst *safe.Mat) error {
	if img == nil {
		return fmt.Errorf("input image is nil")
	}

	r := img.Bounds()
	w, h := r.Dx(), r.Dy()
	if err := safe.ValidateDimensions(w, h, "RGBAToBGR"); err != nil {
		return err
	}

	pix := img.Pix[img.PixOffset(r.Min.X, r.Min.Y):]
	if img.Stride != 4*w {
		compact := make([]uint8, 4*w*h)
		for y := 0; y < h; y++ {
			copy(compact[y*4*w:(y+1)*4*w], pix[y*img.Stride:y*img.Stride+4*w])
		}
		pix = compact
	}

	src, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC4, pix[:4*w*h])
	if err != nil {
		return fmt.Errorf("failed to wrap frame: %w", err)
	}
	defer src.Close()

	if _, err := dst.Ensure(h, w, gocv.MatTypeCV8UC3); err != nil {
		return fmt.Errorf("failed to shape frame matrix: %w", err)
	}

	err = gocv.CvtColor(src, dst.Ptr(), gocv.ColorRGBAToBGR)
	runtime.KeepAlive(pix)
	if err != nil {
		return fmt.Errorf("RGBA to BGR conversion failed: %w", err)
	}
	return nil
}

// BGRToRGBA copies a three channel matrix into a new opaque image, using tmp
// as the four channel intermediate.
func BGRToRGBA(src, tmp *safe.Mat) (*image.RGBA, error) {
	if err := safe.ValidateColorConversion(src, gocv.ColorBGRToRGBA); err != nil {
		return nil, err
	}

	rows, cols := src.Rows(), src.Cols()
	if _, err := tmp.Ensure(rows, cols, gocv.MatTypeCV8UC4); err != nil {
		return nil, fmt.Errorf("failed to shape RGBA matrix: %w", err)
	}
	if err := gocv.CvtColor(src.GetMat(), tmp.Ptr(), gocv.ColorBGRToRGBA); err != nil {
		return nil, fmt.Errorf("BGR to RGBA conversion failed: %w", err)
	}

	pix, err := tmp.Bytes()
	if err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	copy(img.Pix, pix)
	return img, nil
}
