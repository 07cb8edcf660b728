// Package rectify maps an ordered quadrilateral onto an upright rectangle.
package rectify

import (
	"fmt"
	"image"
	"math"

	"doc-rectifier/internal/geometry"
	"doc-rectifier/internal/models"
	"doc-rectifier/internal/opencv/safe"

	"gocv.io/x/gocv"
)

// Transform is a row-major 3x3 homography and the size of the rectangle it
// maps onto.
type Transform struct {
	H    [9]float64
	Size image.Point
}

// DestinationSize returns the longer of each pair of opposite sides,
// truncated to whole pixels.
func DestinationSize(oc geometry.OrderedCorners) (width, height int) {
	bottom := geometry.Distance(oc.BottomRight, oc.BottomLeft)
	top := geometry.Distance(oc.TopRight, oc.TopLeft)
	right := geometry.Distance(oc.TopRight, oc.BottomRight)
	left := geometry.Distance(oc.TopLeft, oc.BottomLeft)

	return int(math.Max(bottom, top)), int(math.Max(right, left))
}

// ComputeTransform maps TL, TR, BR, BL to (0,0), (w-1,0), (w-1,h-1), (0,h-1).
func ComputeTransform(oc geometry.OrderedCorners) (Transform, error) {
	w, h := DestinationSize(oc)
	if w <= 0 || h <= 0 {
		return Transform{}, fmt.Errorf("%w: destination %dx%d", models.ErrDegenerateQuad, w, h)
	}

	src := gocv.NewPoint2fVectorFromPoints(toPoint2f(oc.Slice()))
	defer src.Close()
	dst := gocv.NewPoint2fVectorFromPoints([]gocv.Point2f{
		{X: 0, Y: 0},
		{X: float32(w - 1), Y: 0},
		{X: float32(w - 1), Y: float32(h - 1)},
		{X: 0, Y: float32(h - 1)},
	})
	defer dst.Close()

	m := gocv.GetPerspectiveTransform2f(src, dst)
	defer m.Close()
	if m.Empty() || m.Rows() != 3 || m.Cols() != 3 {
		return Transform{}, fmt.Errorf("%w: no perspective transform", models.ErrDegenerateQuad)
	}

	t := Transform{Size: image.Pt(w, h)}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			t.H[r*3+c] = m.GetDoubleAt(r, c)
		}
	}

	for _, v := range t.H {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Transform{}, fmt.Errorf("%w: singular transform", models.ErrDegenerateQuad)
		}
	}
	return t, nil
}

// Apply maps p through the homography.
func (t Transform) Apply(p geometry.Point) geometry.Point {
	h := t.H
	x := h[0]*p.X + h[1]*p.Y + h[2]
	y := h[3]*p.X + h[4]*p.Y + h[5]
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if w == 0 {
		return geometry.Pt(math.Inf(1), math.Inf(1))
	}
	return geometry.Pt(x/w, y/w)
}

// Warp writes the rectified view of src into dst, sized t.Size. h holds the
// homography as a 3x3 double matrix.
func Warp(src *safe.Mat, t Transform, h, dst *safe.Mat) error {
	if err := safe.ValidateMatForOperation(src, "WarpPerspective"); err != nil {
		return err
	}
	if err := safe.ValidateDimensions(t.Size.X, t.Size.Y, "WarpPerspective"); err != nil {
		return fmt.Errorf("%w: %v", models.ErrDegenerateQuad, err)
	}

	if _, err := h.Ensure(3, 3, gocv.MatTypeCV64FC1); err != nil {
		return fmt.Errorf("failed to shape homography: %w", err)
	}
	m := h.Ptr()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.SetDoubleAt(r, c, t.H[r*3+c])
		}
	}

	if err := gocv.WarpPerspective(src.GetMat(), dst.Ptr(), h.GetMat(), t.Size); err != nil {
		return fmt.Errorf("perspective warp failed: %w", err)
	}
	if dst.Empty() {
		return fmt.Errorf("perspective warp produced an empty matrix")
	}
	return nil
}

func toPoint2f(pts []geometry.Point) []gocv.Point2f {
	out := make([]gocv.Point2f, len(pts))
	for i, p := range pts {
		out[i] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
	}
	return out
}
