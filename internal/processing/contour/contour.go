// Package contour finds closed outlines in a binary image, simplifies them
// to polygons and picks the quadrilateral most likely to be a document.
package contour

import (
	"fmt"

	"doc-rectifier/internal/geometry"
	"doc-rectifier/internal/opencv/safe"

	"gocv.io/x/gocv"
)

// ApproxEpsilon is the Douglas-Peucker tolerance as a fraction of the
// contour perimeter.
const ApproxEpsilon = 0.02

// Candidate is one simplified contour.
type Candidate struct {
	Vertices []geometry.Point
	Area     float64
}

func (c Candidate) IsQuad() bool {
	return len(c.Vertices) == 4
}

// Finder owns the hierarchy scratch OpenCV needs for contour retrieval.
type Finder struct {
	hierarchy *safe.Mat
}

func NewFinder(hierarchy *safe.Mat) *Finder {
	return &Finder{hierarchy: hierarchy}
}

// Candidates returns the polygon approximation of every contour in img, an
// 8-bit single channel matrix where non-zero pixels are foreground. All
// OpenCV vectors are released before it returns.
func (f *Finder) Candidates(img *safe.Mat) ([]Candidate, error) {
	if err := safe.ValidateSingleChannel(img, "FindContours"); err != nil {
		return nil, err
	}

	contours := gocv.FindContoursWithParams(img.GetMat(), f.hierarchy.Ptr(), gocv.RetrievalList, gocv.ChainApproxSimple)
	defer contours.Close()

	candidates := make([]Candidate, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		if c.Size() < 3 {
			continue
		}

		perimeter := gocv.ArcLength(c, true)
		approx := gocv.ApproxPolyDP(c, ApproxEpsilon*perimeter, true)
		candidates = append(candidates, Candidate{
			Vertices: geometry.FromImagePoints(approx.ToPoints()),
			Area:     gocv.ContourArea(approx),
		})
		approx.Close()
	}

	return candidates, nil
}

// FindQuad combines Candidates and SelectQuad. frame area is taken from img.
func (f *Finder) FindQuad(img *safe.Mat, minAreaFraction float64) (Candidate, bool, error) {
	candidates, err := f.Candidates(img)
	if err != nil {
		return Candidate{}, false, fmt.Errorf("contour search failed: %w", err)
	}

	frameArea := float64(img.Rows() * img.Cols())
	best, ok := SelectQuad(candidates, minAreaFraction*frameArea)
	return best, ok, nil
}

// SelectQuad returns the four-vertex candidate with the largest area that is
// at least minArea. The first of equal-area candidates wins.
func SelectQuad(candidates []Candidate, minArea float64) (Candidate, bool) {
	var (
		best  Candidate
		found bool
	)

	for _, c := range candidates {
		if !c.IsQuad() || c.Area <= 0 || c.Area < minArea {
			continue
		}
		if !found || c.Area > best.Area {
			best = c
			found = true
		}
	}

	return best, found
}
