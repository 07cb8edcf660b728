package models

import (
	"image"

	"doc-rectifier/internal/geometry"
)

// Status is the outcome of one detection cycle.
type Status int

const (
	StatusNotFound Status = iota
	StatusFound
	// StatusDropped means the detector was busy and the cycle did not run.
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusDropped:
		return "dropped"
	default:
		return "not_found"
	}
}

// Result is returned by every detector entry point. Corners is empty when no
// quadrilateral is known. For a dropped cycle it carries the last good
// contour.
type Result struct {
	Status    Status
	Corners   []geometry.Point
	EdgeMap   *EdgeMap
	Rectified *image.RGBA
	FrameSize image.Point
}

// Ordered returns the corners in canonical order when exactly four are held.
func (r Result) Ordered() (geometry.OrderedCorners, bool) {
	return geometry.OrderSlice(r.Corners)
}
