// Package geometry holds the plane helpers shared by the contour search and
// the perspective rectifier.
package geometry

import (
	"image"
	"math"
	"sort"

	"github.com/golang/geo/r2"
)

// Point is a position in matrix coordinates: X is the column, Y is the row.
type Point = r2.Point

func Pt(x, y float64) Point {
	return Point{X: x, Y: y}
}

// Hypotenuse returns sqrt(dx*dx + dy*dy).
func Hypotenuse(dx, dy float64) float64 {
	return math.Hypot(dx, dy)
}

func Distance(a, b Point) float64 {
	return a.Sub(b).Norm()
}

// OrderedCorners are the four vertices of a quadrilateral in clockwise order
// starting at the top-left, with the image y axis pointing down.
type OrderedCorners struct {
	TopLeft     Point
	TopRight    Point
	BottomRight Point
	BottomLeft  Point
}

// Slice returns the corners as TL, TR, BR, BL.
func (oc OrderedCorners) Slice() []Point {
	return []Point{oc.TopLeft, oc.TopRight, oc.BottomRight, oc.BottomLeft}
}

// OrderCorners assigns the four points to canonical corner positions.
//
// The two points with the smallest x form the left pair, the upper of which is
// top-left. Of the right pair, the one nearer the top-left is top-right. Ties
// fall back to the other axis, so the result depends only on the set of
// points, not on their input order.
func OrderCorners(pts [4]Point) OrderedCorners {
	sorted := pts
	sort.Slice(sorted[:], func(i, j int) bool {
		if sorted[i].X != sorted[j].X {
			return sorted[i].X < sorted[j].X
		}
		return sorted[i].Y < sorted[j].Y
	})

	left := [2]Point{sorted[0], sorted[1]}
	if left[1].Y < left[0].Y || (left[1].Y == left[0].Y && left[1].X < left[0].X) {
		left[0], left[1] = left[1], left[0]
	}
	tl, bl := left[0], left[1]

	right := [2]Point{sorted[2], sorted[3]}
	d0, d1 := Distance(tl, right[0]), Distance(tl, right[1])
	if d1 < d0 || (d1 == d0 && right[1].Y < right[0].Y) {
		right[0], right[1] = right[1], right[0]
	}

	return OrderedCorners{
		TopLeft:     tl,
		TopRight:    right[0],
		BottomRight: right[1],
		BottomLeft:  bl,
	}
}

// OrderSlice is OrderCorners for a slice; ok is false unless len(pts) == 4.
func OrderSlice(pts []Point) (OrderedCorners, bool) {
	if len(pts) != 4 {
		return OrderedCorners{}, false
	}
	return OrderCorners([4]Point{pts[0], pts[1], pts[2], pts[3]}), true
}

// PolygonArea is the absolute shoelace area of a closed polygon.
func PolygonArea(pts []Point) float64 {
	if len(pts) < 3 {
		return 0
	}
	var sum float64
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i].Cross(pts[j])
	}
	return math.Abs(sum) / 2
}

// Perimeter sums edge lengths, including the closing edge when closed is set.
func Perimeter(pts []Point, closed bool) float64 {
	if len(pts) < 2 {
		return 0
	}
	var total float64
	for i := 1; i < len(pts); i++ {
		total += Distance(pts[i-1], pts[i])
	}
	if closed {
		total += Distance(pts[len(pts)-1], pts[0])
	}
	return total
}

// Scale multiplies every coordinate by factor and returns a new slice.
func Scale(pts []Point, factor float64) []Point {
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = p.Mul(factor)
	}
	return out
}

func FromImagePoints(pts []image.Point) []Point {
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = Pt(float64(p.X), float64(p.Y))
	}
	return out
}

// ToImagePoints rounds to the nearest integer pixel.
func ToImagePoints(pts []Point) []image.Point {
	out := make([]image.Point, len(pts))
	for i, p := range pts {
		out[i] = image.Pt(int(math.Round(p.X)), int(math.Round(p.Y)))
	}
	return out
}
