package board

import (
	"math"

	"whiteboard/internal/domain"
	"whiteboard/internal/viewport"
)

// Contains reports whether world point p hits e. Area types use their
// normalised bounds (edges inclusive); line-like types use the distance from p
// to the segment, accepted when <= tolerance.
func Contains(e domain.Element, p viewport.Point, tolerance float64) bool {
	if e.Type.LineLike() {
		x2, y2 := e.Endpoint()
		return DistanceToSegment(p, viewport.Pt(e.X, e.Y), viewport.Pt(x2, y2)) <= tolerance
	}
	x, y, w, h := e.Bounds()
	return p.X >= x && p.X <= x+w && p.Y >= y && p.Y <= y+h
}

// DistanceToSegment is the euclidean distance from p to segment ab.
func DistanceToSegment(p, a, b viewport.Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	cx, cy := a.X+t*dx, a.Y+t*dy
	return math.Hypot(p.X-cx, p.Y-cy)
}
