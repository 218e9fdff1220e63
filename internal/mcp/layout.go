package mcpserver

import (
	"math"

	"whiteboard/internal/domain"
)

const (
	GridSize = 30.0
	Padding  = 60.0 // 2 grid cells between elements
	MaxRowW  = 1800.0
)

// LayoutEngine places elements created by an agent so that they don't
// overlap what is already on the board.
type LayoutEngine struct {
	gridSize float64
	padding  float64
	maxRowW  float64
}

func NewLayoutEngine() *LayoutEngine {
	return &LayoutEngine{
		gridSize: GridSize,
		padding:  Padding,
		maxRowW:  MaxRowW,
	}
}

// snap rounds v to the nearest grid point.
func (le *LayoutEngine) snap(v float64) float64 {
	return math.Round(v/le.gridSize) * le.gridSize
}

// rect is a simple axis-aligned bounding box.
type rect struct {
	x, y, w, h float64
}

func (a rect) intersects(b rect) bool {
	return a.x < b.x+b.w && a.x+a.w > b.x &&
		a.y < b.y+b.h && a.y+a.h > b.y
}

func boundsOf(e domain.Element) rect {
	x, y, w, h := e.Bounds()
	return rect{x, y, w, h}
}

// NextPosition finds the next free grid position for an element of size
// (newW, newH), scanning rows top to bottom and columns left to right.
func (le *LayoutEngine) NextPosition(existing []domain.Element, newW, newH float64) (float64, float64) {
	if len(existing) == 0 {
		return 0, 0
	}

	occupied := make([]rect, len(existing))
	for i, e := range existing {
		occupied[i] = boundsOf(e)
	}

	candidate := rect{w: math.Abs(newW), h: math.Abs(newH)}
	for y := 0.0; y < 100000; y += le.gridSize {
		for x := 0.0; x < le.maxRowW; x += le.gridSize {
			candidate.x = le.snap(x)
			candidate.y = le.snap(y)

			overlaps := false
			for _, occ := range occupied {
				padded := rect{
					x: occ.x - le.padding,
					y: occ.y - le.padding,
					w: occ.w + le.padding*2,
					h: occ.h + le.padding*2,
				}
				if candidate.intersects(padded) {
					overlaps = true
					break
				}
			}
			if !overlaps {
				return candidate.x, candidate.y
			}
		}
	}

	// below everything
	maxY := 0.0
	for _, occ := range occupied {
		if occ.y+occ.h > maxY {
			maxY = occ.y + occ.h
		}
	}
	return 0, le.snap(maxY + le.padding)
}

// Arrange lays elements out in rows starting at (startX, startY), wrapping at
// MaxRowW. It returns the new positions in input order.
func (le *LayoutEngine) Arrange(elements []domain.Element, startX, startY float64) []rect {
	out := make([]rect, len(elements))
	x := le.snap(startX)
	y := le.snap(startY)
	rowHeight := 0.0

	for i, e := range elements {
		b := boundsOf(e)
		out[i] = rect{x, y, b.w, b.h}

		if b.h > rowHeight {
			rowHeight = b.h
		}

		x += le.snap(b.w + le.padding)

		if x+b.w > le.maxRowW {
			x = le.snap(startX)
			y += le.snap(rowHeight + le.padding)
			rowHeight = 0
		}
	}
	return out
}

// anchors returns the points where a connector from a to b should start and
// end: the facing edge midpoints along the dominant axis.
func anchors(a, b domain.Element) (x1, y1, x2, y2 float64) {
	ra, rb := boundsOf(a), boundsOf(b)
	acx, acy := ra.x+ra.w/2, ra.y+ra.h/2
	bcx, bcy := rb.x+rb.w/2, rb.y+rb.h/2
	dx, dy := bcx-acx, bcy-acy

	if math.Abs(dy) > math.Abs(dx) {
		if dy > 0 {
			return acx, ra.y + ra.h, bcx, rb.y
		}
		return acx, ra.y, bcx, rb.y + rb.h
	}
	if dx > 0 {
		return ra.x + ra.w, acy, rb.x, bcy
	}
	return ra.x, acy, rb.x + rb.w, bcy
}
