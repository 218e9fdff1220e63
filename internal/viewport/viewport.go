package viewport

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

const (
	MinZoom = 0.05
	MaxZoom = 20.0
)

var (
	// ErrInvalidZoom is returned for a zoom that is zero, negative or not finite.
	ErrInvalidZoom = errors.New("viewport: zoom must be a finite value > 0")
	// ErrNonFinite is returned when an origin or input coordinate is NaN or infinite.
	ErrNonFinite = errors.New("viewport: non-finite coordinate")
)

// Point is a 2D coordinate, either in screen or world space depending on context.
type Point struct {
	X, Y float64
}

// Pt is a convenience constructor.
func Pt(x, y float64) Point {
	return Point{X: x, Y: y}
}

func (p Point) finite() bool {
	return isFinite(p.X) && isFinite(p.Y)
}

// Transform is an immutable snapshot of the viewport: the world coordinate shown
// at the screen's (0,0) and the scale factor from world units to screen pixels.
//
// All conversions run on a single Transform value, so origin and zoom can never
// be read from two different states mid-calculation.
type Transform struct {
	OriginX float64 `json:"originX"`
	OriginY float64 `json:"originY"`
	Zoom    float64 `json:"zoom"`
}

// Identity returns the transform with origin (0,0) and zoom 1.
func Identity() Transform {
	return Transform{Zoom: 1}
}

// Validate reports whether the transform can be used for conversions.
func (t Transform) Validate() error {
	if !isFinite(t.Zoom) || t.Zoom <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidZoom, t.Zoom)
	}
	if !isFinite(t.OriginX) || !isFinite(t.OriginY) {
		return fmt.Errorf("%w: origin (%v, %v)", ErrNonFinite, t.OriginX, t.OriginY)
	}
	return nil
}

// WorldToScreen maps a world point to screen pixels.
func (t Transform) WorldToScreen(p Point) (Point, error) {
	if err := t.Validate(); err != nil {
		return Point{}, err
	}
	if !p.finite() {
		return Point{}, ErrNonFinite
	}
	return Point{
		X: (p.X - t.OriginX) * t.Zoom,
		Y: (p.Y - t.OriginY) * t.Zoom,
	}, nil
}

// ScreenToWorld maps screen pixels to a world point. It is the exact inverse of
// WorldToScreen for the same Transform.
func (t Transform) ScreenToWorld(s Point) (Point, error) {
	if err := t.Validate(); err != nil {
		return Point{}, err
	}
	if !s.finite() {
		return Point{}, ErrNonFinite
	}
	return Point{
		X: s.X/t.Zoom + t.OriginX,
		Y: s.Y/t.Zoom + t.OriginY,
	}, nil
}

// ScreenDistanceToWorld converts a length in screen pixels to world units.
// A fixed pixel tolerance therefore shrinks in world space as zoom grows.
func (t Transform) ScreenDistanceToWorld(px float64) (float64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	if !isFinite(px) {
		return 0, ErrNonFinite
	}
	return px / t.Zoom, nil
}

// ZoomAt returns the transform with the given zoom whose origin keeps the world
// point under anchor (screen space) fixed. The zoom is clamped to [MinZoom, MaxZoom].
func (t Transform) ZoomAt(anchor Point, zoom float64) (Transform, error) {
	if !isFinite(zoom) || zoom <= 0 {
		return t, fmt.Errorf("%w: got %v", ErrInvalidZoom, zoom)
	}
	world, err := t.ScreenToWorld(anchor)
	if err != nil {
		return t, err
	}
	zoom = clamp(zoom, MinZoom, MaxZoom)
	return Transform{
		OriginX: world.X - anchor.X/zoom,
		OriginY: world.Y - anchor.Y/zoom,
		Zoom:    zoom,
	}, nil
}

// Pan shifts the view by a screen-space delta (dragging the canvas right moves
// the origin left).
func (t Transform) Pan(dx, dy float64) (Transform, error) {
	if err := t.Validate(); err != nil {
		return t, err
	}
	if !isFinite(dx) || !isFinite(dy) {
		return t, ErrNonFinite
	}
	t.OriginX -= dx / t.Zoom
	t.OriginY -= dy / t.Zoom
	return t, nil
}

// Viewport holds the live transform for one board session. Reads take an
// atomic snapshot; writers replace the whole transform at once.
type Viewport struct {
	mu sync.RWMutex
	t  Transform
}

// New creates a Viewport. The initial transform must be valid.
func New(initial Transform) (*Viewport, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Viewport{t: initial}, nil
}

// Snapshot returns the current transform by value.
func (v *Viewport) Snapshot() Transform {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.t
}

// Set replaces the transform. Invalid transforms are rejected and the current
// one is kept.
func (v *Viewport) Set(t Transform) error {
	if err := t.Validate(); err != nil {
		return err
	}
	v.mu.Lock()
	v.t = t
	v.mu.Unlock()
	return nil
}

// ZoomAt zooms to an absolute level anchored at a screen point.
func (v *Viewport) ZoomAt(anchor Point, zoom float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := v.t.ZoomAt(anchor, zoom)
	if err != nil {
		return err
	}
	v.t = next
	return nil
}

// ZoomBy multiplies the zoom by factor, anchored at a screen point (wheel zoom).
func (v *Viewport) ZoomBy(anchor Point, factor float64) error {
	if !isFinite(factor) || factor <= 0 {
		return fmt.Errorf("%w: factor %v", ErrInvalidZoom, factor)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := v.t.ZoomAt(anchor, v.t.Zoom*factor)
	if err != nil {
		return err
	}
	v.t = next
	return nil
}

// Pan shifts the view by a screen-space delta.
func (v *Viewport) Pan(dx, dy float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := v.t.Pan(dx, dy)
	if err != nil {
		return err
	}
	v.t = next
	return nil
}

// WorldToScreen converts using one snapshot of the transform.
func (v *Viewport) WorldToScreen(p Point) (Point, error) {
	return v.Snapshot().WorldToScreen(p)
}

// ScreenToWorld converts using one snapshot of the transform.
func (v *Viewport) ScreenToWorld(s Point) (Point, error) {
	return v.Snapshot().ScreenToWorld(s)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
