package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"
)

type ElementType string

const (
	ElementRectangle ElementType = "rectangle"
	ElementCircle    ElementType = "circle"
	ElementLine      ElementType = "line"
	ElementArrow     ElementType = "arrow"
	ElementPath      ElementType = "path" // freehand
	ElementText      ElementType = "text"
	ElementSticky    ElementType = "sticky"
	ElementImage     ElementType = "image"

	ElementFlowProcess    ElementType = "flow-process"
	ElementFlowDecision   ElementType = "flow-decision"
	ElementFlowTerminator ElementType = "flow-terminator"
	ElementFlowData       ElementType = "flow-data"
	ElementUMLClass       ElementType = "uml-class"
	ElementUMLActor       ElementType = "uml-actor"
	ElementUMLNote        ElementType = "uml-note"
)

var knownTypes = map[ElementType]bool{
	ElementRectangle: true, ElementCircle: true, ElementLine: true, ElementArrow: true,
	ElementPath: true, ElementText: true, ElementSticky: true, ElementImage: true,
	ElementFlowProcess: true, ElementFlowDecision: true, ElementFlowTerminator: true, ElementFlowData: true,
	ElementUMLClass: true, ElementUMLActor: true, ElementUMLNote: true,
}

// ParseElementType validates a type name against the closed set.
func ParseElementType(s string) (ElementType, error) {
	t := ElementType(strings.ToLower(strings.TrimSpace(s)))
	if !knownTypes[t] {
		return "", fmt.Errorf("unknown element type %q", s)
	}
	return t, nil
}

// LineLike reports whether width/height encode a signed endpoint delta rather
// than a box size.
func (t ElementType) LineLike() bool {
	return t == ElementLine || t == ElementArrow
}

// Well-known keys inside Element.Data.
const (
	DataStyle    = "style"
	DataLocked   = "locked"
	DataText     = "text"
	DataPoints   = "points"
	DataRotation = "rotation"
)

// Element is one visual object on a board.
type Element struct {
	ID        string         `json:"id"`
	BoardID   string         `json:"boardId,omitempty"`
	Type      ElementType    `json:"type"`
	X         float64        `json:"x"`
	Y         float64        `json:"y"`
	Width     float64        `json:"width"`
	Height    float64        `json:"height"`
	Z         int            `json:"z"`
	CreatedAt int64          `json:"createdAt"` // logical, tie-break only
	Data      map[string]any `json:"data,omitempty"`
	// TempID is the id the creating participant used before confirmation.
	// The authority keeps it so a creator that missed elementAdded can
	// still match the record on resync.
	TempID string `json:"tempId,omitempty"`
}

// Clone returns a deep copy; the copy shares no maps or slices with e.
func (e Element) Clone() Element {
	var out Element
	_ = deepcopy.Copy(&out, &e)
	if out.Data == nil && e.Data != nil {
		out.Data = map[string]any{}
	}
	return out
}

// Normalize makes width/height non-negative for area types, moving the min
// corner into x/y. Line-like elements keep their signed delta.
func (e *Element) Normalize() {
	if e.Type.LineLike() {
		return
	}
	if e.Width < 0 {
		e.X += e.Width
		e.Width = -e.Width
	}
	if e.Height < 0 {
		e.Y += e.Height
		e.Height = -e.Height
	}
}

// Bounds returns the normalised axis-aligned box (x, y, w, h) for any type.
func (e Element) Bounds() (x, y, w, h float64) {
	x, y, w, h = e.X, e.Y, e.Width, e.Height
	if w < 0 {
		x += w
		w = -w
	}
	if h < 0 {
		y += h
		h = -h
	}
	return
}

// Endpoint returns the second point of a line-like element.
func (e Element) Endpoint() (float64, float64) {
	return e.X + e.Width, e.Y + e.Height
}

// SetEndpoints places a line-like element between (x1,y1) and (x2,y2).
func (e *Element) SetEndpoints(x1, y1, x2, y2 float64) {
	e.X, e.Y = x1, y1
	e.Width, e.Height = x2-x1, y2-y1
}

// Locked reports the lock flag stored in Data.
func (e Element) Locked() bool {
	v, _ := e.Data[DataLocked].(bool)
	return v
}

// SetLocked writes the lock flag into a fresh copy of Data.
func (e *Element) SetLocked(locked bool) {
	e.Data = MergeData(e.Data, map[string]any{DataLocked: locked})
}

// Style returns the style map, or nil.
func (e Element) Style() map[string]any {
	m, _ := e.Data[DataStyle].(map[string]any)
	return m
}

// ApplyStyle overwrites the given style keys.
func (e *Element) ApplyStyle(patch map[string]any) {
	style := MergeData(e.Style(), patch)
	e.Data = MergeData(e.Data, map[string]any{DataStyle: style})
}

// ApplyContent overwrites the given top-level data keys (text, points, ...).
func (e *Element) ApplyContent(patch map[string]any) {
	e.Data = MergeData(e.Data, patch)
}

// MergeData returns a new map holding base overwritten by patch. A nil value in
// patch deletes the key. Neither input is modified.
func MergeData(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// ── Identifiers ────────────────────────────────────────────

const TempIDPrefix = "tmp_"

// NewTempID returns a provisional id: prefix, wall-clock millis and a random suffix.
func NewTempID(now time.Time) string {
	return fmt.Sprintf("%s%d_%s", TempIDPrefix, now.UnixMilli(), uuid.NewString()[:8])
}

// IsTempID reports whether id was produced by NewTempID and is still awaiting
// a canonical id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewCanonicalID is used by the authority to assign permanent ids.
func NewCanonicalID() string {
	return uuid.NewString()
}
