package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"whiteboard/internal/domain"
)

type Type string

// Client → authority requests.
const (
	TypeJoin                Type = "join"
	TypeCreateElement       Type = "createElement"
	TypeMoveElement         Type = "moveElement"
	TypeResizeElement       Type = "resizeElement"
	TypeUpdateStyle         Type = "updateStyle"
	TypeUpdateContent       Type = "updateContent"
	TypeDeleteElement       Type = "deleteElement"
	TypeLockElement         Type = "lockElement"
	TypeBringToFront        Type = "bringToFront"
	TypeSendToBack          Type = "sendToBack"
	TypeUpdateLineEndpoints Type = "updateLineEndpoints"
	TypeCursorUpdate        Type = "cursorUpdate"
	TypeClearBoard          Type = "clearBoard"
	TypeCreateGroup         Type = "createGroup"
	TypeUngroupElements     Type = "ungroupElements"
	TypeMoveGroup           Type = "moveGroup"
	TypeDeleteGroup         Type = "deleteGroup"
)

// Authority → client events.
const (
	TypeJoined                Type = "joined"
	TypeElementAdded          Type = "elementAdded"
	TypeElementMoved          Type = "elementMoved"
	TypeElementResized        Type = "elementResized"
	TypeElementStyleUpdated   Type = "elementStyleUpdated"
	TypeElementContentUpdated Type = "elementContentUpdated"
	TypeElementDeleted        Type = "elementDeleted"
	TypeElementLockUpdated    Type = "elementLockUpdated"
	TypeElementZIndexUpdated  Type = "elementZIndexUpdated"
	TypeElementsOrderUpdated  Type = "elementsOrderUpdated"
	TypeLineEndpointsUpdated  Type = "lineEndpointsUpdated"
	TypeCursorUpdated         Type = "cursorUpdated"
	TypeBoardCleared          Type = "boardCleared"
	TypeGroupCreated          Type = "groupCreated"
	TypeGroupUngrouped        Type = "groupUngrouped"
	TypeGroupMoved            Type = "groupMoved"
	TypeGroupDeleted          Type = "groupDeleted"
	TypeUserLeft              Type = "userLeft"
	TypeError                 Type = "error"
)

var ErrEmptyType = errors.New("message type is empty")

// Envelope is the frame exchanged over the session channel.
type Envelope struct {
	Type    Type            `json:"type"`
	BoardID string          `json:"boardId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New marshals payload into an envelope.
func New(t Type, boardID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, BoardID: boardID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the envelope payload into T.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("decode %s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return v, nil
}

// Marshal encodes the frame for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Type, err)
	}
	return data, nil
}

// Parse reads one frame.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrEmptyType
	}
	return env, nil
}

// ── Payloads ───────────────────────────────────────────────

type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Join struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
}

type Joined struct {
	ParticipantID string        `json:"participantId"`
	Participants  []Participant `json:"participants"`
}

// CreateElement carries the optimistic record under its temp id.
type CreateElement struct {
	TempID  string         `json:"tempId"`
	Element domain.Element `json:"element"`
}

// ElementAdded confirms a creation. TempID is echoed only to the creator's
// request; other participants see it too and ignore ids they do not know.
type ElementAdded struct {
	Element domain.Element `json:"element"`
	TempID  string         `json:"tempId,omitempty"`
}

// Move is used for moveElement and elementMoved.
type Move struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Resize is used for resizeElement and elementResized.
type Resize struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Style is used for updateStyle and elementStyleUpdated.
type Style struct {
	ID    string         `json:"id"`
	Style map[string]any `json:"style"`
}

// Content is used for updateContent and elementContentUpdated.
type Content struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// Ref names a single element or group.
type Ref struct {
	ID string `json:"id"`
}

type Lock struct {
	ID     string `json:"id"`
	Locked bool   `json:"locked"`
}

type ZIndex struct {
	ID string `json:"id"`
	Z  int    `json:"z"`
}

// Order is a full canonical ordering, bottom first.
type Order struct {
	Order []string `json:"order"`
}

type LineEndpoints struct {
	ID string  `json:"id"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type Cursor struct {
	ParticipantID string  `json:"participantId"`
	Name          string  `json:"name,omitempty"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
}

type CreateGroup struct {
	TempID     string   `json:"tempId"`
	ElementIDs []string `json:"elementIds"`
}

type GroupCreated struct {
	Group  domain.Group `json:"group"`
	TempID string       `json:"tempId,omitempty"`
}

type MoveGroup struct {
	ID string  `json:"id"`
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// GroupMoved carries absolute member positions so applying it twice is harmless.
type GroupMoved struct {
	ID        string `json:"id"`
	Positions []Move `json:"positions"`
}

type GroupDeleted struct {
	ID         string   `json:"id"`
	ElementIDs []string `json:"elementIds"`
}

type UserLeft struct {
	ParticipantID string `json:"participantId"`
}

type Error struct {
	Request Type   `json:"request,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Message string `json:"message"`
}
