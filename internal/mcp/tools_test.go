package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"whiteboard/internal/domain"
	"whiteboard/internal/protocol"
	"whiteboard/internal/session"
)

type recorder struct {
	mu   sync.Mutex
	sent []protocol.Envelope
}

func (r *recorder) Send(env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *recorder) last(t protocol.Type) (protocol.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].Type == t {
			return r.sent[i], true
		}
	}
	return protocol.Envelope{}, false
}

func newTestServer(t *testing.T) (*Server, *session.Session, *recorder) {
	t.Helper()
	ch := &recorder{}
	sess, err := session.New(session.Config{BoardID: "b1", ParticipantID: "agent"}, ch, nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(sess, nil), sess, ch
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, error) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	if err != nil {
		return "", err
	}
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content %T", res.Content[0])
	}
	return text.Text, nil
}

func mustCall(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) string {
	t.Helper()
	out, err := call(t, h, args)
	if err != nil {
		t.Fatalf("tool failed: %v", err)
	}
	return out
}

func addRect(t *testing.T, s *Server, args map[string]any) elementSummary {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	args["type"] = "rectangle"
	if _, ok := args["width"]; !ok {
		args["width"] = float64(200)
		args["height"] = float64(100)
	}
	var out elementSummary
	if err := json.Unmarshal([]byte(mustCall(t, s.handleAddElement, args)), &out); err != nil {
		t.Fatal(err)
	}
	return out
}

// confirm plays the authority's answer to a createElement.
func confirm(t *testing.T, sess *session.Session, tempID, id string) {
	t.Helper()
	e, ok := sess.Element(tempID)
	if !ok {
		t.Fatalf("element %s missing", tempID)
	}
	e.ID = id
	env, err := protocol.New(protocol.TypeElementAdded, "b1", protocol.ElementAdded{Element: e, TempID: tempID})
	if err != nil {
		t.Fatal(err)
	}
	sess.Handle(env)
}

func TestAddElementAndList(t *testing.T) {
	s, _, ch := newTestServer(t)

	el := addRect(t, s, map[string]any{
		"x": float64(10), "y": float64(20),
		"text": "hello", "fillColor": "#3b82f6",
	})
	if !el.Pending || !domain.IsTempID(el.ID) {
		t.Errorf("expected a pending temp id, got %+v", el)
	}
	if el.X != 10 || el.Y != 20 || el.Text != "hello" || el.Style["fill"] != "#3b82f6" {
		t.Errorf("unexpected element %+v", el)
	}
	if _, ok := ch.last(protocol.TypeCreateElement); !ok {
		t.Error("createElement was not sent")
	}

	var board boardSummary
	if err := json.Unmarshal([]byte(mustCall(t, s.handleListElements, nil)), &board); err != nil {
		t.Fatal(err)
	}
	if board.BoardID != "b1" || len(board.Elements) != 1 {
		t.Errorf("unexpected board %+v", board)
	}
}

func TestAddElementPlacesInFreeSpace(t *testing.T) {
	s, _, _ := newTestServer(t)
	a := addRect(t, s, nil)
	b := addRect(t, s, nil)

	ra := rect{a.X, a.Y, a.Width, a.Height}
	rb := rect{b.X, b.Y, b.Width, b.Height}
	if ra.intersects(rb) {
		t.Errorf("auto placed elements overlap: %+v %+v", ra, rb)
	}
}

func TestAddElementRejectsUnknownType(t *testing.T) {
	s, sess, _ := newTestServer(t)
	_, err := call(t, s.handleAddElement, map[string]any{"type": "hexagon", "width": float64(1), "height": float64(1)})
	if err == nil {
		t.Fatal("expected an error for an unknown type")
	}
	if n := len(sess.Elements()); n != 0 {
		t.Errorf("expected empty board, got %d elements", n)
	}
}

func TestTempIDResolvesAfterConfirm(t *testing.T) {
	s, sess, ch := newTestServer(t)
	el := addRect(t, s, map[string]any{"x": float64(0), "y": float64(0)})
	confirm(t, sess, el.ID, "c1")

	mustCall(t, s.handleMoveElement, map[string]any{"elementId": el.ID, "x": float64(300), "y": float64(40)})

	got, ok := sess.Element("c1")
	if !ok || got.X != 300 || got.Y != 40 {
		t.Fatalf("expected c1 at (300, 40), got %+v", got)
	}
	env, ok := ch.last(protocol.TypeMoveElement)
	if !ok {
		t.Fatal("moveElement was not sent")
	}
	mv, err := protocol.Decode[protocol.Move](env)
	if err != nil {
		t.Fatal(err)
	}
	if mv.ID != "c1" {
		t.Errorf("moveElement carried %q, want canonical id", mv.ID)
	}
}

func TestLockBlocksEdits(t *testing.T) {
	s, sess, _ := newTestServer(t)
	el := addRect(t, s, map[string]any{"x": float64(0), "y": float64(0)})
	confirm(t, sess, el.ID, "c1")

	mustCall(t, s.handleLockElement, map[string]any{"elementId": "c1", "locked": true})
	if _, err := call(t, s.handleMoveElement, map[string]any{"elementId": "c1", "x": float64(5), "y": float64(5)}); err == nil {
		t.Error("expected move of a locked element to fail")
	}
	if _, err := call(t, s.handleUpdateElementText, map[string]any{"elementId": "c1", "text": "x"}); err == nil {
		t.Error("expected text edit of a locked element to fail")
	}
	mustCall(t, s.handleLockElement, map[string]any{"elementId": "c1", "locked": false})
	mustCall(t, s.handleMoveElement, map[string]any{"elementId": "c1", "x": float64(5), "y": float64(5)})
}

func TestFailedEditLeavesNoUndoEntry(t *testing.T) {
	s, sess, _ := newTestServer(t)
	el := addRect(t, s, map[string]any{"x": float64(0), "y": float64(0)})
	mustCall(t, s.handleLockElement, map[string]any{"elementId": el.ID, "locked": true})

	if _, err := call(t, s.handleMoveElement, map[string]any{"elementId": el.ID, "x": float64(5), "y": float64(5)}); !errors.Is(err, session.ErrLocked) {
		t.Errorf("move: expected ErrLocked, got %v", err)
	}
	if _, err := call(t, s.handleResizeElement, map[string]any{"elementId": el.ID, "width": float64(5), "height": float64(5)}); !errors.Is(err, session.ErrLocked) {
		t.Errorf("resize: expected ErrLocked, got %v", err)
	}
	raw := mustCall(t, s.handleArrangeElements, map[string]any{"elementIds": el.ID})
	if !strings.Contains(raw, `"moved": 0`) {
		t.Errorf("unexpected arrange result %s", raw)
	}

	if label, ok := sess.Undo(); !ok || label != "lock" {
		t.Errorf("undo = %q %v, want the lock entry", label, ok)
	}
}

func TestUpdateStyle(t *testing.T) {
	s, _, _ := newTestServer(t)
	el := addRect(t, s, map[string]any{"x": float64(0), "y": float64(0), "fillColor": "#fff"})

	if _, err := call(t, s.handleUpdateElementStyle, map[string]any{"elementId": el.ID, "styleJSON": "{not json"}); err == nil {
		t.Error("expected invalid JSON to fail")
	}

	var out elementSummary
	raw := mustCall(t, s.handleUpdateElementStyle, map[string]any{
		"elementId": el.ID,
		"styleJSON": `{"fill": null, "strokeWidth": 3}`,
	})
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatal(err)
	}
	if _, ok := out.Style["fill"]; ok {
		t.Error("null should remove the fill key")
	}
	if out.Style["strokeWidth"] != float64(3) {
		t.Errorf("strokeWidth = %v, want 3", out.Style["strokeWidth"])
	}
}

func TestConnectElements(t *testing.T) {
	s, sess, _ := newTestServer(t)
	a := addRect(t, s, map[string]any{"x": float64(0), "y": float64(0), "width": float64(100), "height": float64(100)})
	b := addRect(t, s, map[string]any{"x": float64(300), "y": float64(0), "width": float64(100), "height": float64(100)})

	var arrow elementSummary
	raw := mustCall(t, s.handleConnectElements, map[string]any{"fromId": a.ID, "toId": b.ID, "label": "calls"})
	if err := json.Unmarshal([]byte(raw), &arrow); err != nil {
		t.Fatal(err)
	}
	if arrow.Type != string(domain.ElementArrow) || arrow.Text != "calls" {
		t.Errorf("unexpected arrow %+v", arrow)
	}
	e, _ := sess.Element(arrow.ID)
	x2, y2 := e.Endpoint()
	if e.X != 100 || e.Y != 50 || x2 != 300 || y2 != 50 {
		t.Errorf("arrow (%v,%v)->(%v,%v), want (100,50)->(300,50)", e.X, e.Y, x2, y2)
	}
}

func TestReorderAndArrange(t *testing.T) {
	s, sess, _ := newTestServer(t)
	a := addRect(t, s, map[string]any{"x": float64(0), "y": float64(0)})
	b := addRect(t, s, map[string]any{"x": float64(0), "y": float64(0)})

	mustCall(t, s.handleBringToFront, map[string]any{"elementId": a.ID})
	els := sess.Elements()
	if els[len(els)-1].ID != a.ID {
		t.Errorf("expected %s on top", a.ID)
	}
	mustCall(t, s.handleSendToBack, map[string]any{"elementId": a.ID})
	if sess.Elements()[0].ID != a.ID {
		t.Errorf("expected %s at the bottom", a.ID)
	}

	raw := mustCall(t, s.handleArrangeElements, map[string]any{"elementIds": a.ID + ", " + b.ID})
	if !strings.Contains(raw, `"moved": 2`) {
		t.Errorf("unexpected arrange result %s", raw)
	}
	ea, _ := sess.Element(a.ID)
	eb, _ := sess.Element(b.ID)
	if (rect{ea.X, ea.Y, ea.Width, ea.Height}).intersects(rect{eb.X, eb.Y, eb.Width, eb.Height}) {
		t.Error("arranged elements overlap")
	}
}

func TestGroupTools(t *testing.T) {
	s, sess, _ := newTestServer(t)
	a := addRect(t, s, nil)
	b := addRect(t, s, nil)

	if _, err := call(t, s.handleGroupElements, map[string]any{"elementIds": a.ID + "," + b.ID}); err == nil {
		t.Error("expected grouping of pending elements to fail")
	}

	confirm(t, sess, a.ID, "c1")
	confirm(t, sess, b.ID, "c2")

	var g groupSummary
	raw := mustCall(t, s.handleGroupElements, map[string]any{"elementIds": a.ID + "," + b.ID})
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		t.Fatal(err)
	}
	if len(g.ElementIDs) != 2 || g.ElementIDs[0] != "c1" || g.ElementIDs[1] != "c2" {
		t.Errorf("unexpected group %+v", g)
	}
	if len(sess.Groups()) != 1 {
		t.Fatalf("expected 1 group, got %d", len(sess.Groups()))
	}
}

func TestDeleteClearUndoRedo(t *testing.T) {
	s, sess, _ := newTestServer(t)
	a := addRect(t, s, nil)
	addRect(t, s, nil)

	mustCall(t, s.handleDeleteElement, map[string]any{"elementId": a.ID})
	if _, ok := sess.Element(a.ID); ok {
		t.Fatal("element still present after delete")
	}

	out := mustCall(t, s.handleClearBoard, nil)
	if out != "Cleared 1 element(s)" {
		t.Errorf("unexpected clear result %q", out)
	}
	if out := mustCall(t, s.handleUndo, nil); !strings.HasPrefix(out, "Undid") {
		t.Errorf("unexpected undo result %q", out)
	}
	if n := len(sess.Elements()); n != 1 {
		t.Errorf("expected 1 element after undoing clear, got %d", n)
	}
	if out := mustCall(t, s.handleRedo, nil); !strings.HasPrefix(out, "Redid") {
		t.Errorf("unexpected redo result %q", out)
	}
	if n := len(sess.Elements()); n != 0 {
		t.Errorf("expected empty board after redo, got %d", n)
	}
	if out := mustCall(t, s.handleRedo, nil); out != "Nothing to redo" {
		t.Errorf("unexpected redo result %q", out)
	}
}

func TestMissingArguments(t *testing.T) {
	s, _, _ := newTestServer(t)
	if _, err := call(t, s.handleMoveElement, map[string]any{"elementId": "nope", "x": float64(1), "y": float64(1)}); err == nil {
		t.Error("expected unknown element to fail")
	}
	if _, err := call(t, s.handleLockElement, map[string]any{"elementId": "nope"}); err == nil {
		t.Error("expected missing locked flag to fail")
	}
	if _, err := call(t, s.handleAddElement, map[string]any{"type": "rectangle"}); err == nil {
		t.Error("expected missing size to fail")
	}
}
