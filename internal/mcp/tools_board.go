package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"whiteboard/internal/domain"
	"whiteboard/internal/session"
)

type elementSummary struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	X       float64        `json:"x"`
	Y       float64        `json:"y"`
	Width   float64        `json:"width"`
	Height  float64        `json:"height"`
	Z       int            `json:"z"`
	Locked  bool           `json:"locked,omitempty"`
	Pending bool           `json:"pending,omitempty"`
	Text    string         `json:"text,omitempty"`
	Style   map[string]any `json:"style,omitempty"`
}

type groupSummary struct {
	ID         string   `json:"id"`
	ElementIDs []string `json:"elementIds"`
}

func summarizeElement(e domain.Element) elementSummary {
	text, _ := e.Data[domain.DataText].(string)
	return elementSummary{
		ID:      e.ID,
		Type:    string(e.Type),
		X:       e.X,
		Y:       e.Y,
		Width:   e.Width,
		Height:  e.Height,
		Z:       e.Z,
		Locked:  e.Locked(),
		Pending: domain.IsTempID(e.ID),
		Text:    text,
		Style:   e.Style(),
	}
}

func (s *Server) registerElementTools() {
	s.mcp.AddTool(mcp.NewTool("list_elements",
		mcp.WithDescription("List all elements on the board, bottom to top, with ids, types, geometry and group membership"),
	), s.handleListElements)

	s.mcp.AddTool(mcp.NewTool("add_element",
		mcp.WithDescription("Add an element. Types: rectangle, circle, line, arrow, path, text, sticky, image, flow-process, flow-decision, flow-terminator, flow-data, uml-class, uml-actor, uml-note. When x/y are omitted the element is placed in free space."),
		mcp.WithString("type", mcp.Description("Element type"), mcp.Required()),
		mcp.WithNumber("x", mcp.Description("X position (optional)")),
		mcp.WithNumber("y", mcp.Description("Y position (optional)")),
		mcp.WithNumber("width", mcp.Description("Width (signed for lines: end minus start)"), mcp.Required()),
		mcp.WithNumber("height", mcp.Description("Height (signed for lines)"), mcp.Required()),
		mcp.WithString("text", mcp.Description("Text content (optional)")),
		mcp.WithString("fillColor", mcp.Description("Fill color hex (optional, e.g. #3b82f6)")),
		mcp.WithString("strokeColor", mcp.Description("Stroke color hex (optional)")),
	), s.handleAddElement)

	s.mcp.AddTool(mcp.NewTool("connect_elements",
		mcp.WithDescription("Add an arrow between the facing edges of two elements"),
		mcp.WithString("fromId", mcp.Description("Source element ID"), mcp.Required()),
		mcp.WithString("toId", mcp.Description("Target element ID"), mcp.Required()),
		mcp.WithString("label", mcp.Description("Arrow label text (optional)")),
	), s.handleConnectElements)

	s.mcp.AddTool(mcp.NewTool("move_element",
		mcp.WithDescription("Move an element to new coordinates"),
		mcp.WithString("elementId", mcp.Description("Element ID"), mcp.Required()),
		mcp.WithNumber("x", mcp.Description("New X position"), mcp.Required()),
		mcp.WithNumber("y", mcp.Description("New Y position"), mcp.Required()),
	), s.handleMoveElement)

	s.mcp.AddTool(mcp.NewTool("resize_element",
		mcp.WithDescription("Resize an element; x/y default to the current origin"),
		mcp.WithString("elementId", mcp.Description("Element ID"), mcp.Required()),
		mcp.WithNumber("x", mcp.Description("New X position (optional)")),
		mcp.WithNumber("y", mcp.Description("New Y position (optional)")),
		mcp.WithNumber("width", mcp.Description("New width"), mcp.Required()),
		mcp.WithNumber("height", mcp.Description("New height"), mcp.Required()),
	), s.handleResizeElement)

	s.mcp.AddTool(mcp.NewTool("update_element_style",
		mcp.WithDescription("Overwrite style keys of an element; a null value removes the key"),
		mcp.WithString("elementId", mcp.Description("Element ID"), mcp.Required()),
		mcp.WithString("styleJSON", mcp.Description("JSON object of style keys, e.g. {\"fill\":\"#fde68a\",\"strokeWidth\":2}"), mcp.Required()),
	), s.handleUpdateElementStyle)

	s.mcp.AddTool(mcp.NewTool("update_element_text",
		mcp.WithDescription("Set the text of an element"),
		mcp.WithString("elementId", mcp.Description("Element ID"), mcp.Required()),
		mcp.WithString("text", mcp.Description("New text"), mcp.Required()),
	), s.handleUpdateElementText)

	s.mcp.AddTool(mcp.NewTool("lock_element",
		mcp.WithDescription("Lock or unlock an element; locked elements reject geometry, style and content edits"),
		mcp.WithString("elementId", mcp.Description("Element ID"), mcp.Required()),
		mcp.WithBoolean("locked", mcp.Description("true to lock, false to unlock"), mcp.Required()),
	), s.handleLockElement)

	s.mcp.AddTool(mcp.NewTool("delete_element",
		mcp.WithDescription("🛑 DESTRUCTIVE: Remove an element by ID (undoable)"),
		mcp.WithString("elementId", mcp.Description("Element ID to delete"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleDeleteElement)

	s.mcp.AddTool(mcp.NewTool("bring_to_front",
		mcp.WithDescription("Raise an element above all others"),
		mcp.WithString("elementId", mcp.Description("Element ID"), mcp.Required()),
	), s.handleBringToFront)

	s.mcp.AddTool(mcp.NewTool("send_to_back",
		mcp.WithDescription("Lower an element below all others"),
		mcp.WithString("elementId", mcp.Description("Element ID"), mcp.Required()),
	), s.handleSendToBack)

	s.mcp.AddTool(mcp.NewTool("arrange_elements",
		mcp.WithDescription("Lay the given elements out in non-overlapping rows starting at (x, y)"),
		mcp.WithString("elementIds", mcp.Description("Comma-separated element IDs"), mcp.Required()),
		mcp.WithNumber("x", mcp.Description("Start X (optional, default 0)")),
		mcp.WithNumber("y", mcp.Description("Start Y (optional, default 0)")),
	), s.handleArrangeElements)
}

func (s *Server) registerGroupTools() {
	s.mcp.AddTool(mcp.NewTool("group_elements",
		mcp.WithDescription("Group two or more confirmed, ungrouped elements"),
		mcp.WithString("elementIds", mcp.Description("Comma-separated element IDs"), mcp.Required()),
	), s.handleGroupElements)

	s.mcp.AddTool(mcp.NewTool("ungroup_elements",
		mcp.WithDescription("Dissolve a group, keeping its elements"),
		mcp.WithString("groupId", mcp.Description("Group ID"), mcp.Required()),
	), s.handleUngroupElements)
}

func (s *Server) registerBoardTools() {
	s.mcp.AddTool(mcp.NewTool("clear_board",
		mcp.WithDescription("🛑 DESTRUCTIVE: Remove every element and group from the board (undoable)"),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleClearBoard)

	s.mcp.AddTool(mcp.NewTool("undo",
		mcp.WithDescription("Undo this participant's last change"),
	), s.handleUndo)

	s.mcp.AddTool(mcp.NewTool("redo",
		mcp.WithDescription("Redo the last undone change"),
	), s.handleRedo)
}

// ── Handlers ────────────────────────────────────────────────

func (s *Server) handleListElements(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.summarizeBoard())
}

func (s *Server) handleAddElement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	typ, err := stringArg(args, "type")
	if err != nil {
		return nil, err
	}
	size, err := requireNumbers(args, "width", "height")
	if err != nil {
		return nil, err
	}

	x, hasX := numberArg(args, "x")
	y, hasY := numberArg(args, "y")
	if !hasX || !hasY {
		x, y = s.layout.NextPosition(s.sess.Elements(), size[0], size[1])
	}

	draft := domain.Element{
		Type:   domain.ElementType(typ),
		X:      x,
		Y:      y,
		Width:  size[0],
		Height: size[1],
		Data:   map[string]any{},
	}
	style := map[string]any{}
	if fill, ok := args["fillColor"].(string); ok && fill != "" {
		style["fill"] = fill
	}
	if stroke, ok := args["strokeColor"].(string); ok && stroke != "" {
		style["stroke"] = stroke
	}
	if len(style) > 0 {
		draft.Data[domain.DataStyle] = style
	}
	if text, ok := args["text"].(string); ok && text != "" {
		draft.Data[domain.DataText] = text
	}

	id, err := s.sess.Create(draft)
	if err != nil {
		return nil, err
	}
	s.log.Debugf("[mcp] add_element %s %s at (%.0f, %.0f)", typ, id, x, y)
	e, _ := s.sess.Element(id)
	return jsonResult(summarizeElement(e))
}

func (s *Server) handleConnectElements(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	fromID, err := s.idArg(args, "fromId")
	if err != nil {
		return nil, err
	}
	toID, err := s.idArg(args, "toId")
	if err != nil {
		return nil, err
	}
	from, ok := s.sess.Element(fromID)
	if !ok {
		return nil, fmt.Errorf("element %s not found", fromID)
	}
	to, ok := s.sess.Element(toID)
	if !ok {
		return nil, fmt.Errorf("element %s not found", toID)
	}

	x1, y1, x2, y2 := anchors(from, to)
	draft := domain.Element{Type: domain.ElementArrow, Data: map[string]any{}}
	draft.SetEndpoints(x1, y1, x2, y2)
	if label, ok := args["label"].(string); ok && label != "" {
		draft.Data[domain.DataText] = label
	}
	id, err := s.sess.Create(draft)
	if err != nil {
		return nil, err
	}
	e, _ := s.sess.Element(id)
	return jsonResult(summarizeElement(e))
}

func (s *Server) handleMoveElement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := s.idArg(args, "elementId")
	if err != nil {
		return nil, err
	}
	pos, err := requireNumbers(args, "x", "y")
	if err != nil {
		return nil, err
	}
	if _, err := s.editable(id); err != nil {
		return nil, err
	}
	s.sess.SaveHistory("move")
	if err := s.sess.Move(id, pos[0], pos[1]); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Moved %s to (%.0f, %.0f)", id, pos[0], pos[1])), nil
}

func (s *Server) handleResizeElement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := s.idArg(args, "elementId")
	if err != nil {
		return nil, err
	}
	size, err := requireNumbers(args, "width", "height")
	if err != nil {
		return nil, err
	}
	e, err := s.editable(id)
	if err != nil {
		return nil, err
	}
	x, y := e.X, e.Y
	if v, ok := numberArg(args, "x"); ok {
		x = v
	}
	if v, ok := numberArg(args, "y"); ok {
		y = v
	}
	s.sess.SaveHistory("resize")
	if err := s.sess.Resize(id, x, y, size[0], size[1]); err != nil {
		return nil, err
	}
	e, _ = s.sess.Element(id)
	return jsonResult(summarizeElement(e))
}

// editable returns the element if a geometry edit on it can succeed, so no
// undo entry is recorded for an edit that fails.
func (s *Server) editable(id string) (domain.Element, error) {
	e, ok := s.sess.Element(id)
	if !ok {
		return domain.Element{}, fmt.Errorf("element %s not found", id)
	}
	if e.Locked() {
		return domain.Element{}, fmt.Errorf("element %s: %w", id, session.ErrLocked)
	}
	return e, nil
}

func (s *Server) handleUpdateElementStyle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := s.idArg(args, "elementId")
	if err != nil {
		return nil, err
	}
	raw, err := stringArg(args, "styleJSON")
	if err != nil {
		return nil, err
	}
	var patch map[string]any
	if err := parseJSON(raw, &patch); err != nil {
		return nil, fmt.Errorf("invalid styleJSON: %w", err)
	}
	if err := s.sess.UpdateStyle(id, patch); err != nil {
		return nil, err
	}
	e, _ := s.sess.Element(id)
	return jsonResult(summarizeElement(e))
}

func (s *Server) handleUpdateElementText(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := s.idArg(args, "elementId")
	if err != nil {
		return nil, err
	}
	text, _ := args["text"].(string)
	if err := s.sess.UpdateContent(id, map[string]any{domain.DataText: text}); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Updated text of %s", id)), nil
}

func (s *Server) handleLockElement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := s.idArg(args, "elementId")
	if err != nil {
		return nil, err
	}
	locked, ok := args["locked"].(bool)
	if !ok {
		return nil, fmt.Errorf("locked is required")
	}
	if err := s.sess.Lock(id, locked); err != nil {
		return nil, err
	}
	state := "Unlocked"
	if locked {
		state = "Locked"
	}
	return textResult(fmt.Sprintf("%s %s", state, id)), nil
}

func (s *Server) handleDeleteElement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.idArg(req.GetArguments(), "elementId")
	if err != nil {
		return nil, err
	}
	if err := s.sess.Delete(id); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Deleted %s", id)), nil
}

func (s *Server) handleBringToFront(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.idArg(req.GetArguments(), "elementId")
	if err != nil {
		return nil, err
	}
	if err := s.sess.BringToFront(id); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Brought %s to front", id)), nil
}

func (s *Server) handleSendToBack(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.idArg(req.GetArguments(), "elementId")
	if err != nil {
		return nil, err
	}
	if err := s.sess.SendToBack(id); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Sent %s to back", id)), nil
}

func (s *Server) handleArrangeElements(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	raw, err := stringArg(args, "elementIds")
	if err != nil {
		return nil, err
	}
	var els []domain.Element
	for _, id := range idList(raw) {
		e, ok := s.sess.Element(s.resolve(id))
		if !ok {
			return nil, fmt.Errorf("element %s not found", id)
		}
		els = append(els, e)
	}
	startX, _ := numberArg(args, "x")
	startY, _ := numberArg(args, "y")

	placed := s.layout.Arrange(els, startX, startY)
	moved, skipped := 0, []string{}
	for _, e := range els {
		if !e.Locked() {
			s.sess.SaveHistory("arrange")
			break
		}
	}
	for i, r := range placed {
		if els[i].Locked() {
			skipped = append(skipped, els[i].ID)
			continue
		}
		if err := s.sess.Move(els[i].ID, r.x, r.y); err != nil {
			skipped = append(skipped, els[i].ID)
			continue
		}
		moved++
	}
	return jsonResult(map[string]any{"moved": moved, "skipped": skipped})
}

func (s *Server) handleGroupElements(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := stringArg(req.GetArguments(), "elementIds")
	if err != nil {
		return nil, err
	}
	ids := idList(raw)
	for i, id := range ids {
		ids[i] = s.resolve(id)
	}
	gid, err := s.sess.CreateGroup(ids)
	if err != nil {
		return nil, err
	}
	return jsonResult(groupSummary{ID: gid, ElementIDs: ids})
}

func (s *Server) handleUngroupElements(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.idArg(req.GetArguments(), "groupId")
	if err != nil {
		return nil, err
	}
	if err := s.sess.Ungroup(id); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Ungrouped %s", id)), nil
}

func (s *Server) handleClearBoard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n := len(s.sess.Elements())
	s.sess.ClearBoard()
	return textResult(fmt.Sprintf("Cleared %d element(s)", n)), nil
}

func (s *Server) handleUndo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	label, ok := s.sess.Undo()
	if !ok {
		return textResult("Nothing to undo"), nil
	}
	return textResult("Undid " + label), nil
}

func (s *Server) handleRedo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	label, ok := s.sess.Redo()
	if !ok {
		return textResult("Nothing to redo"), nil
	}
	return textResult("Redid " + label), nil
}
