package session

import (
	"fmt"
	"math"

	"whiteboard/internal/board"
	"whiteboard/internal/domain"
	"whiteboard/internal/group"
	"whiteboard/internal/protocol"
	"whiteboard/internal/viewport"
)

// Local user operations. Each applies its change to the store optimistically
// (OriginLocal) and sends the matching request. Structural edits take an undo
// snapshot themselves; continuous gestures (move, resize, endpoints) expect
// the caller to call SaveHistory once before the gesture starts.

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// editable returns the element if it exists and is not locked.
func (s *Session) editable(id string) (domain.Element, error) {
	e, ok := s.store.Get(id)
	if !ok {
		return domain.Element{}, fmt.Errorf("%s: %w", id, board.ErrNotFound)
	}
	if e.Locked() {
		return domain.Element{}, fmt.Errorf("%s: %w", id, ErrLocked)
	}
	return e, nil
}

// SaveHistory records an undo checkpoint, e.g. at the start of a drag.
func (s *Session) SaveHistory(label string) {
	_ = s.run(func() error {
		s.history.Save(label, board.OriginLocal)
		return nil
	})
}

// Create inserts draft under a fresh temp id, selects it and sends
// createElement. The returned temp id is replaced by the canonical id once
// the authority confirms.
func (s *Session) Create(draft domain.Element) (string, error) {
	var tempID string
	err := s.run(func() error {
		typ, err := domain.ParseElementType(string(draft.Type))
		if err != nil {
			return fmt.Errorf("create: %w", err)
		}
		if !finite(draft.X, draft.Y, draft.Width, draft.Height) {
			return fmt.Errorf("create: %w", ErrInvalidGeometry)
		}
		s.history.Save("create", board.OriginLocal)

		e := draft.Clone()
		e.Type = typ
		e.ID = domain.NewTempID(s.cfg.Now())
		e.BoardID = s.cfg.BoardID
		e.CreatedAt = s.clock.Next()
		if s.store.Len() > 0 {
			e.Z = s.store.MaxZ() + 1
		}
		e.Normalize()
		if err := s.store.Insert(e, board.OriginLocal); err != nil {
			return fmt.Errorf("create: %w", err)
		}
		tempID = e.ID
		s.store.SetSelection(tempID)
		s.store.SelectOnArrival(tempID)

		frame := protocol.CreateElement{TempID: tempID, Element: e}
		p := &pendingCreate{}
		s.pending[tempID] = p
		if err := s.send(protocol.TypeCreateElement, frame); err != nil {
			p.unsent = true
		}
		return nil
	})
	return tempID, err
}

// Move places the element's origin at (x, y).
func (s *Session) Move(id string, x, y float64) error {
	return s.run(func() error {
		if !finite(x, y) {
			return fmt.Errorf("move: %w", ErrInvalidGeometry)
		}
		if _, err := s.editable(id); err != nil {
			return fmt.Errorf("move: %w", err)
		}
		s.history.Touch()
		_ = s.store.Mutate(id, board.OriginLocal, func(e *domain.Element) { e.X, e.Y = x, y })
		s.sendFor(id, func(cid string) (protocol.Type, any) {
			return protocol.TypeMoveElement, protocol.Move{ID: cid, X: x, Y: y}
		})
		return nil
	})
}

// Resize sets the element box. Area types are normalised.
func (s *Session) Resize(id string, x, y, w, h float64) error {
	return s.run(func() error {
		if !finite(x, y, w, h) {
			return fmt.Errorf("resize: %w", ErrInvalidGeometry)
		}
		if _, err := s.editable(id); err != nil {
			return fmt.Errorf("resize: %w", err)
		}
		s.history.Touch()
		var out domain.Element
		_ = s.store.Mutate(id, board.OriginLocal, func(e *domain.Element) {
			e.X, e.Y, e.Width, e.Height = x, y, w, h
			e.Normalize()
			out = *e
		})
		s.sendFor(id, func(cid string) (protocol.Type, any) {
			return protocol.TypeResizeElement, protocol.Resize{ID: cid, X: out.X, Y: out.Y, Width: out.Width, Height: out.Height}
		})
		return nil
	})
}

// UpdateLineEndpoints moves both ends of a line or arrow.
func (s *Session) UpdateLineEndpoints(id string, x1, y1, x2, y2 float64) error {
	return s.run(func() error {
		if !finite(x1, y1, x2, y2) {
			return fmt.Errorf("line endpoints: %w", ErrInvalidGeometry)
		}
		e, err := s.editable(id)
		if err != nil {
			return fmt.Errorf("line endpoints: %w", err)
		}
		if !e.Type.LineLike() {
			return fmt.Errorf("line endpoints %s: %w", id, ErrNotLine)
		}
		s.history.Touch()
		_ = s.store.Mutate(id, board.OriginLocal, func(e *domain.Element) { e.SetEndpoints(x1, y1, x2, y2) })
		s.sendFor(id, func(cid string) (protocol.Type, any) {
			return protocol.TypeUpdateLineEndpoints, protocol.LineEndpoints{ID: cid, X1: x1, Y1: y1, X2: x2, Y2: y2}
		})
		return nil
	})
}

// UpdateStyle overwrites the given style keys; a nil value removes a key.
func (s *Session) UpdateStyle(id string, patch map[string]any) error {
	return s.run(func() error {
		if _, err := s.editable(id); err != nil {
			return fmt.Errorf("update style: %w", err)
		}
		s.history.Save("style", board.OriginLocal)
		_ = s.store.Mutate(id, board.OriginLocal, func(e *domain.Element) { e.ApplyStyle(patch) })
		s.sendFor(id, func(cid string) (protocol.Type, any) {
			return protocol.TypeUpdateStyle, protocol.Style{ID: cid, Style: patch}
		})
		return nil
	})
}

// UpdateContent overwrites top-level data keys such as text or points.
func (s *Session) UpdateContent(id string, patch map[string]any) error {
	return s.run(func() error {
		if _, err := s.editable(id); err != nil {
			return fmt.Errorf("update content: %w", err)
		}
		s.history.Save("content", board.OriginLocal)
		_ = s.store.Mutate(id, board.OriginLocal, func(e *domain.Element) { e.ApplyContent(patch) })
		s.sendFor(id, func(cid string) (protocol.Type, any) {
			return protocol.TypeUpdateContent, protocol.Content{ID: cid, Data: patch}
		})
		return nil
	})
}

// Lock sets or clears the lock flag. Unlocking a locked element is allowed.
func (s *Session) Lock(id string, locked bool) error {
	return s.run(func() error {
		if !s.store.Has(id) {
			return fmt.Errorf("lock %s: %w", id, board.ErrNotFound)
		}
		s.history.Save("lock", board.OriginLocal)
		_ = s.store.Mutate(id, board.OriginLocal, func(e *domain.Element) { e.SetLocked(locked) })
		s.sendFor(id, func(cid string) (protocol.Type, any) {
			return protocol.TypeLockElement, protocol.Lock{ID: cid, Locked: locked}
		})
		return nil
	})
}

// Delete removes an element. Deleting a pending element parks the delete
// until its canonical id is known.
func (s *Session) Delete(id string) error {
	return s.run(func() error {
		if !s.store.Has(id) {
			return fmt.Errorf("delete %s: %w", id, board.ErrNotFound)
		}
		s.history.Save("delete", board.OriginLocal)
		s.deleteLocked(id)
		return nil
	})
}

func (s *Session) deleteLocked(id string) {
	s.store.Remove(id, board.OriginLocal)
	if p, ok := s.pending[id]; ok {
		p.deleteOnAck = true
		p.deferred = nil
		return
	}
	_ = s.send(protocol.TypeDeleteElement, protocol.Ref{ID: id})
}

// DeleteSelection removes every selected element under one undo entry.
func (s *Session) DeleteSelection() int {
	n := 0
	_ = s.run(func() error {
		sel := s.store.Selection()
		if len(sel) == 0 {
			return nil
		}
		s.history.Save("delete", board.OriginLocal)
		for _, id := range sel {
			s.deleteLocked(id)
			n++
		}
		return nil
	})
	return n
}

// BringToFront raises the element above all others. The local z is a
// heuristic until the authority answers with the canonical value.
func (s *Session) BringToFront(id string) error {
	return s.reorder(id, protocol.TypeBringToFront, func() int { return s.store.MaxZ() + 1 })
}

// SendToBack lowers the element below all others.
func (s *Session) SendToBack(id string) error {
	return s.reorder(id, protocol.TypeSendToBack, func() int { return s.store.MinZ() - 1 })
}

func (s *Session) reorder(id string, t protocol.Type, z func() int) error {
	return s.run(func() error {
		if !s.store.Has(id) {
			return fmt.Errorf("%s %s: %w", t, id, board.ErrNotFound)
		}
		s.history.Save("reorder", board.OriginLocal)
		_ = s.store.Reorder(id, z(), board.OriginLocal)
		s.sendFor(id, func(cid string) (protocol.Type, any) {
			return t, protocol.Ref{ID: cid}
		})
		return nil
	})
}

// ClearBoard removes every element and group.
func (s *Session) ClearBoard() {
	_ = s.run(func() error {
		s.history.Save("clear", board.OriginLocal)
		s.store.Clear(board.OriginLocal)
		s.groups.Clear()
		for _, p := range s.pending {
			p.deferred = nil
		}
		_ = s.send(protocol.TypeClearBoard, nil)
		return nil
	})
}

// Duplicate copies the selection, offset by DuplicateOffset, and selects the
// copies. It returns the new temp ids.
func (s *Session) Duplicate() ([]string, error) {
	var ids []string
	err := s.run(func() error {
		sel := s.store.Selection()
		if len(sel) == 0 {
			return nil
		}
		s.history.Save("duplicate", board.OriginLocal)
		z := s.store.MaxZ()
		for _, src := range sel {
			orig, ok := s.store.Get(src)
			if !ok {
				continue
			}
			z++
			e := orig.Clone()
			e.ID = domain.NewTempID(s.cfg.Now())
			e.X += DuplicateOffset
			e.Y += DuplicateOffset
			e.Z = z
			e.CreatedAt = s.clock.Next()
			e.Data = domain.MergeData(e.Data, map[string]any{domain.DataLocked: nil})
			if err := s.store.Insert(e, board.OriginLocal); err != nil {
				return fmt.Errorf("duplicate: %w", err)
			}
			frame := protocol.CreateElement{TempID: e.ID, Element: e}
			p := &pendingCreate{}
			s.pending[e.ID] = p
			if err := s.send(protocol.TypeCreateElement, frame); err != nil {
				p.unsent = true
			}
			s.store.SelectOnArrival(e.ID)
			ids = append(ids, e.ID)
		}
		s.store.SetSelection(ids...)
		return nil
	})
	return ids, err
}

// Select replaces the selection. Unknown ids are ignored.
func (s *Session) Select(ids ...string) {
	_ = s.run(func() error {
		s.store.SetSelection(ids...)
		return nil
	})
}

func (s *Session) ClearSelection() {
	_ = s.run(func() error {
		s.store.ClearSelection()
		return nil
	})
}

// SelectAt selects the topmost element under a screen point, or clears the
// selection on a miss. additive keeps the existing selection.
func (s *Session) SelectAt(screen viewport.Point, additive bool) (string, bool) {
	e, ok := s.ElementAt(screen)
	_ = s.run(func() error {
		switch {
		case !ok && !additive:
			s.store.ClearSelection()
		case ok && additive:
			s.store.SetSelection(append(s.store.Selection(), e.ID)...)
		case ok:
			s.store.SetSelection(e.ID)
		}
		return nil
	})
	return e.ID, ok
}

// Undo restores the previous local snapshot. Undo is local-only: the
// restored state is not sent to the authority.
func (s *Session) Undo() (string, bool) {
	var label string
	var ok bool
	_ = s.run(func() error {
		label, ok = s.history.Undo()
		return nil
	})
	return label, ok
}

// Redo re-applies the last undone snapshot, locally only.
func (s *Session) Redo() (string, bool) {
	var label string
	var ok bool
	_ = s.run(func() error {
		label, ok = s.history.Redo()
		return nil
	})
	return label, ok
}

// ── Groups ─────────────────────────────────────────────────

// CreateGroup groups the given canonical elements; the result is a temp id.
// Group membership is not part of undo snapshots.
func (s *Session) CreateGroup(ids []string) (string, error) {
	var tempID string
	err := s.run(func() error {
		id, err := s.groups.Create(ids)
		if err != nil {
			return err
		}
		tempID = id
		return nil
	})
	return tempID, err
}

func (s *Session) Ungroup(id string) error {
	return s.run(func() error {
		return s.groups.Ungroup(id)
	})
}

// MoveGroup translates every unlocked member of a group.
func (s *Session) MoveGroup(id string, dx, dy float64) error {
	return s.run(func() error {
		if !finite(dx, dy) {
			return fmt.Errorf("move group: %w", ErrInvalidGeometry)
		}
		if err := s.confirmedGroup(id); err != nil {
			return fmt.Errorf("move group: %w", err)
		}
		s.history.Save("move group", board.OriginLocal)
		return s.groups.Move(id, dx, dy)
	})
}

// DeleteGroup removes a group together with its members.
func (s *Session) DeleteGroup(id string) error {
	return s.run(func() error {
		if err := s.confirmedGroup(id); err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		s.history.Save("delete group", board.OriginLocal)
		return s.groups.Delete(id)
	})
}

func (s *Session) confirmedGroup(id string) error {
	if _, ok := s.groups.Get(id); !ok {
		return fmt.Errorf("%s: %w", id, group.ErrNotFound)
	}
	if domain.IsTempID(id) {
		return fmt.Errorf("%s: %w", id, group.ErrPending)
	}
	return nil
}
