package history_test

import (
	"fmt"
	"testing"

	"whiteboard/internal/board"
	"whiteboard/internal/domain"
	"whiteboard/internal/history"
)

func newStore(t *testing.T, ids ...string) *board.Store {
	t.Helper()
	s := board.NewStore()
	for i, id := range ids {
		e := domain.Element{ID: id, Type: domain.ElementRectangle, Width: 10, Height: 10, CreatedAt: int64(i + 1)}
		if err := s.Insert(e, board.OriginLocal); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestSaveMutateUndoRestores(t *testing.T) {
	s := newStore(t, "a")
	s.SetSelection("a")
	h := history.NewManager(s)

	h.Save("move", board.OriginLocal)
	_ = s.Mutate("a", board.OriginLocal, func(e *domain.Element) { e.X, e.Y = 40, 50 })
	s.ClearSelection()

	label, ok := h.Undo()
	if !ok || label != "move" {
		t.Fatalf("undo = %q, %v", label, ok)
	}
	got, _ := s.Get("a")
	if got.X != 0 || got.Y != 0 {
		t.Errorf("element = %+v", got)
	}
	if sel := s.Selection(); len(sel) != 1 || sel[0] != "a" {
		t.Errorf("selection = %v", sel)
	}

	if _, ok := h.Redo(); !ok {
		t.Fatal("redo unavailable")
	}
	got, _ = s.Get("a")
	if got.X != 40 || got.Y != 50 {
		t.Errorf("after redo = %+v", got)
	}
}

func TestSnapshotsDoNotAlias(t *testing.T) {
	s := newStore(t, "a")
	h := history.NewManager(s)
	h.Save("style", board.OriginLocal)
	_ = s.Mutate("a", board.OriginLocal, func(e *domain.Element) {
		e.ApplyStyle(map[string]any{"fill": "red"})
	})
	h.Undo()
	got, _ := s.Get("a")
	if got.Style()["fill"] != nil {
		t.Errorf("style leaked into snapshot: %v", got.Style())
	}
}

func TestBounded(t *testing.T) {
	s := newStore(t, "a")
	h := history.NewManager(s)
	for i := 0; i < 60; i++ {
		h.Save(fmt.Sprintf("s%d", i), board.OriginLocal)
	}
	if h.Len() != history.DefaultLimit {
		t.Fatalf("len = %d", h.Len())
	}
	if labels := h.Labels(); labels[0] != "s10" {
		t.Errorf("oldest = %s", labels[0])
	}
}

func TestRemoteAndReplayDoNotRecord(t *testing.T) {
	s := newStore(t, "a")
	h := history.NewManager(s)
	if h.Save("remote", board.OriginRemote) || h.Save("replay", board.OriginReplay) {
		t.Fatal("non-local save recorded")
	}
	if h.CanUndo() {
		t.Error("undo stack should be empty")
	}
}

func TestNewSaveClearsRedo(t *testing.T) {
	s := newStore(t, "a")
	h := history.NewManager(s)
	h.Save("one", board.OriginLocal)
	h.Undo()
	if !h.CanRedo() {
		t.Fatal("expected redo entry")
	}
	h.Save("two", board.OriginLocal)
	if h.CanRedo() {
		t.Error("redo should be cleared by a new save")
	}
}

func TestTouchClearsRedoWithoutSnapshot(t *testing.T) {
	s := newStore(t, "a")
	h := history.NewManager(s)
	h.Save("one", board.OriginLocal)
	h.Undo()
	h.Touch()
	if h.CanRedo() {
		t.Error("redo should be cleared by a touch")
	}
	if h.Len() != 0 {
		t.Errorf("touch must not push a snapshot, undo len = %d", h.Len())
	}
}

func TestUndoEmpty(t *testing.T) {
	h := history.NewManager(board.NewStore())
	if _, ok := h.Undo(); ok {
		t.Error("undo on empty history")
	}
	if _, ok := h.Redo(); ok {
		t.Error("redo on empty history")
	}
}

func TestRemapID(t *testing.T) {
	s := newStore(t, "tmp_1")
	s.SetSelection("tmp_1")
	h := history.NewManager(s, history.WithLimit(5))
	h.Save("create", board.OriginLocal)

	canonical := domain.Element{ID: "E1", Type: domain.ElementRectangle, Z: 7, CreatedAt: 1}
	_ = s.Remap("tmp_1", canonical, board.OriginRemote)
	h.RemapID("tmp_1", canonical)

	h.Undo()
	if s.Has("tmp_1") {
		t.Error("undo resurrected the temp id")
	}
	got, ok := s.Get("E1")
	if !ok || got.Z != 7 {
		t.Errorf("E1 = %+v, %v", got, ok)
	}
	if sel := s.Selection(); len(sel) != 1 || sel[0] != "E1" {
		t.Errorf("selection = %v", sel)
	}
}
