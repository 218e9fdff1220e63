package board_test

import (
	"errors"
	"testing"

	"whiteboard/internal/board"
	"whiteboard/internal/domain"
	"whiteboard/internal/viewport"
)

func rect(id string, x, y, w, h float64, z int, created int64) domain.Element {
	return domain.Element{ID: id, Type: domain.ElementRectangle, X: x, Y: y, Width: w, Height: h, Z: z, CreatedAt: created}
}

func TestInsertRejectsDuplicate(t *testing.T) {
	s := board.NewStore()
	if err := s.Insert(rect("a", 0, 0, 10, 10, 0, 1), board.OriginLocal); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := s.Insert(rect("a", 5, 5, 1, 1, 0, 2), board.OriginLocal)
	if !errors.Is(err, board.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if s.InsertIfAbsent(rect("a", 5, 5, 1, 1, 0, 2), board.OriginRemote) {
		t.Error("InsertIfAbsent should not replace")
	}
	got, _ := s.Get("a")
	if got.X != 0 {
		t.Errorf("record overwritten: %+v", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := board.NewStore()
	e := rect("a", 0, 0, 10, 10, 0, 1)
	e.Data = map[string]any{domain.DataText: "hi"}
	_ = s.Insert(e, board.OriginLocal)

	got, _ := s.Get("a")
	got.Data[domain.DataText] = "changed"
	got.X = 99

	again, _ := s.Get("a")
	if again.X != 0 || again.Data[domain.DataText] != "hi" {
		t.Errorf("store record aliased: %+v", again)
	}
}

func TestMutateUnknown(t *testing.T) {
	s := board.NewStore()
	err := s.Mutate("missing", board.OriginLocal, func(e *domain.Element) { e.X = 1 })
	if !errors.Is(err, board.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemapIsAtomic(t *testing.T) {
	s := board.NewStore()
	_ = s.Insert(rect("tmp_1", 0, 0, 10, 10, 0, 1), board.OriginLocal)
	s.SetSelection("tmp_1")

	var seen []board.Change
	s.Subscribe(func(c board.Change) {
		if c.Kind == board.ChangeRemap && (s.Has("tmp_1") || !s.Has("E1")) {
			t.Errorf("observed intermediate state during remap")
		}
		seen = append(seen, c)
	})

	if err := s.Remap("tmp_1", rect("E1", 0, 0, 10, 10, 3, 1), board.OriginRemote); err != nil {
		t.Fatalf("remap: %v", err)
	}
	if s.Has("tmp_1") || !s.Has("E1") || s.Len() != 1 {
		t.Fatalf("after remap: has tmp=%v has E1=%v len=%d", s.Has("tmp_1"), s.Has("E1"), s.Len())
	}
	if sel := s.Selection(); len(sel) != 1 || sel[0] != "E1" {
		t.Errorf("selection = %v", sel)
	}
	if len(seen) == 0 || seen[0].Kind != board.ChangeRemap || seen[0].PrevID != "tmp_1" {
		t.Errorf("changes = %+v", seen)
	}
}

func TestRemapWhenCanonicalAlreadyPresent(t *testing.T) {
	s := board.NewStore()
	_ = s.Insert(rect("tmp_1", 0, 0, 10, 10, 0, 1), board.OriginLocal)
	_ = s.Insert(rect("E1", 1, 1, 10, 10, 0, 1), board.OriginRemote)

	_ = s.Remap("tmp_1", rect("E1", 0, 0, 10, 10, 0, 1), board.OriginRemote)
	if s.Len() != 1 {
		t.Fatalf("len = %d", s.Len())
	}
	got, _ := s.Get("E1")
	if got.X != 1 {
		t.Errorf("existing canonical record replaced: %+v", got)
	}
}

func TestSelectOnArrival(t *testing.T) {
	s := board.NewStore()
	s.SelectOnArrival("E2")
	if len(s.Selection()) != 0 {
		t.Fatal("selection should be empty before arrival")
	}
	_ = s.Insert(rect("E2", 0, 0, 1, 1, 0, 1), board.OriginRemote)
	if sel := s.Selection(); len(sel) != 1 || sel[0] != "E2" {
		t.Errorf("selection = %v", sel)
	}
	if len(s.PendingSelection()) != 0 {
		t.Errorf("pending = %v", s.PendingSelection())
	}
}

func TestSetSelectionDropsStalePending(t *testing.T) {
	s := board.NewStore()
	_ = s.Insert(rect("tmp_1", 0, 0, 10, 10, 0, 1), board.OriginLocal)
	_ = s.Insert(rect("E9", 50, 50, 10, 10, 0, 2), board.OriginRemote)
	s.SetSelection("tmp_1")
	s.SelectOnArrival("tmp_1")

	// the user picks something else before the confirmation arrives
	s.SetSelection("E9")
	if len(s.PendingSelection()) != 0 {
		t.Fatalf("pending = %v", s.PendingSelection())
	}
	_ = s.Remap("tmp_1", rect("E1", 0, 0, 10, 10, 0, 1), board.OriginRemote)
	if sel := s.Selection(); len(sel) != 1 || sel[0] != "E9" {
		t.Errorf("selection = %v, want [E9]", sel)
	}
}

func TestSetSelectionKeepsPendingWhenReselected(t *testing.T) {
	s := board.NewStore()
	_ = s.Insert(rect("tmp_1", 0, 0, 10, 10, 0, 1), board.OriginLocal)
	s.SelectOnArrival("tmp_1")
	s.SetSelection("tmp_1")
	if p := s.PendingSelection(); len(p) != 1 || p[0] != "tmp_1" {
		t.Errorf("pending = %v", p)
	}
}

func TestRemoveDropsSelection(t *testing.T) {
	s := board.NewStore()
	_ = s.Insert(rect("a", 0, 0, 1, 1, 0, 1), board.OriginLocal)
	_ = s.Insert(rect("b", 0, 0, 1, 1, 0, 2), board.OriginLocal)
	s.SetSelection("a", "b", "ghost")
	if sel := s.Selection(); len(sel) != 2 {
		t.Fatalf("unknown ids should be ignored: %v", sel)
	}
	s.Remove("a", board.OriginRemote)
	if sel := s.Selection(); len(sel) != 1 || sel[0] != "b" {
		t.Errorf("selection = %v", sel)
	}
}

func TestPaintOrder(t *testing.T) {
	s := board.NewStore()
	_ = s.Insert(rect("high", 0, 0, 1, 1, 5, 1), board.OriginLocal)
	_ = s.Insert(rect("late", 0, 0, 1, 1, 0, 20), board.OriginLocal)
	_ = s.Insert(rect("early", 0, 0, 1, 1, 0, 10), board.OriginLocal)

	ids := s.IDs()
	want := []string{"early", "late", "high"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
	if s.MaxZ() != 5 || s.MinZ() != 0 {
		t.Errorf("max=%d min=%d", s.MaxZ(), s.MinZ())
	}
}

func TestApplyOrder(t *testing.T) {
	s := board.NewStore()
	_ = s.Insert(rect("a", 0, 0, 1, 1, 0, 1), board.OriginLocal)
	_ = s.Insert(rect("b", 0, 0, 1, 1, 0, 2), board.OriginLocal)
	_ = s.Insert(rect("c", 0, 0, 1, 1, 0, 3), board.OriginLocal)

	if n := s.ApplyOrder([]string{"c", "ghost", "a", "b"}, board.OriginRemote); n != 3 {
		t.Errorf("applied %d", n)
	}
	ids := s.IDs()
	if ids[0] != "c" || ids[1] != "a" || ids[2] != "b" {
		t.Errorf("order = %v", ids)
	}
}

func TestTopmostAt(t *testing.T) {
	s := board.NewStore()
	_ = s.Insert(rect("bottom", 0, 0, 100, 100, 0, 1), board.OriginLocal)
	_ = s.Insert(rect("top", 50, 50, 100, 100, 1, 2), board.OriginLocal)
	_ = s.Insert(rect("flipped", 300, 300, -50, -50, 0, 3), board.OriginLocal)

	tests := []struct {
		name string
		p    viewport.Point
		want string
		ok   bool
	}{
		{"overlap picks higher z", viewport.Pt(60, 60), "top", true},
		{"only bottom", viewport.Pt(10, 10), "bottom", true},
		{"edge inclusive", viewport.Pt(100, 0), "bottom", true},
		{"negative size normalised", viewport.Pt(275, 275), "flipped", true},
		{"miss", viewport.Pt(-5, -5), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.TopmostAt(tt.p, 4)
			if ok != tt.ok || got.ID != tt.want {
				t.Errorf("got %q,%v want %q,%v", got.ID, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestLineToleranceAtZoom(t *testing.T) {
	tr := viewport.Transform{Zoom: 2}
	tol, err := tr.ScreenDistanceToWorld(8)
	if err != nil {
		t.Fatal(err)
	}

	line := domain.Element{ID: "l", Type: domain.ElementLine}
	line.SetEndpoints(0, 0, 100, 0)

	if !board.Contains(line, viewport.Pt(50, 4), tol) {
		t.Error("4 world units away should hit at zoom 2")
	}
	if board.Contains(line, viewport.Pt(50, 4.01), tol) {
		t.Error("4.01 world units away should miss at zoom 2")
	}
	if !board.Contains(line, viewport.Pt(-3, 0), tol) {
		t.Error("beyond the endpoint within tolerance should hit")
	}
}

func TestDistanceToDegenerateSegment(t *testing.T) {
	d := board.DistanceToSegment(viewport.Pt(3, 4), viewport.Pt(0, 0), viewport.Pt(0, 0))
	if d != 5 {
		t.Errorf("distance = %v", d)
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := board.NewStore()
	_ = s.Insert(rect("a", 0, 0, 10, 10, 0, 1), board.OriginLocal)
	s.SetSelection("a")
	snap := s.Snapshot()

	_ = s.Mutate("a", board.OriginLocal, func(e *domain.Element) { e.X = 50 })
	_ = s.Insert(rect("b", 0, 0, 1, 1, 0, 2), board.OriginLocal)

	var kinds []board.ChangeKind
	s.Subscribe(func(c board.Change) { kinds = append(kinds, c.Kind) })
	s.Restore(snap, board.OriginReplay)

	got, _ := s.Get("a")
	if got.X != 0 || s.Has("b") {
		t.Errorf("restore: a=%+v has b=%v", got, s.Has("b"))
	}
	if sel := s.Selection(); len(sel) != 1 || sel[0] != "a" {
		t.Errorf("selection = %v", sel)
	}
	if len(kinds) != 1 || kinds[0] != board.ChangeReset {
		t.Errorf("changes = %v", kinds)
	}
	if snap.Elements["a"].X != 0 {
		t.Error("snapshot mutated by restore")
	}
}

func TestUnsubscribe(t *testing.T) {
	s := board.NewStore()
	n := 0
	unsub := s.Subscribe(func(board.Change) { n++ })
	_ = s.Insert(rect("a", 0, 0, 1, 1, 0, 1), board.OriginLocal)
	unsub()
	_ = s.Insert(rect("b", 0, 0, 1, 1, 0, 2), board.OriginLocal)
	if n != 1 {
		t.Errorf("notified %d times", n)
	}
}
