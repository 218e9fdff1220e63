package group_test

import (
	"errors"
	"testing"

	"whiteboard/internal/board"
	"whiteboard/internal/domain"
	"whiteboard/internal/group"
	"whiteboard/internal/protocol"
)

type sent struct {
	Type    protocol.Type
	Payload any
}

type recorder struct{ msgs []sent }

func (r *recorder) Send(t protocol.Type, payload any) error {
	r.msgs = append(r.msgs, sent{t, payload})
	return nil
}

func setup(t *testing.T, ids ...string) (*board.Store, *group.Manager, *recorder) {
	t.Helper()
	s := board.NewStore()
	for i, id := range ids {
		e := domain.Element{ID: id, Type: domain.ElementRectangle, X: float64(i * 20), Y: 0, Width: 10, Height: 10, CreatedAt: int64(i)}
		if err := s.Insert(e, board.OriginRemote); err != nil {
			t.Fatal(err)
		}
	}
	rec := &recorder{}
	return s, group.NewManager(s, rec), rec
}

func TestCreateValidation(t *testing.T) {
	s, m, _ := setup(t, "a", "b", "c")
	_ = s.Insert(domain.Element{ID: "tmp_1", Type: domain.ElementCircle}, board.OriginLocal)

	tests := []struct {
		name string
		ids  []string
		want error
	}{
		{"single", []string{"a"}, group.ErrTooFewMembers},
		{"duplicates collapse", []string{"a", "a"}, group.ErrTooFewMembers},
		{"unknown", []string{"a", "ghost"}, group.ErrUnknownElement},
		{"pending member", []string{"a", "tmp_1"}, group.ErrPendingElement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Create(tt.ids); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := m.Create([]string{"a", "b"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create([]string{"b", "c"}); !errors.Is(err, group.ErrAlreadyGrouped) {
		t.Errorf("expected ErrAlreadyGrouped, got %v", err)
	}
}

func TestCreateConfirmLifecycle(t *testing.T) {
	_, m, rec := setup(t, "a", "b")
	tempID, err := m.Create([]string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if !domain.IsTempID(tempID) {
		t.Fatalf("temp id = %q", tempID)
	}
	if len(rec.msgs) != 1 || rec.msgs[0].Type != protocol.TypeCreateGroup {
		t.Fatalf("sent = %+v", rec.msgs)
	}
	if err := m.Ungroup(tempID); !errors.Is(err, group.ErrPending) {
		t.Errorf("ungroup pending: %v", err)
	}

	canonical := domain.Group{ID: "G1", ElementIDs: []string{"a", "b"}}
	m.ApplyCreated(canonical, tempID)
	m.ApplyCreated(canonical, tempID)

	if len(m.Groups()) != 1 {
		t.Fatalf("groups = %+v", m.Groups())
	}
	if gid, _ := m.GroupOf("a"); gid != "G1" {
		t.Errorf("GroupOf(a) = %q", gid)
	}
}

func TestForeignGroupTakesMembers(t *testing.T) {
	_, m, _ := setup(t, "a", "b", "c")
	m.ApplyCreated(domain.Group{ID: "G1", ElementIDs: []string{"a", "b"}}, "")
	m.ApplyCreated(domain.Group{ID: "G2", ElementIDs: []string{"b", "c"}}, "")

	if _, ok := m.Get("G1"); ok {
		t.Error("G1 should dissolve after losing b")
	}
	if gid, _ := m.GroupOf("b"); gid != "G2" {
		t.Errorf("GroupOf(b) = %q", gid)
	}
	if _, ok := m.GroupOf("a"); ok {
		t.Error("a should be ungrouped")
	}
}

func TestElementRemovalDissolves(t *testing.T) {
	s, m, _ := setup(t, "a", "b", "c")
	m.ApplyCreated(domain.Group{ID: "G1", ElementIDs: []string{"a", "b", "c"}}, "")

	s.Remove("a", board.OriginRemote)
	g, ok := m.Get("G1")
	if !ok || len(g.ElementIDs) != 2 {
		t.Fatalf("G1 = %+v, %v", g, ok)
	}
	s.Remove("b", board.OriginRemote)
	if _, ok := m.Get("G1"); ok {
		t.Error("group below two members should dissolve")
	}
}

func TestMoveAndBounds(t *testing.T) {
	s, m, rec := setup(t, "a", "b")
	m.ApplyCreated(domain.Group{ID: "G1", ElementIDs: []string{"a", "b"}}, "")

	x, y, w, h, ok := m.Bounds("G1")
	if !ok || x != 0 || y != 0 || w != 30 || h != 10 {
		t.Fatalf("bounds = %v %v %v %v %v", x, y, w, h, ok)
	}

	_ = s.Mutate("b", board.OriginLocal, func(e *domain.Element) { e.SetLocked(true) })
	if err := m.Move("G1", 5, 5); err != nil {
		t.Fatal(err)
	}
	a, _ := s.Get("a")
	b, _ := s.Get("b")
	if a.X != 5 || a.Y != 5 {
		t.Errorf("a = %+v", a)
	}
	if b.X != 20 || b.Y != 0 {
		t.Errorf("locked member moved: %+v", b)
	}
	if x, _, _, _, _ := m.Bounds("G1"); x != 5 {
		t.Errorf("bounds not invalidated, x = %v", x)
	}
	last := rec.msgs[len(rec.msgs)-1]
	if last.Type != protocol.TypeMoveGroup {
		t.Errorf("last sent = %s", last.Type)
	}

	m.ApplyMoved(protocol.GroupMoved{ID: "G1", Positions: []protocol.Move{{ID: "a", X: 100, Y: 100}, {ID: "ghost"}}})
	a, _ = s.Get("a")
	if a.X != 100 {
		t.Errorf("ApplyMoved: %+v", a)
	}
}

func TestDeleteRemovesMembers(t *testing.T) {
	s, m, _ := setup(t, "a", "b", "c")
	m.ApplyCreated(domain.Group{ID: "G1", ElementIDs: []string{"a", "b"}}, "")
	if err := m.Delete("G1"); err != nil {
		t.Fatal(err)
	}
	if s.Has("a") || s.Has("b") || !s.Has("c") {
		t.Errorf("store ids = %v", s.IDs())
	}
	if err := m.Delete("G1"); !errors.Is(err, group.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestResetPrunesMissingMembers(t *testing.T) {
	s, m, _ := setup(t, "a", "b")
	m.ApplyCreated(domain.Group{ID: "G1", ElementIDs: []string{"a", "b"}}, "")
	s.Clear(board.OriginRemote)
	if len(m.Groups()) != 0 {
		t.Errorf("groups = %+v", m.Groups())
	}
}
