package history

import (
	"time"

	"whiteboard/internal/board"
	"whiteboard/internal/domain"
)

// DefaultLimit bounds the undo stack; the oldest snapshot is evicted first.
const DefaultLimit = 50

// Snapshot is a restorable copy of the board taken before a local change.
type Snapshot struct {
	State     board.State
	Label     string
	Timestamp time.Time
}

// Manager keeps bounded undo and redo stacks of store snapshots. Like the
// store it belongs to one session and relies on the session lock.
type Manager struct {
	store *board.Store
	limit int
	now   func() time.Time

	undo []Snapshot
	redo []Snapshot
}

type Option func(*Manager)

// WithLimit overrides DefaultLimit. Values below 1 are ignored.
func WithLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithClock replaces time.Now for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store *board.Store, opts ...Option) *Manager {
	m := &Manager{store: store, limit: DefaultLimit, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Save records the current store state ahead of a mutation and clears redo.
// Only local user changes are recorded: remote applications and undo/redo
// replays never produce entries. Returns whether a snapshot was taken.
func (m *Manager) Save(label string, origin board.Origin) bool {
	if origin != board.OriginLocal {
		return false
	}
	m.push(&m.undo, m.snapshot(label))
	m.redo = nil
	return true
}

// Touch marks a local mutation that was not preceded by Save, such as a
// drag step: the redo stack no longer applies and is dropped.
func (m *Manager) Touch() {
	m.redo = nil
}

// Undo restores the most recent snapshot. The state it replaces goes on the
// redo stack. Returns false when there is nothing to undo.
func (m *Manager) Undo() (string, bool) {
	if len(m.undo) == 0 {
		return "", false
	}
	prev := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]
	m.push(&m.redo, m.snapshot(prev.Label))
	m.store.Restore(prev.State, board.OriginReplay)
	return prev.Label, true
}

// Redo re-applies the most recently undone state.
func (m *Manager) Redo() (string, bool) {
	if len(m.redo) == 0 {
		return "", false
	}
	next := m.redo[len(m.redo)-1]
	m.redo = m.redo[:len(m.redo)-1]
	m.push(&m.undo, m.snapshot(next.Label))
	m.store.Restore(next.State, board.OriginReplay)
	return next.Label, true
}

func (m *Manager) CanUndo() bool { return len(m.undo) > 0 }
func (m *Manager) CanRedo() bool { return len(m.redo) > 0 }
func (m *Manager) Len() int      { return len(m.undo) }
func (m *Manager) RedoLen() int  { return len(m.redo) }

// Labels returns undo labels, oldest first.
func (m *Manager) Labels() []string {
	out := make([]string, len(m.undo))
	for i, s := range m.undo {
		out[i] = s.Label
	}
	return out
}

// Clear drops both stacks.
func (m *Manager) Clear() {
	m.undo = nil
	m.redo = nil
}

// RemapID rewrites a temporary id to its canonical id inside every stored
// snapshot, so undoing past a confirmation does not resurrect the temp record.
// canonical carries the confirmed fields (z, createdAt) written into snapshots
// that held the element.
func (m *Manager) RemapID(tempID string, canonical domain.Element) {
	for i := range m.undo {
		remapState(&m.undo[i].State, tempID, canonical)
	}
	for i := range m.redo {
		remapState(&m.redo[i].State, tempID, canonical)
	}
}

func remapState(st *board.State, tempID string, canonical domain.Element) {
	if e, ok := st.Elements[tempID]; ok {
		delete(st.Elements, tempID)
		e.ID = canonical.ID
		e.BoardID = canonical.BoardID
		e.Z = canonical.Z
		e.CreatedAt = canonical.CreatedAt
		if _, taken := st.Elements[canonical.ID]; !taken {
			st.Elements[canonical.ID] = e
		}
	}
	for i, id := range st.Selection {
		if id == tempID {
			st.Selection[i] = canonical.ID
		}
	}
}

func (m *Manager) snapshot(label string) Snapshot {
	return Snapshot{State: m.store.Snapshot(), Label: label, Timestamp: m.now()}
}

func (m *Manager) push(stack *[]Snapshot, s Snapshot) {
	*stack = append(*stack, s)
	if over := len(*stack) - m.limit; over > 0 {
		*stack = append((*stack)[:0:0], (*stack)[over:]...)
	}
}
