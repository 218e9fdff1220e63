package board

import (
	"errors"
	"fmt"
	"sort"

	"whiteboard/internal/domain"
	"whiteboard/internal/viewport"
)

var (
	ErrNotFound    = errors.New("element not found")
	ErrDuplicateID = errors.New("element id already exists")
	ErrEmptyID     = errors.New("element id is empty")
)

// Origin tells the store (and everything observing it) why a mutation happens.
// It replaces a shared "is replaying" flag: the token travels with the call.
type Origin int

const (
	// OriginLocal is a mutation initiated by the local user.
	OriginLocal Origin = iota
	// OriginRemote is a mutation applied because of an inbound session event.
	OriginRemote
	// OriginReplay is a mutation made by undo/redo restoring a snapshot.
	OriginReplay
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginReplay:
		return "replay"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

type ChangeKind string

const (
	ChangeInsert    ChangeKind = "insert"
	ChangeUpdate    ChangeKind = "update"
	ChangeRemove    ChangeKind = "remove"
	ChangeRemap     ChangeKind = "remap"
	ChangeSelection ChangeKind = "selection"
	ChangeReset     ChangeKind = "reset" // clear or snapshot restore
)

// Change is published to subscribers after every mutation.
type Change struct {
	Kind   ChangeKind
	ID     string
	PrevID string // set for ChangeRemap: the temp id that was replaced
	Origin Origin
}

// Store maps element ids to records and tracks the selection. It is owned by a
// single board session and is not safe for concurrent use on its own.
type Store struct {
	elements      map[string]domain.Element
	selection     []string
	pendingSelect map[string]struct{}

	subs    map[int]func(Change)
	nextSub int
}

func NewStore() *Store {
	return &Store{
		elements:      make(map[string]domain.Element),
		pendingSelect: make(map[string]struct{}),
		subs:          make(map[int]func(Change)),
	}
}

// Subscribe registers fn for every change and returns a function that removes it.
func (s *Store) Subscribe(fn func(Change)) func() {
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() { delete(s.subs, id) }
}

func (s *Store) publish(c Change) {
	for _, fn := range s.subs {
		fn(c)
	}
}

// Len returns the number of elements.
func (s *Store) Len() int {
	return len(s.elements)
}

// Has reports whether id is present.
func (s *Store) Has(id string) bool {
	_, ok := s.elements[id]
	return ok
}

// Get returns a copy of the element.
func (s *Store) Get(id string) (domain.Element, bool) {
	e, ok := s.elements[id]
	if !ok {
		return domain.Element{}, false
	}
	return e.Clone(), true
}

// Insert adds a new element. Inserting an existing id is an error.
func (s *Store) Insert(e domain.Element, origin Origin) error {
	if e.ID == "" {
		return ErrEmptyID
	}
	if _, ok := s.elements[e.ID]; ok {
		return fmt.Errorf("insert %s: %w", e.ID, ErrDuplicateID)
	}
	s.elements[e.ID] = e.Clone()
	s.publish(Change{Kind: ChangeInsert, ID: e.ID, Origin: origin})
	s.selectIfPending(e.ID, origin)
	return nil
}

// InsertIfAbsent inserts e unless its id already exists. It is the idempotent
// path used for creation confirmations and resync.
func (s *Store) InsertIfAbsent(e domain.Element, origin Origin) bool {
	if e.ID == "" || s.Has(e.ID) {
		return false
	}
	return s.Insert(e, origin) == nil
}

// Remove deletes an element and drops it from the selection.
func (s *Store) Remove(id string, origin Origin) bool {
	if _, ok := s.elements[id]; !ok {
		return false
	}
	delete(s.elements, id)
	delete(s.pendingSelect, id)
	s.publish(Change{Kind: ChangeRemove, ID: id, Origin: origin})
	if s.dropFromSelection(id) {
		s.publish(Change{Kind: ChangeSelection, Origin: origin})
	}
	return true
}

// Mutate applies fn to a copy of the element and stores the result. The live
// record is never edited in place, so copies handed out earlier stay intact.
func (s *Store) Mutate(id string, origin Origin, fn func(*domain.Element)) error {
	e, ok := s.elements[id]
	if !ok {
		return fmt.Errorf("mutate %s: %w", id, ErrNotFound)
	}
	next := e.Clone()
	fn(&next)
	next.ID = id
	s.elements[id] = next
	s.publish(Change{Kind: ChangeUpdate, ID: id, Origin: origin})
	return nil
}

// Reorder sets the z key of an element.
func (s *Store) Reorder(id string, z int, origin Origin) error {
	return s.Mutate(id, origin, func(e *domain.Element) { e.Z = z })
}

// ApplyOrder assigns z = position for every known id in order (a canonical
// full ordering). Unknown ids are skipped; returns how many were applied.
func (s *Store) ApplyOrder(order []string, origin Origin) int {
	n := 0
	for i, id := range order {
		if s.Reorder(id, i, origin) == nil {
			n++
		}
	}
	return n
}

// Remap replaces the temporary record tempID with the canonical element in one
// step: subscribers never observe both records. Selection and pending selection
// on tempID carry over. If the canonical id is already present (a redelivered
// confirmation) only the temp record is dropped.
func (s *Store) Remap(tempID string, canonical domain.Element, origin Origin) error {
	if canonical.ID == "" {
		return ErrEmptyID
	}
	_, hadTemp := s.elements[tempID]
	_, hasCanonical := s.elements[canonical.ID]

	_, wasPending := s.pendingSelect[tempID]
	wasSelected := s.dropFromSelection(tempID)
	delete(s.pendingSelect, tempID)
	delete(s.elements, tempID)

	if !hasCanonical {
		s.elements[canonical.ID] = canonical.Clone()
	}
	if wasSelected || wasPending {
		if !containsID(s.selection, canonical.ID) {
			s.selection = append(s.selection, canonical.ID)
		}
	}

	switch {
	case hadTemp && !hasCanonical:
		s.publish(Change{Kind: ChangeRemap, ID: canonical.ID, PrevID: tempID, Origin: origin})
	case hadTemp:
		s.publish(Change{Kind: ChangeRemove, ID: tempID, Origin: origin})
	case !hasCanonical:
		s.publish(Change{Kind: ChangeInsert, ID: canonical.ID, Origin: origin})
	}
	if wasSelected || wasPending {
		s.publish(Change{Kind: ChangeSelection, Origin: origin})
	}
	return nil
}

// ── Selection ──────────────────────────────────────────────

// SetSelection replaces the selection with the given ids; unknown ids are
// ignored. Ids waiting to be selected on arrival stay pending only if they
// are part of the new selection.
func (s *Store) SetSelection(ids ...string) {
	sel := make([]string, 0, len(ids))
	for _, id := range ids {
		if s.Has(id) && !containsID(sel, id) {
			sel = append(sel, id)
		}
	}
	s.selection = sel
	for id := range s.pendingSelect {
		if !containsID(sel, id) {
			delete(s.pendingSelect, id)
		}
	}
	s.publish(Change{Kind: ChangeSelection, Origin: OriginLocal})
}

// ClearSelection empties the selection and the pending-selection set.
func (s *Store) ClearSelection() {
	s.selection = nil
	s.pendingSelect = make(map[string]struct{})
	s.publish(Change{Kind: ChangeSelection, Origin: OriginLocal})
}

// Selection returns the selected ids in selection order.
func (s *Store) Selection() []string {
	return append([]string(nil), s.selection...)
}

// SelectOnArrival marks id to be selected as soon as a record with that id is
// inserted (or a temp record is remapped to it).
func (s *Store) SelectOnArrival(id string) {
	s.pendingSelect[id] = struct{}{}
}

// PendingSelection returns ids waiting to be selected on arrival.
func (s *Store) PendingSelection() []string {
	out := make([]string, 0, len(s.pendingSelect))
	for id := range s.pendingSelect {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) selectIfPending(id string, origin Origin) {
	if _, ok := s.pendingSelect[id]; !ok {
		return
	}
	delete(s.pendingSelect, id)
	if !containsID(s.selection, id) {
		s.selection = append(s.selection, id)
	}
	s.publish(Change{Kind: ChangeSelection, Origin: origin})
}

func (s *Store) dropFromSelection(id string) bool {
	for i, sel := range s.selection {
		if sel == id {
			s.selection = append(s.selection[:i:i], s.selection[i+1:]...)
			return true
		}
	}
	return false
}

// ── Queries ────────────────────────────────────────────────

// All returns copies of every element in paint order (z asc, createdAt asc, id).
func (s *Store) All() []domain.Element {
	out := make([]domain.Element, 0, len(s.elements))
	for _, e := range s.elements {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return paintsBefore(out[i], out[j]) })
	return out
}

// IDs returns all ids in paint order.
func (s *Store) IDs() []string {
	all := s.All()
	ids := make([]string, len(all))
	for i, e := range all {
		ids[i] = e.ID
	}
	return ids
}

// TopmostAt returns the element painted on top at a world point. tolerance is
// the line hit distance in world units.
func (s *Store) TopmostAt(p viewport.Point, tolerance float64) (domain.Element, bool) {
	candidates := make([]domain.Element, 0, len(s.elements))
	for _, e := range s.elements {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool { return paintsBefore(candidates[j], candidates[i]) })
	for _, e := range candidates {
		if Contains(e, p, tolerance) {
			return e.Clone(), true
		}
	}
	return domain.Element{}, false
}

// MaxZ returns the highest z, or 0 when empty.
func (s *Store) MaxZ() int {
	first, max := true, 0
	for _, e := range s.elements {
		if first || e.Z > max {
			max, first = e.Z, false
		}
	}
	return max
}

// MinZ returns the lowest z, or 0 when empty.
func (s *Store) MinZ() int {
	first, min := true, 0
	for _, e := range s.elements {
		if first || e.Z < min {
			min, first = e.Z, false
		}
	}
	return min
}

// ── Snapshots ──────────────────────────────────────────────

// State is a deep copy of the store contents.
type State struct {
	Elements  map[string]domain.Element
	Selection []string
}

// Snapshot copies every element so later mutations cannot reach into it.
func (s *Store) Snapshot() State {
	els := make(map[string]domain.Element, len(s.elements))
	for id, e := range s.elements {
		els[id] = e.Clone()
	}
	return State{Elements: els, Selection: s.Selection()}
}

// Restore replaces the whole store with a copy of st.
func (s *Store) Restore(st State, origin Origin) {
	s.elements = make(map[string]domain.Element, len(st.Elements))
	for id, e := range st.Elements {
		s.elements[id] = e.Clone()
	}
	s.selection = nil
	for _, id := range st.Selection {
		if s.Has(id) {
			s.selection = append(s.selection, id)
		}
	}
	s.publish(Change{Kind: ChangeReset, Origin: origin})
}

// Clear removes every element and the selection.
func (s *Store) Clear(origin Origin) {
	s.elements = make(map[string]domain.Element)
	s.selection = nil
	s.pendingSelect = make(map[string]struct{})
	s.publish(Change{Kind: ChangeReset, Origin: origin})
}

func paintsBefore(a, b domain.Element) bool {
	if a.Z != b.Z {
		return a.Z < b.Z
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
