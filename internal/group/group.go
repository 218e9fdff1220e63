package group

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"whiteboard/internal/board"
	"whiteboard/internal/domain"
	"whiteboard/internal/protocol"
)

var (
	ErrTooFewMembers  = errors.New("a group needs at least two distinct elements")
	ErrUnknownElement = errors.New("element not found")
	ErrPendingElement = errors.New("element is not confirmed yet")
	ErrAlreadyGrouped = errors.New("element already belongs to a group")
	ErrNotFound       = errors.New("group not found")
	ErrPending        = errors.New("group is not confirmed yet")
)

// Sender delivers a request to the authority.
type Sender interface {
	Send(t protocol.Type, payload any) error
}

// ValidateMembers checks a proposed membership list: at least two distinct
// ids, each existing, canonical and not yet grouped. It returns the distinct
// ids in their original order.
func ValidateMembers(ids []string, exists, grouped func(id string) bool) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) < 2 {
		return nil, ErrTooFewMembers
	}
	for _, id := range out {
		switch {
		case domain.IsTempID(id):
			return nil, fmt.Errorf("%s: %w", id, ErrPendingElement)
		case !exists(id):
			return nil, fmt.Errorf("%s: %w", id, ErrUnknownElement)
		case grouped(id):
			return nil, fmt.Errorf("%s: %w", id, ErrAlreadyGrouped)
		}
	}
	return out, nil
}

type bounds struct {
	x, y, w, h float64
	valid      bool
}

// Manager tracks groups for one board session. Membership is functional:
// an element belongs to at most one group, pending or confirmed.
type Manager struct {
	store  *board.Store
	sender Sender
	log    *zap.SugaredLogger
	now    func() time.Time

	groups    map[string]domain.Group
	byElement map[string]string
	bounds    map[string]bounds

	unsubscribe func()
}

type Option func(*Manager)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager subscribes to store so membership and cached bounds follow
// element removals and edits.
func NewManager(store *board.Store, sender Sender, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		sender:    sender,
		log:       zap.NewNop().Sugar(),
		now:       time.Now,
		groups:    make(map[string]domain.Group),
		byElement: make(map[string]string),
		bounds:    make(map[string]bounds),
	}
	for _, o := range opts {
		o(m)
	}
	m.unsubscribe = store.Subscribe(m.onChange)
	return m
}

// Close detaches the manager from the store.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

func (m *Manager) onChange(c board.Change) {
	switch c.Kind {
	case board.ChangeRemove:
		m.ElementRemoved(c.ID)
	case board.ChangeUpdate:
		if gid, ok := m.byElement[c.ID]; ok {
			delete(m.bounds, gid)
		}
	case board.ChangeReset:
		m.prune()
	}
}

// prune drops members that no longer exist after a store reset.
func (m *Manager) prune() {
	for id := range m.byElement {
		if !m.store.Has(id) {
			m.ElementRemoved(id)
		}
	}
	m.bounds = make(map[string]bounds)
}

// Create validates ids, registers a pending group under a temp id and sends
// createGroup. The group becomes canonical in ApplyCreated.
func (m *Manager) Create(ids []string) (string, error) {
	members, err := ValidateMembers(ids, m.store.Has, func(id string) bool {
		_, ok := m.byElement[id]
		return ok
	})
	if err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}
	tempID := domain.NewTempID(m.now())
	m.add(domain.Group{ID: tempID, ElementIDs: members})
	m.send(protocol.TypeCreateGroup, protocol.CreateGroup{TempID: tempID, ElementIDs: members})
	return tempID, nil
}

// ApplyCreated handles groupCreated. A known temp id is replaced by the
// canonical group; a redelivered confirmation is a no-op; a foreign group is
// added, taking its members from whatever group held them before.
func (m *Manager) ApplyCreated(g domain.Group, tempID string) {
	if _, ok := m.groups[g.ID]; ok {
		if tempID != "" {
			m.remove(tempID)
		}
		return
	}
	if tempID != "" {
		if _, ok := m.groups[tempID]; ok {
			m.remove(tempID)
			m.log.Debugf("[group] confirm %s -> %s", tempID, g.ID)
		}
	}
	for _, id := range g.ElementIDs {
		if prev, ok := m.byElement[id]; ok {
			m.dropMember(prev, id)
		}
	}
	m.add(g)
}

// Ungroup dissolves a confirmed group locally and asks the authority to do the same.
func (m *Manager) Ungroup(id string) error {
	if err := m.confirmed(id); err != nil {
		return fmt.Errorf("ungroup: %w", err)
	}
	m.remove(id)
	m.send(protocol.TypeUngroupElements, protocol.Ref{ID: id})
	return nil
}

// ApplyUngrouped handles groupUngrouped. Unknown ids are ignored.
// Reject drops a temp group the authority refused to create.
func (m *Manager) Reject(tempID string) bool {
	if !domain.IsTempID(tempID) {
		return false
	}
	return m.remove(tempID)
}

func (m *Manager) ApplyUngrouped(id string) {
	if !m.remove(id) {
		m.log.Debugf("[group] ungroup for unknown group %s", id)
	}
}

// Move translates every unlocked member by (dx, dy) and sends moveGroup.
func (m *Manager) Move(id string, dx, dy float64) error {
	if err := m.confirmed(id); err != nil {
		return fmt.Errorf("move group: %w", err)
	}
	for _, eid := range m.groups[id].ElementIDs {
		_ = m.store.Mutate(eid, board.OriginLocal, func(e *domain.Element) {
			if e.Locked() {
				return
			}
			e.X += dx
			e.Y += dy
		})
	}
	m.send(protocol.TypeMoveGroup, protocol.MoveGroup{ID: id, DX: dx, DY: dy})
	return nil
}

// ApplyMoved writes the absolute member positions from groupMoved.
func (m *Manager) ApplyMoved(ev protocol.GroupMoved) {
	for _, p := range ev.Positions {
		if err := m.store.Mutate(p.ID, board.OriginRemote, func(e *domain.Element) {
			e.X, e.Y = p.X, p.Y
		}); err != nil {
			m.log.Debugf("[group] move for unknown element %s", p.ID)
		}
	}
}

// Delete removes the group and all of its members, then sends deleteGroup.
func (m *Manager) Delete(id string) error {
	if err := m.confirmed(id); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	members := append([]string(nil), m.groups[id].ElementIDs...)
	m.remove(id)
	for _, eid := range members {
		m.store.Remove(eid, board.OriginLocal)
	}
	m.send(protocol.TypeDeleteGroup, protocol.Ref{ID: id})
	return nil
}

// ApplyDeleted handles groupDeleted; every listed element is removed too.
func (m *Manager) ApplyDeleted(ev protocol.GroupDeleted) {
	m.remove(ev.ID)
	for _, eid := range ev.ElementIDs {
		m.store.Remove(eid, board.OriginRemote)
	}
}

// GroupOf returns the group holding elementID.
func (m *Manager) GroupOf(elementID string) (string, bool) {
	id, ok := m.byElement[elementID]
	return id, ok
}

// Get returns a copy of the group.
func (m *Manager) Get(id string) (domain.Group, bool) {
	g, ok := m.groups[id]
	if !ok {
		return domain.Group{}, false
	}
	g.ElementIDs = append([]string(nil), g.ElementIDs...)
	return g, true
}

// Groups returns every group sorted by id.
func (m *Manager) Groups() []domain.Group {
	out := make([]domain.Group, 0, len(m.groups))
	for id := range m.groups {
		g, _ := m.Get(id)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bounds is the union of the members' normalised boxes. Results are cached
// until a member changes.
func (m *Manager) Bounds(id string) (x, y, w, h float64, ok bool) {
	g, exists := m.groups[id]
	if !exists {
		return 0, 0, 0, 0, false
	}
	if b, hit := m.bounds[id]; hit && b.valid {
		return b.x, b.y, b.w, b.h, true
	}
	first := true
	var minX, minY, maxX, maxY float64
	for _, eid := range g.ElementIDs {
		e, found := m.store.Get(eid)
		if !found {
			continue
		}
		ex, ey, ew, eh := e.Bounds()
		if first {
			minX, minY, maxX, maxY = ex, ey, ex+ew, ey+eh
			first = false
			continue
		}
		if ex < minX {
			minX = ex
		}
		if ey < minY {
			minY = ey
		}
		if ex+ew > maxX {
			maxX = ex + ew
		}
		if ey+eh > maxY {
			maxY = ey + eh
		}
	}
	if first {
		return 0, 0, 0, 0, false
	}
	b := bounds{x: minX, y: minY, w: maxX - minX, h: maxY - minY, valid: true}
	m.bounds[id] = b
	return b.x, b.y, b.w, b.h, true
}

// ElementRemoved drops elementID from its group; a group left with fewer
// than two members dissolves.
func (m *Manager) ElementRemoved(elementID string) {
	gid, ok := m.byElement[elementID]
	if !ok {
		return
	}
	m.dropMember(gid, elementID)
}

// Clear forgets every group.
func (m *Manager) Clear() {
	m.groups = make(map[string]domain.Group)
	m.byElement = make(map[string]string)
	m.bounds = make(map[string]bounds)
}

func (m *Manager) confirmed(id string) error {
	if _, ok := m.groups[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if domain.IsTempID(id) {
		return fmt.Errorf("%s: %w", id, ErrPending)
	}
	return nil
}

func (m *Manager) add(g domain.Group) {
	g.ElementIDs = append([]string(nil), g.ElementIDs...)
	m.groups[g.ID] = g
	for _, eid := range g.ElementIDs {
		m.byElement[eid] = g.ID
	}
	delete(m.bounds, g.ID)
}

func (m *Manager) remove(id string) bool {
	g, ok := m.groups[id]
	if !ok {
		return false
	}
	for _, eid := range g.ElementIDs {
		if m.byElement[eid] == id {
			delete(m.byElement, eid)
		}
	}
	delete(m.groups, id)
	delete(m.bounds, id)
	return true
}

func (m *Manager) dropMember(gid, elementID string) {
	g, ok := m.groups[gid]
	if !ok {
		delete(m.byElement, elementID)
		return
	}
	kept := make([]string, 0, len(g.ElementIDs))
	for _, id := range g.ElementIDs {
		if id != elementID {
			kept = append(kept, id)
		}
	}
	delete(m.byElement, elementID)
	if len(kept) < 2 {
		m.remove(gid)
		m.log.Debugf("[group] %s dissolved after losing %s", gid, elementID)
		return
	}
	g.ElementIDs = kept
	m.groups[gid] = g
	delete(m.bounds, gid)
}

func (m *Manager) send(t protocol.Type, payload any) {
	if m.sender == nil {
		return
	}
	if err := m.sender.Send(t, payload); err != nil {
		m.log.Warnf("[group] send %s: %v", t, err)
	}
}
