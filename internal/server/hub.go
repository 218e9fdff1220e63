package server

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"whiteboard/internal/domain"
	"whiteboard/internal/group"
	"whiteboard/internal/protocol"
)

var (
	ErrUnknownElement = errors.New("element not found")
	ErrUnknownGroup   = errors.New("group not found")
	ErrLocked         = errors.New("element is locked")
	ErrNotLine        = errors.New("element is not a line")
	ErrInvalidRequest = errors.New("invalid request")
)

const participantBuffer = 256

// Persistence is where a hub writes every confirmed change. Nil stores keep
// the board in memory only.
type Persistence struct {
	Elements domain.ElementStore
	Groups   domain.GroupStore
	Boards   domain.BoardStore
}

type cursorPublisher interface {
	Publish(env protocol.Envelope)
}

type participant struct {
	id     string
	name   string
	joined bool
	send   chan []byte
}

func newParticipant(name string) *participant {
	return &participant{id: uuid.NewString(), name: name, send: make(chan []byte, participantBuffer)}
}

type request struct {
	from *participant
	env  protocol.Envelope
}

type boardSnapshot struct {
	elements []domain.Element
	groups   []domain.Group
}

// Hub is the authority for one board. A single goroutine owns the board
// state and the participant set; everything else talks to it over channels.
// Every accepted request is broadcast to all participants, the sender
// included, so each client converges on the same canonical state.
type Hub struct {
	boardID string
	log     *zap.SugaredLogger
	store   Persistence
	relay   cursorPublisher
	clock   *domain.Clock

	elements     map[string]domain.Element
	groups       map[string]domain.Group
	byElement    map[string]string
	participants map[*participant]struct{}

	register   chan *participant
	unregister chan *participant
	requests   chan request
	relayed    chan protocol.Envelope
	snapshots  chan chan boardSnapshot
	stop       chan struct{}
	done       chan struct{}
}

func newHub(boardID string, store Persistence, relay cursorPublisher, log *zap.SugaredLogger, now func() time.Time) (*Hub, error) {
	h := &Hub{
		boardID:      boardID,
		log:          log,
		store:        store,
		relay:        relay,
		clock:        domain.NewClock(now),
		elements:     make(map[string]domain.Element),
		groups:       make(map[string]domain.Group),
		byElement:    make(map[string]string),
		participants: make(map[*participant]struct{}),
		register:     make(chan *participant),
		unregister:   make(chan *participant),
		requests:     make(chan request, 64),
		relayed:      make(chan protocol.Envelope, 64),
		snapshots:    make(chan chan boardSnapshot),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	go h.run()
	return h, nil
}

func (h *Hub) load() error {
	if h.store.Boards != nil {
		if _, err := h.store.Boards.EnsureBoard(h.boardID); err != nil {
			return fmt.Errorf("load board %s: %w", h.boardID, err)
		}
	}
	if h.store.Elements != nil {
		els, err := h.store.Elements.ListElements(h.boardID)
		if err != nil {
			return fmt.Errorf("load board %s: %w", h.boardID, err)
		}
		for _, e := range els {
			h.elements[e.ID] = e
			h.clock.Observe(e.CreatedAt)
		}
	}
	if h.store.Groups != nil {
		gs, err := h.store.Groups.ListGroups(h.boardID)
		if err != nil {
			return fmt.Errorf("load groups %s: %w", h.boardID, err)
		}
		for _, g := range gs {
			h.addGroup(g)
		}
	}
	h.log.Debugf("[hub] %s loaded: %d elements, %d groups", h.boardID, len(h.elements), len(h.groups))
	return nil
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case p := <-h.register:
			h.participants[p] = struct{}{}
			h.log.Debugf("[hub] %s: participant registered (%d)", h.boardID, len(h.participants))
		case p := <-h.unregister:
			if _, ok := h.participants[p]; !ok {
				continue
			}
			delete(h.participants, p)
			close(p.send)
			if p.joined {
				h.broadcast(protocol.TypeUserLeft, protocol.UserLeft{ParticipantID: p.id}, p)
			}
			h.log.Debugf("[hub] %s: participant %s left (%d)", h.boardID, p.id, len(h.participants))
		case req := <-h.requests:
			h.handle(req.from, req.env)
		case env := <-h.relayed:
			h.forward(env, nil)
		case reply := <-h.snapshots:
			reply <- h.snapshot()
		case <-h.stop:
			for p := range h.participants {
				close(p.send)
			}
			return
		}
	}
}

// ── Channel API ────────────────────────────────────────────

func (h *Hub) join(p *participant) bool {
	select {
	case h.register <- p:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(p *participant) {
	select {
	case h.unregister <- p:
	case <-h.done:
	}
}

func (h *Hub) submit(p *participant, env protocol.Envelope) bool {
	select {
	case h.requests <- request{from: p, env: env}:
		return true
	case <-h.done:
		return false
	}
}

// deliverRelayed fans a cursor frame from another instance out to local
// participants. It drops the frame rather than block the relay.
func (h *Hub) deliverRelayed(env protocol.Envelope) {
	select {
	case h.relayed <- env:
	default:
	}
}

// Snapshot returns the board's elements in paint order and its groups.
func (h *Hub) Snapshot() ([]domain.Element, []domain.Group, error) {
	reply := make(chan boardSnapshot, 1)
	select {
	case h.snapshots <- reply:
	case <-h.done:
		return nil, nil, fmt.Errorf("board %s is closed", h.boardID)
	}
	snap := <-reply
	return snap.elements, snap.groups, nil
}

// Close stops the hub and disconnects its participants.
func (h *Hub) Close() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	<-h.done
}

func (h *Hub) snapshot() boardSnapshot {
	els := make([]domain.Element, 0, len(h.elements))
	for _, e := range h.elements {
		els = append(els, e.Clone())
	}
	sort.Slice(els, func(i, j int) bool {
		a, b := els[i], els[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
	gs := make([]domain.Group, 0, len(h.groups))
	for _, g := range h.groups {
		gs = append(gs, domain.Group{ID: g.ID, BoardID: g.BoardID, ElementIDs: append([]string(nil), g.ElementIDs...)})
	}
	sort.Slice(gs, func(i, j int) bool { return gs[i].ID < gs[j].ID })
	return boardSnapshot{elements: els, groups: gs}
}

// ── Fan-out ────────────────────────────────────────────────

func (h *Hub) encode(t protocol.Type, payload any) ([]byte, bool) {
	env, err := protocol.New(t, h.boardID, payload)
	if err != nil {
		h.log.Errorf("[hub] encode %s: %v", t, err)
		return nil, false
	}
	data, err := env.Marshal()
	if err != nil {
		h.log.Errorf("[hub] encode %s: %v", t, err)
		return nil, false
	}
	return data, true
}

func (h *Hub) deliver(p *participant, data []byte) {
	select {
	case p.send <- data:
	default:
		// slow consumer
		h.log.Warnf("[hub] %s: dropping participant %s, send buffer full", h.boardID, p.id)
		delete(h.participants, p)
		close(p.send)
	}
}

func (h *Hub) reply(p *participant, t protocol.Type, payload any) {
	if data, ok := h.encode(t, payload); ok {
		if _, live := h.participants[p]; live {
			h.deliver(p, data)
		}
	}
}

// broadcast sends to every participant except skip (nil for everyone).
func (h *Hub) broadcast(t protocol.Type, payload any, skip *participant) {
	data, ok := h.encode(t, payload)
	if !ok {
		return
	}
	for p := range h.participants {
		if p != skip {
			h.deliver(p, data)
		}
	}
}

func (h *Hub) forward(env protocol.Envelope, skip *participant) {
	data, err := env.Marshal()
	if err != nil {
		return
	}
	for p := range h.participants {
		if p != skip {
			h.deliver(p, data)
		}
	}
}

func (h *Hub) persist(what string, fn func() error) {
	if err := fn(); err != nil {
		h.log.Warnf("[hub] %s: persist %s: %v", h.boardID, what, err)
		return
	}
	if h.store.Boards != nil {
		if err := h.store.Boards.TouchBoard(h.boardID); err != nil {
			h.log.Debugf("[hub] touch board %s: %v", h.boardID, err)
		}
	}
}

func (h *Hub) saveElement(e domain.Element) {
	if h.store.Elements == nil {
		return
	}
	h.persist("element "+e.ID, func() error { return h.store.Elements.UpdateElement(&e) })
}

// ── Requests ───────────────────────────────────────────────

func (h *Hub) handle(p *participant, env protocol.Envelope) {
	ref, err := h.apply(p, env)
	if err != nil {
		h.log.Debugf("[hub] %s: reject %s %s: %v", h.boardID, env.Type, ref, err)
		h.reply(p, protocol.TypeError, protocol.Error{Request: env.Type, Ref: ref, Message: err.Error()})
	}
}

func decode[T any](env protocol.Envelope) (T, error) {
	v, err := protocol.Decode[T](env)
	if err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return v, nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (h *Hub) editable(id string) (domain.Element, error) {
	e, ok := h.elements[id]
	if !ok {
		return domain.Element{}, ErrUnknownElement
	}
	if e.Locked() {
		return domain.Element{}, ErrLocked
	}
	return e, nil
}

func (h *Hub) maxZ() (int, bool) {
	z, ok := 0, false
	for _, e := range h.elements {
		if !ok || e.Z > z {
			z, ok = e.Z, true
		}
	}
	return z, ok
}

func (h *Hub) minZ() (int, bool) {
	z, ok := 0, false
	for _, e := range h.elements {
		if !ok || e.Z < z {
			z, ok = e.Z, true
		}
	}
	return z, ok
}

// apply validates and applies one request. The returned ref names the
// element or group the request was about, for error replies.
func (h *Hub) apply(p *participant, env protocol.Envelope) (string, error) {
	switch env.Type {
	case protocol.TypeJoin:
		req, err := protocol.Decode[protocol.Join](env)
		if err == nil && req.ParticipantID != "" {
			p.id = req.ParticipantID
		}
		if req.Name != "" {
			p.name = req.Name
		}
		p.joined = true
		h.reply(p, protocol.TypeJoined, protocol.Joined{ParticipantID: p.id, Participants: h.roster()})
		h.log.Infof("[hub] %s: %s (%s) joined", h.boardID, p.name, p.id)
		return "", nil

	case protocol.TypeCreateElement:
		req, err := decode[protocol.CreateElement](env)
		if err != nil {
			return "", err
		}
		return req.TempID, h.createElement(req)

	case protocol.TypeMoveElement:
		req, err := decode[protocol.Move](env)
		if err != nil {
			return "", err
		}
		if !finite(req.X, req.Y) {
			return req.ID, ErrInvalidRequest
		}
		e, err := h.editable(req.ID)
		if err != nil {
			return req.ID, err
		}
		e.X, e.Y = req.X, req.Y
		h.elements[e.ID] = e
		h.saveElement(e)
		h.broadcast(protocol.TypeElementMoved, req, nil)
		return req.ID, nil

	case protocol.TypeResizeElement:
		req, err := decode[protocol.Resize](env)
		if err != nil {
			return "", err
		}
		if !finite(req.X, req.Y, req.Width, req.Height) {
			return req.ID, ErrInvalidRequest
		}
		e, err := h.editable(req.ID)
		if err != nil {
			return req.ID, err
		}
		e.X, e.Y, e.Width, e.Height = req.X, req.Y, req.Width, req.Height
		e.Normalize()
		h.elements[e.ID] = e
		h.saveElement(e)
		h.broadcast(protocol.TypeElementResized, protocol.Resize{ID: e.ID, X: e.X, Y: e.Y, Width: e.Width, Height: e.Height}, nil)
		return req.ID, nil

	case protocol.TypeUpdateLineEndpoints:
		req, err := decode[protocol.LineEndpoints](env)
		if err != nil {
			return "", err
		}
		if !finite(req.X1, req.Y1, req.X2, req.Y2) {
			return req.ID, ErrInvalidRequest
		}
		e, err := h.editable(req.ID)
		if err != nil {
			return req.ID, err
		}
		if !e.Type.LineLike() {
			return req.ID, ErrNotLine
		}
		e.SetEndpoints(req.X1, req.Y1, req.X2, req.Y2)
		h.elements[e.ID] = e
		h.saveElement(e)
		h.broadcast(protocol.TypeLineEndpointsUpdated, req, nil)
		return req.ID, nil

	case protocol.TypeUpdateStyle:
		req, err := decode[protocol.Style](env)
		if err != nil {
			return "", err
		}
		e, err := h.editable(req.ID)
		if err != nil {
			return req.ID, err
		}
		e.ApplyStyle(req.Style)
		h.elements[e.ID] = e
		h.saveElement(e)
		h.broadcast(protocol.TypeElementStyleUpdated, req, nil)
		return req.ID, nil

	case protocol.TypeUpdateContent:
		req, err := decode[protocol.Content](env)
		if err != nil {
			return "", err
		}
		e, err := h.editable(req.ID)
		if err != nil {
			return req.ID, err
		}
		// the lock flag has its own request
		delete(req.Data, domain.DataLocked)
		e.ApplyContent(req.Data)
		h.elements[e.ID] = e
		h.saveElement(e)
		h.broadcast(protocol.TypeElementContentUpdated, req, nil)
		return req.ID, nil

	case protocol.TypeLockElement:
		req, err := decode[protocol.Lock](env)
		if err != nil {
			return "", err
		}
		e, ok := h.elements[req.ID]
		if !ok {
			return req.ID, ErrUnknownElement
		}
		e.SetLocked(req.Locked)
		h.elements[e.ID] = e
		h.saveElement(e)
		h.broadcast(protocol.TypeElementLockUpdated, req, nil)
		return req.ID, nil

	case protocol.TypeBringToFront, protocol.TypeSendToBack:
		req, err := decode[protocol.Ref](env)
		if err != nil {
			return "", err
		}
		e, ok := h.elements[req.ID]
		if !ok {
			return req.ID, ErrUnknownElement
		}
		if env.Type == protocol.TypeBringToFront {
			z, _ := h.maxZ()
			e.Z = z + 1
		} else {
			z, _ := h.minZ()
			e.Z = z - 1
		}
		h.elements[e.ID] = e
		h.saveElement(e)
		h.broadcast(protocol.TypeElementZIndexUpdated, protocol.ZIndex{ID: e.ID, Z: e.Z}, nil)
		return req.ID, nil

	case protocol.TypeDeleteElement:
		req, err := decode[protocol.Ref](env)
		if err != nil {
			return "", err
		}
		if _, ok := h.elements[req.ID]; !ok {
			return req.ID, ErrUnknownElement
		}
		h.deleteElement(req.ID)
		h.broadcast(protocol.TypeElementDeleted, req, nil)
		return req.ID, nil

	case protocol.TypeCursorUpdate:
		req, err := decode[protocol.Cursor](env)
		if err != nil {
			return "", err
		}
		if !finite(req.X, req.Y) {
			return "", ErrInvalidRequest
		}
		req.ParticipantID, req.Name = p.id, p.name
		out, err := protocol.New(protocol.TypeCursorUpdated, h.boardID, req)
		if err != nil {
			return "", err
		}
		h.forward(out, p)
		if h.relay != nil {
			h.relay.Publish(out)
		}
		return "", nil

	case protocol.TypeClearBoard:
		h.elements = make(map[string]domain.Element)
		h.groups = make(map[string]domain.Group)
		h.byElement = make(map[string]string)
		if h.store.Elements != nil {
			h.persist("clear elements", func() error { return h.store.Elements.DeleteElementsByBoard(h.boardID) })
		}
		if h.store.Groups != nil {
			h.persist("clear groups", func() error { return h.store.Groups.DeleteGroupsByBoard(h.boardID) })
		}
		h.broadcast(protocol.TypeBoardCleared, nil, nil)
		h.log.Infof("[hub] %s cleared by %s", h.boardID, p.id)
		return "", nil

	case protocol.TypeCreateGroup:
		req, err := decode[protocol.CreateGroup](env)
		if err != nil {
			return "", err
		}
		return req.TempID, h.createGroup(req)

	case protocol.TypeUngroupElements:
		req, err := decode[protocol.Ref](env)
		if err != nil {
			return "", err
		}
		if !h.removeGroup(req.ID) {
			return req.ID, ErrUnknownGroup
		}
		h.broadcast(protocol.TypeGroupUngrouped, req, nil)
		return req.ID, nil

	case protocol.TypeMoveGroup:
		req, err := decode[protocol.MoveGroup](env)
		if err != nil {
			return "", err
		}
		if !finite(req.DX, req.DY) {
			return req.ID, ErrInvalidRequest
		}
		g, ok := h.groups[req.ID]
		if !ok {
			return req.ID, ErrUnknownGroup
		}
		positions := make([]protocol.Move, 0, len(g.ElementIDs))
		for _, id := range g.ElementIDs {
			e, ok := h.elements[id]
			if !ok {
				continue
			}
			if !e.Locked() {
				e.X += req.DX
				e.Y += req.DY
				h.elements[id] = e
				h.saveElement(e)
			}
			positions = append(positions, protocol.Move{ID: id, X: e.X, Y: e.Y})
		}
		h.broadcast(protocol.TypeGroupMoved, protocol.GroupMoved{ID: g.ID, Positions: positions}, nil)
		return req.ID, nil

	case protocol.TypeDeleteGroup:
		req, err := decode[protocol.Ref](env)
		if err != nil {
			return "", err
		}
		g, ok := h.groups[req.ID]
		if !ok {
			return req.ID, ErrUnknownGroup
		}
		members := append([]string(nil), g.ElementIDs...)
		h.removeGroup(g.ID)
		for _, id := range members {
			if _, ok := h.elements[id]; ok {
				h.deleteElement(id)
			}
		}
		h.broadcast(protocol.TypeGroupDeleted, protocol.GroupDeleted{ID: g.ID, ElementIDs: members}, nil)
		return req.ID, nil
	}
	return "", fmt.Errorf("%w: unsupported type %q", ErrInvalidRequest, env.Type)
}

func (h *Hub) roster() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(h.participants))
	for p := range h.participants {
		if p.joined {
			out = append(out, protocol.Participant{ID: p.id, Name: p.name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Hub) createElement(req protocol.CreateElement) error {
	e := req.Element.Clone()
	typ, err := domain.ParseElementType(string(e.Type))
	if err != nil {
		return err
	}
	if !finite(e.X, e.Y, e.Width, e.Height) {
		return ErrInvalidRequest
	}
	e.Type = typ
	e.ID = domain.NewCanonicalID()
	e.BoardID = h.boardID
	e.CreatedAt = h.clock.Next()
	e.TempID = req.TempID
	if z, ok := h.maxZ(); ok {
		e.Z = z + 1
	} else {
		e.Z = 0
	}
	e.Normalize()

	h.elements[e.ID] = e
	if h.store.Elements != nil {
		h.persist("element "+e.ID, func() error { return h.store.Elements.CreateElement(&e) })
	}
	h.broadcast(protocol.TypeElementAdded, protocol.ElementAdded{Element: e, TempID: req.TempID}, nil)
	return nil
}

// deleteElement removes an element and its group membership. A group left
// with fewer than two members is dissolved and announced.
func (h *Hub) deleteElement(id string) {
	delete(h.elements, id)
	if h.store.Elements != nil {
		h.persist("delete "+id, func() error { return h.store.Elements.DeleteElement(id) })
	}
	gid, ok := h.byElement[id]
	if !ok {
		return
	}
	delete(h.byElement, id)
	g := h.groups[gid]
	members := make([]string, 0, len(g.ElementIDs))
	for _, m := range g.ElementIDs {
		if m != id {
			members = append(members, m)
		}
	}
	if len(members) < 2 {
		h.removeGroup(gid)
		h.broadcast(protocol.TypeGroupUngrouped, protocol.Ref{ID: gid}, nil)
		return
	}
	g.ElementIDs = members
	h.groups[gid] = g
	if h.store.Groups != nil {
		h.persist("group "+gid, func() error { return h.store.Groups.UpdateGroup(&g) })
	}
}

func (h *Hub) createGroup(req protocol.CreateGroup) error {
	members, err := group.ValidateMembers(req.ElementIDs,
		func(id string) bool { _, ok := h.elements[id]; return ok },
		func(id string) bool { _, ok := h.byElement[id]; return ok },
	)
	if err != nil {
		return err
	}
	g := domain.Group{ID: domain.NewCanonicalID(), BoardID: h.boardID, ElementIDs: members}
	h.addGroup(g)
	if h.store.Groups != nil {
		h.persist("group "+g.ID, func() error { return h.store.Groups.CreateGroup(&g) })
	}
	h.broadcast(protocol.TypeGroupCreated, protocol.GroupCreated{Group: g, TempID: req.TempID}, nil)
	return nil
}

func (h *Hub) addGroup(g domain.Group) {
	h.groups[g.ID] = g
	for _, id := range g.ElementIDs {
		h.byElement[id] = g.ID
	}
}

func (h *Hub) removeGroup(id string) bool {
	g, ok := h.groups[id]
	if !ok {
		return false
	}
	delete(h.groups, id)
	for _, eid := range g.ElementIDs {
		if h.byElement[eid] == id {
			delete(h.byElement, eid)
		}
	}
	if h.store.Groups != nil {
		h.persist("delete group "+id, func() error { return h.store.Groups.DeleteGroup(id) })
	}
	return true
}
