package session

import (
	"fmt"

	"whiteboard/internal/board"
	"whiteboard/internal/domain"
	"whiteboard/internal/protocol"
)

// Handle applies one inbound event from the authority. Every change goes
// through the store with OriginRemote, so nothing here is re-broadcast or
// recorded in the undo history. A malformed payload is logged and dropped.
func (s *Session) Handle(env protocol.Envelope) {
	_ = s.run(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorf("[sync] panic handling %s: %v", env.Type, r)
				err = fmt.Errorf("handle %s: %v", env.Type, r)
			}
		}()
		if env.BoardID != "" && env.BoardID != s.cfg.BoardID {
			s.log.Debugf("[sync] drop %s for board %s", env.Type, env.BoardID)
			return nil
		}
		if err := s.dispatch(env); err != nil {
			s.log.Warnf("[sync] %v", err)
			return err
		}
		return nil
	})
}

func (s *Session) dispatch(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeJoined:
		ev, err := protocol.Decode[protocol.Joined](env)
		if err != nil {
			return err
		}
		s.emit(EventJoined, ev)

	case protocol.TypeElementAdded:
		ev, err := protocol.Decode[protocol.ElementAdded](env)
		if err != nil {
			return err
		}
		s.applyAdded(ev)

	case protocol.TypeElementMoved:
		ev, err := protocol.Decode[protocol.Move](env)
		if err != nil {
			return err
		}
		s.mutateRemote(ev.ID, func(e *domain.Element) { e.X, e.Y = ev.X, ev.Y })

	case protocol.TypeElementResized:
		ev, err := protocol.Decode[protocol.Resize](env)
		if err != nil {
			return err
		}
		s.mutateRemote(ev.ID, func(e *domain.Element) {
			e.X, e.Y, e.Width, e.Height = ev.X, ev.Y, ev.Width, ev.Height
		})

	case protocol.TypeElementStyleUpdated:
		ev, err := protocol.Decode[protocol.Style](env)
		if err != nil {
			return err
		}
		s.mutateRemote(ev.ID, func(e *domain.Element) { e.ApplyStyle(ev.Style) })

	case protocol.TypeElementContentUpdated:
		ev, err := protocol.Decode[protocol.Content](env)
		if err != nil {
			return err
		}
		s.mutateRemote(ev.ID, func(e *domain.Element) { e.ApplyContent(ev.Data) })

	case protocol.TypeElementDeleted:
		ev, err := protocol.Decode[protocol.Ref](env)
		if err != nil {
			return err
		}
		if !s.store.Remove(ev.ID, board.OriginRemote) {
			s.log.Debugf("[sync] delete for unknown element %s", ev.ID)
			// it may still be in a list being fetched
			s.trackRemoval(board.Change{Kind: board.ChangeRemove, ID: ev.ID, Origin: board.OriginRemote})
		}

	case protocol.TypeElementLockUpdated:
		ev, err := protocol.Decode[protocol.Lock](env)
		if err != nil {
			return err
		}
		s.mutateRemote(ev.ID, func(e *domain.Element) { e.SetLocked(ev.Locked) })

	case protocol.TypeElementZIndexUpdated:
		ev, err := protocol.Decode[protocol.ZIndex](env)
		if err != nil {
			return err
		}
		s.mutateRemote(ev.ID, func(e *domain.Element) { e.Z = ev.Z })

	case protocol.TypeElementsOrderUpdated:
		ev, err := protocol.Decode[protocol.Order](env)
		if err != nil {
			return err
		}
		s.store.ApplyOrder(ev.Order, board.OriginRemote)

	case protocol.TypeLineEndpointsUpdated:
		ev, err := protocol.Decode[protocol.LineEndpoints](env)
		if err != nil {
			return err
		}
		s.mutateRemote(ev.ID, func(e *domain.Element) { e.SetEndpoints(ev.X1, ev.Y1, ev.X2, ev.Y2) })

	case protocol.TypeCursorUpdated:
		ev, err := protocol.Decode[protocol.Cursor](env)
		if err != nil {
			return err
		}
		s.applyCursor(ev)

	case protocol.TypeBoardCleared:
		s.store.Clear(board.OriginRemote)
		s.groups.Clear()
		for _, p := range s.pending {
			p.deferred = nil
		}

	case protocol.TypeGroupCreated:
		ev, err := protocol.Decode[protocol.GroupCreated](env)
		if err != nil {
			return err
		}
		s.groups.ApplyCreated(ev.Group, ev.TempID)

	case protocol.TypeGroupUngrouped:
		ev, err := protocol.Decode[protocol.Ref](env)
		if err != nil {
			return err
		}
		s.groups.ApplyUngrouped(ev.ID)

	case protocol.TypeGroupMoved:
		ev, err := protocol.Decode[protocol.GroupMoved](env)
		if err != nil {
			return err
		}
		s.groups.ApplyMoved(ev)

	case protocol.TypeGroupDeleted:
		ev, err := protocol.Decode[protocol.GroupDeleted](env)
		if err != nil {
			return err
		}
		s.groups.ApplyDeleted(ev)

	case protocol.TypeUserLeft:
		ev, err := protocol.Decode[protocol.UserLeft](env)
		if err != nil {
			return err
		}
		delete(s.cursors, ev.ParticipantID)

	case protocol.TypeError:
		ev, err := protocol.Decode[protocol.Error](env)
		if err != nil {
			return err
		}
		s.log.Warnf("[sync] authority rejected %s %s: %s", ev.Request, ev.Ref, ev.Message)
		s.rollback(ev)
		s.emit(EventRemoteError, ev)

	default:
		s.log.Debugf("[sync] ignoring %s", env.Type)
	}
	return nil
}

// rollback undoes an optimistic creation the authority refused. Other
// rejected edits are left for the next resync.
func (s *Session) rollback(ev protocol.Error) {
	switch ev.Request {
	case protocol.TypeCreateElement:
		if _, ok := s.pending[ev.Ref]; !ok {
			return
		}
		delete(s.pending, ev.Ref)
		s.store.Remove(ev.Ref, board.OriginRemote)
		s.log.Debugf("[sync] rolled back creation %s", ev.Ref)
	case protocol.TypeCreateGroup:
		if s.groups.Reject(ev.Ref) {
			s.log.Debugf("[sync] rolled back group %s", ev.Ref)
		}
	}
}

func (s *Session) mutateRemote(id string, fn func(*domain.Element)) {
	if err := s.store.Mutate(id, board.OriginRemote, fn); err != nil {
		s.log.Debugf("[sync] %v", err)
	}
}

// applyAdded handles a creation confirmation. Our own temp id is remapped
// atomically; anything else is inserted only if absent, which makes repeated
// confirmations harmless.
func (s *Session) applyAdded(ev protocol.ElementAdded) {
	el := ev.Element
	if el.ID == "" {
		s.log.Debugf("[sync] elementAdded without id")
		return
	}
	s.clock.Observe(el.CreatedAt)

	p, ours := s.pending[ev.TempID]
	if ev.TempID == "" || !ours {
		s.store.InsertIfAbsent(el, board.OriginRemote)
		return
	}

	delete(s.pending, ev.TempID)
	s.history.RemapID(ev.TempID, el)
	s.queueRemap(ev.TempID, el.ID)

	if p.deleteOnAck {
		s.store.Remove(ev.TempID, board.OriginRemote)
		_ = s.send(protocol.TypeDeleteElement, protocol.Ref{ID: el.ID})
		s.log.Debugf("[sync] confirm %s -> %s, sending parked delete", ev.TempID, el.ID)
		return
	}

	record := el
	if len(p.deferred) > 0 {
		// keep the local edits; the deferred requests bring the authority up to date
		if local, ok := s.store.Get(ev.TempID); ok {
			local.ID, local.BoardID, local.Z, local.CreatedAt = el.ID, el.BoardID, el.Z, el.CreatedAt
			record = local
		}
	}
	_ = s.store.Remap(ev.TempID, record, board.OriginRemote)
	s.log.Debugf("[sync] confirm %s -> %s", ev.TempID, el.ID)

	for _, build := range p.deferred {
		t, payload := build(el.ID)
		_ = s.send(t, payload)
	}
}
