package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff"

	"whiteboard/internal/board"
	"whiteboard/internal/domain"
	"whiteboard/internal/protocol"
)

var ErrNoLoader = errors.New("session has no loader")

// Join announces the participant, re-sends creations that never reached the
// authority and resyncs the board. Call it on every (re)connect.
func (s *Session) Join(ctx context.Context) error {
	_ = s.run(func() error {
		_ = s.send(protocol.TypeJoin, protocol.Join{
			ParticipantID: s.cfg.ParticipantID,
			Name:          s.cfg.ParticipantName,
		})
		s.resendUnsent()
		return nil
	})
	return s.Resync(ctx)
}

// resendUnsent retries createElement for pending elements whose first send
// failed. The current local record is sent, so edits made meanwhile are
// included and their deferred requests are dropped.
func (s *Session) resendUnsent() {
	for id, p := range s.pending {
		if !p.unsent {
			continue
		}
		current, ok := s.store.Get(id)
		if !ok || p.deleteOnAck {
			// the authority never heard of it
			delete(s.pending, id)
			continue
		}
		frame := protocol.CreateElement{TempID: id, Element: current}
		if err := s.send(protocol.TypeCreateElement, frame); err != nil {
			continue
		}
		p.unsent = false
		p.deferred = nil
	}
}

// Resync loads the authority's elements (and groups, when the loader
// supports it) and inserts every one that is missing locally. Existing
// records are left alone and nothing is purged, so pending local creations
// survive. Load failures are retried with exponential backoff; when the
// attempts run out a resync:failed warning is emitted and the store is left
// untouched.
func (s *Session) Resync(ctx context.Context) error {
	if s.loader == nil {
		return ErrNoLoader
	}
	_ = s.run(func() error {
		s.resyncs++
		if s.tombstones == nil {
			s.tombstones = make(map[string]struct{})
		}
		return nil
	})
	defer func() {
		_ = s.run(func() error {
			s.resyncs--
			if s.resyncs == 0 {
				s.tombstones = nil
				s.cleared = false
			}
			return nil
		})
	}()
	var (
		elements []domain.Element
		groups   []domain.Group
		attempts int
	)
	load := func() error {
		attempts++
		els, err := s.loader.LoadBoardElements(ctx, s.cfg.BoardID)
		if err != nil {
			s.log.Warnf("[sync] load board %s (attempt %d): %v", s.cfg.BoardID, attempts, err)
			return err
		}
		var gs []domain.Group
		if gl, ok := s.loader.(GroupLoader); ok {
			if gs, err = gl.LoadBoardGroups(ctx, s.cfg.BoardID); err != nil {
				s.log.Warnf("[sync] load groups %s (attempt %d): %v", s.cfg.BoardID, attempts, err)
				return err
			}
		}
		elements, groups = els, gs
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.ResyncInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.cfg.ResyncAttempts-1)), ctx)

	if err := backoff.Retry(load, policy); err != nil {
		s.log.Warnf("[sync] resync %s gave up after %d attempts: %v", s.cfg.BoardID, attempts, err)
		s.cfg.Emitter.Emit(ctx, EventResyncFailed, map[string]any{
			"boardId":  s.cfg.BoardID,
			"attempts": attempts,
			"error":    err.Error(),
		})
		return fmt.Errorf("resync %s: %w", s.cfg.BoardID, err)
	}

	return s.run(func() error {
		added, stale := 0, 0
		for _, e := range elements {
			if s.removedSinceFetch(e.ID) {
				stale++
				continue
			}
			s.clock.Observe(e.CreatedAt)
			if _, ours := s.pending[e.TempID]; ours && e.TempID != "" {
				// our creation whose elementAdded never arrived
				s.applyAdded(protocol.ElementAdded{Element: e, TempID: e.TempID})
				added++
				continue
			}
			if s.store.InsertIfAbsent(e, board.OriginRemote) {
				added++
			}
		}
	groups:
		for _, g := range groups {
			for _, id := range g.ElementIDs {
				if s.removedSinceFetch(id) {
					continue groups
				}
			}
			s.groups.ApplyCreated(g, "")
		}
		s.log.Infof("[sync] resync %s: %d loaded, %d new, %d stale", s.cfg.BoardID, len(elements), added, stale)
		s.emit(EventResynced, map[string]any{"boardId": s.cfg.BoardID, "loaded": len(elements), "added": added})
		return nil
	})
}

// trackRemoval records removals made while a resync fetch is in flight.
// Undo and redo replays are local-only and do not count.
func (s *Session) trackRemoval(c board.Change) {
	if s.resyncs == 0 || c.Origin == board.OriginReplay {
		return
	}
	switch c.Kind {
	case board.ChangeRemove:
		s.tombstones[c.ID] = struct{}{}
	case board.ChangeReset:
		s.cleared = true
	}
}

func (s *Session) removedSinceFetch(id string) bool {
	if s.cleared {
		return true
	}
	_, ok := s.tombstones[id]
	return ok
}
