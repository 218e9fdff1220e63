package session

import (
	"fmt"
	"sort"
	"time"

	"whiteboard/internal/protocol"
	"whiteboard/internal/viewport"
)

// Cursor is another participant's pointer in world coordinates.
type Cursor struct {
	ParticipantID string
	Name          string
	X, Y          float64
	SeenAt        time.Time
}

// MoveCursor broadcasts the local pointer. The screen point is converted
// with a single viewport snapshot. Updates closer together than
// CursorInterval are dropped; the return value reports whether one was sent.
func (s *Session) MoveCursor(screen viewport.Point) (bool, error) {
	world, err := s.view.ScreenToWorld(screen)
	if err != nil {
		return false, fmt.Errorf("cursor: %w", err)
	}
	sent := false
	err = s.run(func() error {
		now := s.cfg.Now()
		if !s.lastCursor.IsZero() && now.Sub(s.lastCursor) < s.cfg.CursorInterval {
			return nil
		}
		s.lastCursor = now
		sent = true
		return s.send(protocol.TypeCursorUpdate, protocol.Cursor{
			ParticipantID: s.cfg.ParticipantID,
			Name:          s.cfg.ParticipantName,
			X:             world.X,
			Y:             world.Y,
		})
	})
	return sent, err
}

func (s *Session) applyCursor(c protocol.Cursor) {
	if c.ParticipantID == "" || c.ParticipantID == s.cfg.ParticipantID {
		return
	}
	if !finite(c.X, c.Y) {
		return
	}
	s.cursors[c.ParticipantID] = Cursor{
		ParticipantID: c.ParticipantID,
		Name:          c.Name,
		X:             c.X,
		Y:             c.Y,
		SeenAt:        s.cfg.Now(),
	}
}

// Cursors returns live remote cursors sorted by participant id. Entries
// older than CursorTTL are dropped.
func (s *Session) Cursors() []Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Now()
	out := make([]Cursor, 0, len(s.cursors))
	for id, c := range s.cursors {
		if now.Sub(c.SeenAt) > s.cfg.CursorTTL {
			delete(s.cursors, id)
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// SetCursorTTL changes the expiry for remote cursors, e.g. on config reload.
func (s *Session) SetCursorTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.CursorTTL = ttl
	s.mu.Unlock()
}
