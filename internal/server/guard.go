package server

import (
	"context"
	"sync"
	"time"
)

// ─────────────────────────────────────────────────────────────
// connGuard: live websocket connections per board
// ─────────────────────────────────────────────────────────────

// connGuard counts open connections per board and remembers when each board
// went idle, so housekeeping never evicts a hub that is gaining a participant.
// WaitAll lets shutdown drain every connection.
type connGuard struct {
	mu     sync.Mutex
	active map[string]int
	idle   map[string]time.Time
	wg     sync.WaitGroup
}

// Acquire marks one more connection on boardID.
func (g *connGuard) Acquire(boardID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		g.active = make(map[string]int)
		g.idle = make(map[string]time.Time)
	}
	g.active[boardID]++
	delete(g.idle, boardID)
	g.wg.Add(1)
}

// Release drops one connection. Must be called once per Acquire.
func (g *connGuard) Release(boardID string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[boardID]--
	if g.active[boardID] <= 0 {
		delete(g.active, boardID)
		g.idle[boardID] = now
	}
	g.wg.Done()
}

// Active returns the number of open connections on boardID.
func (g *connGuard) Active(boardID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[boardID]
}

// IdleSince reports when boardID lost its last connection. Boards that
// never had one report false.
func (g *connGuard) IdleSince(boardID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.idle[boardID]
	return t, ok
}

// MarkIdle starts the idle clock for a board opened without a connection,
// e.g. by a REST read.
func (g *connGuard) MarkIdle(boardID string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idle == nil {
		g.active = make(map[string]int)
		g.idle = make(map[string]time.Time)
	}
	if g.active[boardID] == 0 {
		if _, ok := g.idle[boardID]; !ok {
			g.idle[boardID] = now
		}
	}
}

// Forget drops the idle record of an evicted board.
func (g *connGuard) Forget(boardID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.idle, boardID)
}

// WaitAll blocks until every connection is released or ctx is cancelled.
func (g *connGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
