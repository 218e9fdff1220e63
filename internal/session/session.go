package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"whiteboard/internal/board"
	"whiteboard/internal/domain"
	"whiteboard/internal/group"
	"whiteboard/internal/history"
	"whiteboard/internal/protocol"
	"whiteboard/internal/viewport"
)

var (
	ErrLocked          = errors.New("element is locked")
	ErrNotLine         = errors.New("element is not a line")
	ErrInvalidGeometry = errors.New("geometry must be finite")
	ErrNoBoard         = errors.New("board id is required")
)

const (
	DefaultHitTolerancePx = 8
	DefaultCursorTTL      = 10 * time.Second
	DefaultCursorInterval = 40 * time.Millisecond
	DefaultResyncAttempts = 3
	DefaultResyncInterval = 200 * time.Millisecond
	DuplicateOffset       = 10
)

// Channel is the outbound half of the session channel.
type Channel interface {
	Send(env protocol.Envelope) error
}

// Loader fetches the authority's view of a board.
type Loader interface {
	LoadBoardElements(ctx context.Context, boardID string) ([]domain.Element, error)
}

// GroupLoader is optionally implemented by a Loader that can also fetch groups.
type GroupLoader interface {
	LoadBoardGroups(ctx context.Context, boardID string) ([]domain.Group, error)
}

// RemapListener is told when a temporary id becomes canonical.
type RemapListener func(tempID, canonicalID string)

type Config struct {
	BoardID         string
	ParticipantID   string
	ParticipantName string

	HitTolerancePx float64
	HistoryLimit   int
	CursorTTL      time.Duration
	CursorInterval time.Duration
	ResyncAttempts int
	ResyncInterval time.Duration
	Viewport       viewport.Transform

	Logger  *zap.SugaredLogger
	Emitter EventEmitter
	Now     func() time.Time
}

func (c *Config) setDefaults() {
	if c.ParticipantID == "" {
		c.ParticipantID = uuid.NewString()
	}
	if c.ParticipantName == "" {
		c.ParticipantName = "anonymous"
	}
	if c.HitTolerancePx <= 0 {
		c.HitTolerancePx = DefaultHitTolerancePx
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = history.DefaultLimit
	}
	if c.CursorTTL <= 0 {
		c.CursorTTL = DefaultCursorTTL
	}
	if c.CursorInterval < 0 {
		c.CursorInterval = 0
	} else if c.CursorInterval == 0 {
		c.CursorInterval = DefaultCursorInterval
	}
	if c.ResyncAttempts <= 0 {
		c.ResyncAttempts = DefaultResyncAttempts
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	if c.Viewport.Zoom == 0 {
		c.Viewport = viewport.Identity()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	if c.Emitter == nil {
		c.Emitter = nopEmitter{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// pendingCreate tracks an optimistic element awaiting its canonical id.
type pendingCreate struct {
	unsent      bool // the createElement frame never left this process
	deleteOnAck bool
	deferred    []deferredSend
}

// deferredSend rebuilds a request once the canonical id is known.
type deferredSend func(canonicalID string) (protocol.Type, any)

// Session is the per-board context object: it owns the element store, undo
// history, group manager, viewport and the sync protocol state for one
// board. One mutex serialises local operations, inbound events and reads.
type Session struct {
	mu  sync.Mutex
	cfg Config
	log *zap.SugaredLogger

	channel Channel
	loader  Loader

	store   *board.Store
	history *history.Manager
	groups  *group.Manager
	view    *viewport.Viewport
	clock   *domain.Clock

	pending    map[string]*pendingCreate
	cursors    map[string]Cursor
	lastCursor time.Time

	// removals seen while a resync fetch is in flight; the fetched list is
	// older than them
	resyncs    int
	tombstones map[string]struct{}
	cleared    bool

	// callbacks queued under mu and run after it is released
	after []func()

	subMu       sync.Mutex
	subscribers map[int]func(board.Change)
	remaps      map[int]RemapListener
	nextSub     int
}

// New builds a session for cfg.BoardID. channel may be a transport client
// that is not connected yet: failed sends are logged and the optimistic state
// is kept.
func New(cfg Config, channel Channel, loader Loader) (*Session, error) {
	if cfg.BoardID == "" {
		return nil, ErrNoBoard
	}
	cfg.setDefaults()
	view, err := viewport.New(cfg.Viewport)
	if err != nil {
		return nil, fmt.Errorf("session viewport: %w", err)
	}
	s := &Session{
		cfg:         cfg,
		log:         cfg.Logger,
		channel:     channel,
		loader:      loader,
		store:       board.NewStore(),
		view:        view,
		clock:       domain.NewClock(cfg.Now),
		pending:     make(map[string]*pendingCreate),
		cursors:     make(map[string]Cursor),
		subscribers: make(map[int]func(board.Change)),
		remaps:      make(map[int]RemapListener),
	}
	s.history = history.NewManager(s.store, history.WithLimit(cfg.HistoryLimit), history.WithClock(cfg.Now))
	s.groups = group.NewManager(s.store, groupSender{s}, group.WithLogger(cfg.Logger), group.WithClock(cfg.Now))
	s.store.Subscribe(s.queueChange)
	return s, nil
}

func (s *Session) BoardID() string       { return s.cfg.BoardID }
func (s *Session) ParticipantID() string { return s.cfg.ParticipantID }

// Viewport returns the live viewport. It has its own lock and may be used
// without going through the session.
func (s *Session) Viewport() *viewport.Viewport { return s.view }

// ── Locking and notification ───────────────────────────────

// run executes fn under the session lock, then delivers every notification
// queued meanwhile with the lock released, so subscribers may read back.
func (s *Session) run(fn func() error) error {
	s.mu.Lock()
	err := fn()
	after := s.after
	s.after = nil
	s.mu.Unlock()

	for _, f := range after {
		f()
	}
	return err
}

func (s *Session) queue(f func()) {
	s.after = append(s.after, f)
}

func (s *Session) queueChange(c board.Change) {
	s.trackRemoval(c)
	s.queue(func() {
		s.subMu.Lock()
		subs := make([]func(board.Change), 0, len(s.subscribers))
		for _, fn := range s.subscribers {
			subs = append(subs, fn)
		}
		s.subMu.Unlock()
		for _, fn := range subs {
			fn(c)
		}
	})
}

func (s *Session) emit(event string, data any) {
	s.queue(func() { s.cfg.Emitter.Emit(context.Background(), event, data) })
}

// Subscribe registers fn for store changes. fn runs after the operation that
// caused the change has released the session lock.
func (s *Session) Subscribe(fn func(board.Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// OnRemap registers a listener for temp → canonical id transitions, e.g. an
// inline text editor still bound to the temp id.
func (s *Session) OnRemap(fn RemapListener) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.remaps[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.remaps, id)
		s.subMu.Unlock()
	}
}

func (s *Session) queueRemap(tempID, canonicalID string) {
	s.queue(func() {
		s.subMu.Lock()
		ls := make([]RemapListener, 0, len(s.remaps))
		for _, fn := range s.remaps {
			ls = append(ls, fn)
		}
		s.subMu.Unlock()
		for _, fn := range ls {
			fn(tempID, canonicalID)
		}
	})
	s.emit(EventRemapped, map[string]string{"tempId": tempID, "id": canonicalID})
}

// ── Sending ────────────────────────────────────────────────

// send is fire-and-forget: a failed send is logged and reported.
func (s *Session) send(t protocol.Type, payload any) error {
	env, err := protocol.New(t, s.cfg.BoardID, payload)
	if err != nil {
		s.log.Errorf("[sync] encode %s: %v", t, err)
		return err
	}
	if s.channel == nil {
		return fmt.Errorf("send %s: no channel", t)
	}
	if err := s.channel.Send(env); err != nil {
		s.log.Warnf("[sync] send %s: %v", t, err)
		return err
	}
	return nil
}

// sendFor sends a request about element id, or parks it until id is
// confirmed when it is still a pending temp id.
func (s *Session) sendFor(id string, build deferredSend) {
	if p, ok := s.pending[id]; ok {
		p.deferred = append(p.deferred, build)
		return
	}
	t, payload := build(id)
	_ = s.send(t, payload)
}

type groupSender struct{ s *Session }

func (g groupSender) Send(t protocol.Type, payload any) error { return g.s.send(t, payload) }

// ── Render / UI reads ──────────────────────────────────────

// Elements returns copies of every element in paint order.
func (s *Session) Elements() []domain.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.All()
}

// Element returns a copy of one element.
func (s *Session) Element(id string) (domain.Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(id)
}

// ElementAt returns the topmost element under a screen point. One viewport
// snapshot serves both the coordinate conversion and the line tolerance.
func (s *Session) ElementAt(screen viewport.Point) (domain.Element, bool) {
	t := s.view.Snapshot()
	world, err := t.ScreenToWorld(screen)
	if err != nil {
		return domain.Element{}, false
	}
	tol, err := t.ScreenDistanceToWorld(s.cfg.HitTolerancePx)
	if err != nil {
		return domain.Element{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.TopmostAt(world, tol)
}

func (s *Session) Selection() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Selection()
}

// Groups returns every known group.
func (s *Session) Groups() []domain.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups.Groups()
}

// GroupOf returns the group holding an element.
func (s *Session) GroupOf(elementID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups.GroupOf(elementID)
}

// PendingIDs returns temp ids still awaiting confirmation.
func (s *Session) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanUndo()
}

func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.CanRedo()
}
