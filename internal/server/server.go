package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"whiteboard/internal/domain"
	"whiteboard/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

type Options struct {
	Store Persistence
	// Relay is optional; without it cursors stay on this instance.
	Relay *Relay
	// IdleTimeout evicts hubs that have had no connection for this long.
	IdleTimeout time.Duration
	// Housekeeping is the cron spec of the eviction job; empty disables it.
	Housekeeping string
	Logger       *zap.SugaredLogger
	Now          func() time.Time
}

// Server is the reference authority: one Hub per open board behind a
// websocket endpoint and read-only REST routes.
type Server struct {
	opts     Options
	log      *zap.SugaredLogger
	router   *mux.Router
	upgrader websocket.Upgrader

	mu    sync.Mutex
	hubs  map[string]*Hub
	guard connGuard

	cron *cron.Cron
	http *http.Server
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	s := &Server{
		opts: opts,
		log:  opts.Logger,
		hubs: make(map[string]*Hub),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/boards", s.listBoards).Methods(http.MethodGet)
	r.HandleFunc("/boards/{id}/elements", s.boardElements).Methods(http.MethodGet)
	r.HandleFunc("/boards/{id}/groups", s.boardGroups).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start schedules housekeeping and the cursor relay. It does not listen.
func (s *Server) Start(ctx context.Context) error {
	if s.opts.Housekeeping != "" {
		c := cron.New()
		_, err := c.AddFunc(s.opts.Housekeeping, func() {
			if n := s.EvictIdle(); n > 0 {
				s.log.Infof("[server] housekeeping: evicted %d idle board(s)", n)
			}
		})
		if err != nil {
			return fmt.Errorf("housekeeping schedule %q: %w", s.opts.Housekeeping, err)
		}
		c.Start()
		s.cron = c
	}
	if s.opts.Relay != nil {
		go func() {
			if err := s.opts.Relay.Run(ctx, s.deliverRelayed); err != nil {
				s.log.Errorf("[server] cursor relay stopped: %v", err)
			}
		}()
	}
	return nil
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.http = &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- s.http.ListenAndServe() }()
	s.log.Infof("[server] listening on %s", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.http.Shutdown(shutdownCtx)
	s.Close(shutdownCtx)
	return nil
}

// Close stops housekeeping, disconnects every participant and waits for
// their connections to drain.
func (s *Server) Close(ctx context.Context) {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.mu.Lock()
	hubs := s.hubs
	s.hubs = make(map[string]*Hub)
	s.mu.Unlock()
	for _, h := range hubs {
		h.Close()
	}
	s.guard.WaitAll(ctx)
}

// hubLocked returns the hub for boardID, opening it if needed. s.mu must be held.
func (s *Server) hubLocked(boardID string) (*Hub, error) {
	if h, ok := s.hubs[boardID]; ok {
		return h, nil
	}
	var relay cursorPublisher
	if s.opts.Relay != nil {
		relay = s.opts.Relay
	}
	h, err := newHub(boardID, s.opts.Store, relay, s.log, s.opts.Now)
	if err != nil {
		return nil, err
	}
	s.hubs[boardID] = h
	s.log.Infof("[server] opened board %s", boardID)
	return h, nil
}

// EvictIdle closes hubs with no connection for longer than IdleTimeout and
// returns how many were closed. Their state is already persisted.
func (s *Server) EvictIdle() int {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, h := range s.hubs {
		if s.guard.Active(id) > 0 {
			continue
		}
		since, ok := s.guard.IdleSince(id)
		if !ok || now.Sub(since) < s.opts.IdleTimeout {
			continue
		}
		h.Close()
		delete(s.hubs, id)
		s.guard.Forget(id)
		n++
	}
	return n
}

func (s *Server) deliverRelayed(env protocol.Envelope) {
	s.mu.Lock()
	h := s.hubs[env.BoardID]
	s.mu.Unlock()
	if h != nil {
		h.deliverRelayed(env)
	}
}

// ── HTTP ───────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	n := len(s.hubs)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "boards": n})
}

func (s *Server) listBoards(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Store.Boards == nil {
		writeJSON(w, http.StatusOK, []domain.Board{})
		return
	}
	boards, err := s.opts.Store.Boards.ListBoards()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if boards == nil {
		boards = []domain.Board{}
	}
	writeJSON(w, http.StatusOK, boards)
}

func (s *Server) snapshot(boardID string) ([]domain.Element, []domain.Group, error) {
	s.mu.Lock()
	h, err := s.hubLocked(boardID)
	if err == nil {
		s.guard.MarkIdle(boardID, s.opts.Now())
	}
	s.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return h.Snapshot()
}

func (s *Server) boardElements(w http.ResponseWriter, r *http.Request) {
	els, _, err := s.snapshot(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, els)
}

func (s *Server) boardGroups(w http.ResponseWriter, r *http.Request) {
	_, groups, err := s.snapshot(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

// ── Websocket ──────────────────────────────────────────────

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	boardID := r.URL.Query().Get("board")
	if boardID == "" {
		writeError(w, http.StatusBadRequest, errors.New("board query parameter is required"))
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "anonymous"
	}

	s.mu.Lock()
	h, err := s.hubLocked(boardID)
	if err == nil {
		s.guard.Acquire(boardID)
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Errorf("[server] open board %s: %v", boardID, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer func() { s.guard.Release(boardID, s.opts.Now()) }()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("[server] upgrade: %v", err)
		return
	}
	p := newParticipant(name)
	if !h.join(p) {
		conn.Close()
		return
	}
	go writePump(conn, p.send)
	readPump(conn, h, p, s.log)
	h.leave(p)
}

func readPump(conn *websocket.Conn, h *Hub, p *participant, log *zap.SugaredLogger) {
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("[server] read: %v", err)
			}
			return
		}
		env, err := protocol.Parse(data)
		if err != nil {
			log.Debugf("[server] dropping frame: %v", err)
			continue
		}
		if env.BoardID != "" && env.BoardID != h.boardID {
			continue
		}
		if !h.submit(p, env) {
			return
		}
	}
}

func writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
