package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"whiteboard/internal/domain"
	"whiteboard/internal/protocol"
	"whiteboard/internal/transport"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type echoServer struct {
	mu      sync.Mutex
	queries []string
	conns   []*websocket.Conn
}

func (s *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.queries = append(s.queries, r.URL.RawQuery)
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func (s *echoServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *echoServer) firstQuery() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[0]
}

func (s *echoServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

type stateLog struct {
	mu     sync.Mutex
	states []transport.State
	ch     chan transport.State
}

func newStateLog() *stateLog { return &stateLog{ch: make(chan transport.State, 32)} }

func (l *stateLog) record(st transport.State) {
	l.mu.Lock()
	l.states = append(l.states, st)
	l.mu.Unlock()
	l.ch <- st
}

func (l *stateLog) waitFor(t *testing.T, want transport.State) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case st := <-l.ch:
			if st == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestClientLifecycle(t *testing.T) {
	echo := &echoServer{}
	srv := httptest.NewServer(echo)
	defer srv.Close()

	received := make(chan protocol.Envelope, 4)
	client, err := transport.NewClient(transport.Options{
		URL:          wsURL(srv),
		BoardID:      "b1",
		Name:         "ana",
		ReconnectMax: 50 * time.Millisecond,
	}, func(env protocol.Envelope) { received <- env })
	if err != nil {
		t.Fatal(err)
	}

	env, _ := protocol.New(protocol.TypeJoin, "b1", protocol.Join{ParticipantID: "p1", Name: "ana"})
	if err := client.Send(env); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("send before connect: %v", err)
	}

	states := newStateLog()
	client.OnState(states.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	states.waitFor(t, transport.StateConnected)
	if q := echo.firstQuery(); !strings.Contains(q, "board=b1") || !strings.Contains(q, "name=ana") {
		t.Errorf("query = %q", q)
	}

	if err := client.Send(env); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-received:
		if got.Type != protocol.TypeJoin || got.BoardID != "b1" {
			t.Errorf("echo = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo")
	}

	echo.dropAll()
	states.waitFor(t, transport.StateReconnecting)
	states.waitFor(t, transport.StateConnected)
	if echo.connections() < 2 {
		t.Errorf("expected a reconnect, got %d connections", echo.connections())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	if client.State() != transport.StateDisconnected {
		t.Errorf("state = %s", client.State())
	}
	if err := client.Send(env); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("send after close: %v", err)
	}
}

func TestNewClientRejectsScheme(t *testing.T) {
	if _, err := transport.NewClient(transport.Options{URL: "http://localhost/ws"}, nil); err == nil {
		t.Error("expected error")
	}
}

func TestHTTPBase(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "ws://localhost:8080/ws", want: "http://localhost:8080"},
		{in: "wss://wb.example.com/ws?board=x", want: "https://wb.example.com"},
		{in: "ftp://x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := transport.HTTPBase(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("HTTPBase(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("HTTPBase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHTTPLoader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/boards/b1/elements", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]domain.Element{{ID: "E1", BoardID: "b1", Type: domain.ElementRectangle, Z: 2}})
	})
	mux.HandleFunc("/boards/b1/groups", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]domain.Group{{ID: "G1", BoardID: "b1", ElementIDs: []string{"E1", "E2"}}})
	})
	mux.HandleFunc("/boards/broken/elements", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	loader := transport.NewHTTPLoader(srv.URL + "/")
	els, err := loader.LoadBoardElements(context.Background(), "b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(els) != 1 || els[0].ID != "E1" || els[0].Z != 2 {
		t.Errorf("elements = %+v", els)
	}
	groups, err := loader.LoadBoardGroups(context.Background(), "b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0].ElementIDs) != 2 {
		t.Errorf("groups = %+v", groups)
	}

	if _, err := loader.LoadBoardElements(context.Background(), "broken"); err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("expected status error, got %v", err)
	}
}
