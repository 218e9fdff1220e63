package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"whiteboard/internal/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrSendBuffer   = errors.New("send buffer full")
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

const (
	eventDial      = "dial"
	eventConnected = "connected"
	eventLost      = "lost"
	eventClose     = "close"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256

	DefaultReconnectMax = 30 * time.Second
)

type Options struct {
	// URL of the authority's websocket endpoint, e.g. ws://localhost:8080/ws.
	URL          string
	BoardID      string
	Name         string
	ReconnectMax time.Duration
	Logger       *zap.SugaredLogger
	Dialer       *websocket.Dialer
}

// Client is the websocket session channel. It dials the authority, keeps the
// connection alive and reconnects with exponential backoff until its context
// is cancelled. Inbound frames are passed to the handler on the read
// goroutine, in arrival order.
type Client struct {
	opts    Options
	url     string
	log     *zap.SugaredLogger
	handler func(protocol.Envelope)
	machine *fsm.FSM

	mu      sync.Mutex
	out     chan []byte
	onState []func(State)
}

// NewClient builds a disconnected client. Call Run to connect.
func NewClient(opts Options, handler func(protocol.Envelope)) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	if opts.BoardID != "" {
		q.Set("board", opts.BoardID)
	}
	if opts.Name != "" {
		q.Set("name", opts.Name)
	}
	u.RawQuery = q.Encode()

	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if handler == nil {
		handler = func(protocol.Envelope) {}
	}

	c := &Client{opts: opts, url: u.String(), log: opts.Logger, handler: handler}
	c.machine = fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventDial, Src: []string{string(StateDisconnected), string(StateReconnecting)}, Dst: string(StateConnecting)},
			{Name: eventConnected, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: eventLost, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateReconnecting)},
			{Name: eventClose, Src: []string{string(StateConnecting), string(StateConnected), string(StateReconnecting)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Debugf("[transport] %s -> %s", e.Src, e.Dst)
				c.mu.Lock()
				listeners := append([]func(State){}, c.onState...)
				c.mu.Unlock()
				for _, fn := range listeners {
					fn(State(e.Dst))
				}
			},
		},
	)
	return c, nil
}

// OnState registers fn for every lifecycle transition. fn runs on the
// connection goroutine and must not block; start long work (such as a
// session join) in its own goroutine.
func (c *Client) OnState(fn func(State)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

func (c *Client) State() State {
	return State(c.machine.Current())
}

func (c *Client) transition(event string) {
	err := c.machine.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		c.log.Debugf("[transport] event %s in %s: %v", event, c.machine.Current(), err)
	}
}

// Send queues env for the authority. It fails with ErrNotConnected while the
// connection is down; the session keeps its optimistic state and resyncs on
// the next connect.
func (c *Client) Send(env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return ErrNotConnected
	}
	select {
	case c.out <- data:
		return nil
	default:
		return ErrSendBuffer
	}
}

// Run connects and serves the connection until ctx is cancelled,
// reconnecting with exponential backoff capped at ReconnectMax.
func (c *Client) Run(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxInterval = c.opts.ReconnectMax
	eb.MaxElapsedTime = 0

	defer c.transition(eventClose)
	for {
		c.transition(eventDial)
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			eb.Reset()
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.log.Warnf("[transport] dial %s: %v", c.opts.URL, err)
		}
		if ctx.Err() != nil {
			return nil
		}
		c.transition(eventLost)

		wait := eb.NextBackOff()
		c.log.Infof("[transport] reconnecting in %s", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// serve pumps one connection until it fails or ctx is done.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	out := make(chan []byte, sendBuffer)
	done := make(chan struct{})

	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
	c.transition(eventConnected)

	go c.writePump(conn, out, done)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.readPump(conn)

	c.mu.Lock()
	c.out = nil
	c.mu.Unlock()
	close(done)
	conn.Close()
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warnf("[transport] read: %v", err)
			}
			return
		}
		env, err := protocol.Parse(data)
		if err != nil {
			c.log.Warnf("[transport] dropping frame: %v", err)
			continue
		}
		c.handler(env)
	}
}

func (c *Client) writePump(conn *websocket.Conn, out <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case msg := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warnf("[transport] write: %v", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
