// Package relay pushes bus events to external observers over websocket.
package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"convopipe/internal/domain"
	"convopipe/internal/eventbus"
)

var errSlowClient = errors.New("relay client queue full")

// Bus is the subscription side of the event bus.
type Bus interface {
	Subscribe(topic string, h eventbus.Handler) func()
}

// Frame is one JSON message sent to observers.
type Frame struct {
	Topic     string           `json:"topic"`
	Kind      domain.EventKind `json:"kind"`
	SessionID string           `json:"session_id"`
	Session   *domain.Session  `json:"session,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Code      domain.ErrorCode `json:"code,omitempty"`
	Progress  float64          `json:"progress,omitempty"`
	Stage     string           `json:"stage,omitempty"`
	Remaining int              `json:"remaining,omitempty"`
}

func frameFor(topic string, ev domain.Event) Frame {
	return Frame{
		Topic:     topic,
		Kind:      ev.Kind,
		SessionID: ev.SessionID,
		Session:   ev.Session,
		Reason:    ev.Reason,
		Code:      ev.Code,
		Progress:  ev.Progress,
		Stage:     ev.Stage,
		Remaining: ev.Remaining,
	}
}

type Options struct {
	Topics       []string
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Server upgrades HTTP requests to websocket connections that mirror the bus.
type Server struct {
	bus      Bus
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewServer(bus Bus, opts Options) *Server {
	if len(opts.Topics) == 0 {
		opts.Topics = []string{domain.TopicSessions, domain.TopicProgress}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		bus:  bus,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger:  opts.Logger,
		clients: make(map[*client]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("relay upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := newClient(conn, s.opts.QueueSize)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	unsubscribes := make([]func(), 0, len(s.opts.Topics))
	for _, topic := range s.opts.Topics {
		unsubscribes = append(unsubscribes, s.bus.Subscribe(topic, func(ev domain.Event) error {
			return c.enqueue(frameFor(topic, ev))
		}))
	}
	s.logger.Info("relay client connected", "remote", r.RemoteAddr)

	go c.readLoop()
	c.writeLoop(s.opts.WriteTimeout, s.opts.PingInterval)

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.logger.Info("relay client disconnected", "remote", r.RemoteAddr, "dropped", c.dropped())
}

// Clients returns the number of connected observers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every observer.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

type client struct {
	conn *websocket.Conn
	send chan Frame
	done chan struct{}

	closeOnce sync.Once
	dropMu    sync.Mutex
	slow      bool
}

func newClient(conn *websocket.Conn, queueSize int) *client {
	return &client{conn: conn, send: make(chan Frame, queueSize), done: make(chan struct{})}
}

// enqueue never blocks the bus; a full queue disconnects the client.
func (c *client) enqueue(frame Frame) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.dropMu.Lock()
		c.slow = true
		c.dropMu.Unlock()
		c.close()
		return errSlowClient
	}
}

func (c *client) dropped() bool {
	c.dropMu.Lock()
	defer c.dropMu.Unlock()
	return c.slow
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *client) writeLoop(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(writeTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop discards inbound messages and notices disconnects.
func (c *client) readLoop() {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
