// Package hub fans store events out to websocket sessions. Each session owns a bounded
// queue drained by its own write pump, so a session sees events in store emission order and
// a slow session never stalls the store.
package hub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bilbo-22/familist/pkg/event"
	"github.com/bilbo-22/familist/pkg/metrics"
	"github.com/bilbo-22/familist/pkg/store"
)

// Attacher is the part of the store a hub needs.
type Attacher interface {
	Attach(sub store.Subscriber)
	Detach(sub store.Subscriber)
}

type Options struct {
	SendBuffer   int
	PingInterval time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

type Hub struct {
	store    Attacher
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
}

func New(st Attacher, opts Options) *Hub {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		store:  st,
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
}

// ServeHTTP upgrades the request and streams events until either side goes away.
func (h *Hub) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade", "err", err)
		return
	}
	s := &session{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.opts.SendBuffer),
		done: make(chan struct{}),
	}
	h.track(s)
	defer h.untrack(s)

	h.logger.Info("client connected", "remote", request.RemoteAddr)
	h.store.Attach(s)
	defer h.store.Detach(s)

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readPump()
	}()
	s.writePump()
	_ = conn.Close()
	wg.Wait()
	h.logger.Info("client disconnected", "remote", request.RemoteAddr)
}

// Sessions is the number of connected sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close ends every session. Used on shutdown, since hijacked connections outlive http.Server.Close.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		s.stop()
	}
}

func (h *Hub) track(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
	h.opts.Metrics.Sessions.Inc()
}

func (h *Hub) untrack(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
	h.opts.Metrics.Sessions.Dec()
}

type session struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

// Deliver enqueues without blocking. A full queue drops the session; the client
// reconnects and catches up from a fresh sync.
func (s *session) Deliver(ev event.Event) {
	raw, err := ev.Encode()
	if err != nil {
		s.hub.logger.Error("failed to encode event", "event", ev.Name, "err", err)
		return
	}
	select {
	case <-s.done:
	case s.send <- raw:
	default:
		s.hub.logger.Warn("dropping slow session", "event", ev.Name)
		s.hub.opts.Metrics.DroppedSessions.Inc()
		s.stop()
	}
}

func (s *session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *session) writePump() {
	t := time.NewTicker(s.hub.opts.PingInterval)
	defer t.Stop()
	wait := s.hub.opts.PingInterval
	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.hub.logger.Debug("failed to write message", "err", err)
				s.stop()
				return
			}
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
				s.hub.logger.Debug("failed to ping", "err", err)
				s.stop()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}

// readPump only exists to notice disconnects and keep pong deadlines; clients mutate
// through the http api, never through the socket.
func (s *session) readPump() {
	defer s.stop()
	deadline := 2 * s.hub.opts.PingInterval
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("failed to read message", "err", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
	}
}
