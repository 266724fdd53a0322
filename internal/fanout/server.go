// Package fanout streams pipeline events to observer WebSocket clients
// (dashboards, notifiers). It is strictly read-only: nothing received
// from a client ever reaches the core.
package fanout

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/selftrade/agent/internal/events"
	"github.com/selftrade/agent/internal/telemetry"
)

const (
	clientSendBuf = 256
	writeDeadline = 5 * time.Second
	pongWait      = 30 * time.Second
	pingInterval  = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

type observer struct {
	pair string // optional filter, empty means all pairs
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Server fans out bus events to connected observer WebSocket clients.
type Server struct {
	mu      sync.Mutex
	clients map[*observer]struct{}
}

func NewServer(bus *events.Bus) *Server {
	s := &Server{
		clients: make(map[*observer]struct{}),
	}
	bus.Subscribe(events.EventSignalReceived, s.forward)
	bus.Subscribe(events.EventSignalRejected, s.forward)
	bus.Subscribe(events.EventIntentCreated, s.forward)
	bus.Subscribe(events.EventIntentRejected, s.forward)
	bus.Subscribe(events.EventOrderStateChanged, s.forward)
	bus.Subscribe(events.EventStreamStatus, s.forward)
	return s
}

// forward is called on the publisher's goroutine. It serializes the event
// and enqueues it to matching clients' send channels (non-blocking).
func (s *Server) forward(evt events.Event) error {
	data, err := MarshalEvent(evt)
	if err != nil {
		telemetry.Warnf("fanout: marshal error: %v", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		if c.pair != "" && evt.Pair != "" && c.pair != evt.Pair {
			continue
		}
		select {
		case c.send <- data:
		default:
			telemetry.Warnf("fanout: dropping message for slow client pair=%q", c.pair)
		}
	}
	return nil
}

// HandleWS is the HTTP handler for WebSocket upgrade requests.
// Observers may narrow the stream with ?pair=BTCUSDT.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.Warnf("fanout: upgrade failed: %v", err)
		return
	}

	c := &observer{
		pair: strings.ToUpper(r.URL.Query().Get("pair")),
		conn: conn,
		send: make(chan []byte, clientSendBuf),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	telemetry.Infof("fanout: observer connected (pair=%q)", c.pair)

	go s.writePump(c)
	go s.readPump(c)
}

// writePump drains the client's send channel and writes to the WS connection.
// It owns the client lifecycle: on exit it removes the client from the map
// (so forward never sends to a stale channel) and closes the connection.
func (s *Server) writePump(c *observer) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.removeClient(c)
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				telemetry.Warnf("fanout: write error: %v", err)
				return
			}
		case <-c.done:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the connection alive by reading pongs / close frames.
// No upstream messages are expected from observers.
// On exit it signals writePump via c.done (never closes c.send).
func (s *Server) readPump(c *observer) {
	defer close(c.done)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
	}
}

func (s *Server) removeClient(c *observer) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	telemetry.Infof("fanout: observer disconnected (pair=%q)", c.pair)
}

// ListenAndServe starts the fanout WebSocket server on addr.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)

	telemetry.Plainf("fanout: server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
