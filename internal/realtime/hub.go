// Package realtime streams committed escrow state changes over WebSocket.
// Connections narrow the stream with a Filter, given as query parameters on
// connect or replaced later with a subscribe message.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/p2pescrow/internal/escrow"
	"github.com/mbd888/p2pescrow/internal/metrics"
)

// DefaultMaxConns caps concurrent connections.
const DefaultMaxConns = 10000

// Event is one message pushed to connections.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Escrow    string    `json:"escrow,omitempty"`
	Parties   []string  `json:"parties,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Connected int   `json:"connected"`
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"` // events lost to a full hub queue
	Evicted   int64 `json:"evicted"` // connections cut for falling behind
}

// Hub fans events out to WebSocket connections. Run must be active for
// connections to be accepted.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	origins  []string
	maxConns int

	mu    sync.Mutex
	conns map[*conn]struct{}

	events chan *Event
	join   chan *conn
	leave  chan *conn
	done   chan struct{}

	running   atomic.Bool
	published atomic.Int64
	dropped   atomic.Int64
	evicted   atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins restricts browser Origins. "*" allows any; with no
// origins only same-host and non-browser clients connect.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.origins = origins }
}

// WithMaxConns overrides DefaultMaxConns.
func WithMaxConns(n int) Option {
	return func(h *Hub) { h.maxConns = n }
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:   logger,
		maxConns: DefaultMaxConns,
		conns:    make(map[*conn]struct{}),
		events:   make(chan *Event, 256),
		join:     make(chan *conn),
		leave:    make(chan *conn),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin) {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Run owns the connection set until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)
	defer close(h.done)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.conns {
				c.close()
				delete(h.conns, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.join:
			h.mu.Lock()
			h.conns[c] = struct{}{}
			n := len(h.conns)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("websocket connected", "remote", c.remote, "connected", n)

		case c := <-h.leave:
			h.mu.Lock()
			if _, ok := h.conns[c]; ok {
				delete(h.conns, c)
				c.close()
			}
			n := len(h.conns)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("websocket disconnected", "remote", c.remote, "connected", n)

		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

// fanOut encodes ev once and queues it on every matching connection. A
// connection whose queue is full is closed.
func (h *Hub) fanOut(ev *Event) {
	h.published.Add(1)
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode realtime event", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if !c.filter().Matches(ev) {
			continue
		}
		if !c.enqueue(msg) {
			h.evicted.Add(1)
			h.logger.Warn("evicting slow websocket", "remote", c.remote)
			c.close()
			delete(h.conns, c)
		}
	}
	metrics.ActiveWebSocketClients.Set(float64(len(h.conns)))
}

// Broadcast queues ev without blocking. It is dropped when the queue is full.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "type", ev.Type)
	}
}

// Publish implements escrow.EventSink.
func (h *Hub) Publish(_ context.Context, ev escrow.Event) {
	out := &Event{Type: ev.Type, Timestamp: ev.Timestamp, Data: ev}
	if ev.Escrow != nil {
		out.Escrow = ev.Escrow.Address
		out.Parties = []string{ev.Escrow.Seller, ev.Escrow.Buyer}
	}
	h.Broadcast(out)
}

// Running reports whether Run is active.
func (h *Hub) Running() bool {
	return h.running.Load()
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := len(h.conns)
	h.mu.Unlock()
	return Stats{
		Connected: n,
		Published: h.published.Load(),
		Dropped:   h.dropped.Load(),
		Evicted:   h.evicted.Load(),
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.Running() {
		http.Error(w, "realtime hub not running", http.StatusServiceUnavailable)
		return
	}
	h.mu.Lock()
	full := len(h.conns) >= h.maxConns
	h.mu.Unlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(h, ws, FilterFromQuery(r.URL.Query()), r.RemoteAddr)
	select {
	case h.join <- c:
	case <-h.done:
		_ = ws.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}

var _ escrow.EventSink = (*Hub)(nil)
