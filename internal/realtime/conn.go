package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxInbound   = 4 << 10
	sendQueueLen = 64
)

// control is a message a connection sends to change its subscription.
//
//	{"op":"subscribe","filter":{"parties":["0x..."]}}
//	{"op":"ping"}
type control struct {
	Op     string `json:"op"`
	Filter Filter `json:"filter"`
}

type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	remote string

	mu     sync.Mutex
	f      Filter
	send   chan []byte
	closed bool
}

func newConn(h *Hub, ws *websocket.Conn, f Filter, remote string) *conn {
	return &conn{hub: h, ws: ws, remote: remote, f: f, send: make(chan []byte, sendQueueLen)}
}

func (c *conn) filter() Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f
}

func (c *conn) setFilter(f Filter) {
	c.mu.Lock()
	c.f = f
	c.mu.Unlock()
}

// enqueue reports false when the queue is full. Closed connections swallow
// messages.
func (c *conn) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close ends the write loop, which sends a close frame. Safe to call twice.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *conn) reply(typ string, data any) {
	msg, _ := json.Marshal(Event{Type: typ, Timestamp: time.Now().UTC(), Data: data})
	c.enqueue(msg)
}

func (c *conn) readLoop() {
	defer func() {
		select {
		case c.hub.leave <- c:
		case <-c.hub.done:
		}
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxInbound)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read failed", "remote", c.remote, "error", err)
			}
			return
		}

		var msg control
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply("error", "invalid message")
			continue
		}
		switch msg.Op {
		case "subscribe":
			f := msg.Filter.normalize()
			c.setFilter(f)
			c.reply("subscribed", f)
		case "ping":
			c.reply("pong", nil)
		default:
			c.reply("error", "unknown op "+msg.Op)
		}
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
