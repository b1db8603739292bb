package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected subscriber: a websocket plus its current filter
// and a send queue so a slow reader never blocks Publish.
type client struct {
	conn   *websocket.Conn
	log    *slog.Logger
	bus    *Bus
	send   chan Event
	mu     sync.Mutex
	filter Filter
	closed bool
}

// ServeWS upgrades the request to a websocket, registers the connection
// with the bus, emits the welcome system-health event, and blocks until
// the connection closes.
func (b *Bus) ServeWS(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("notify: websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, log: log, bus: b, send: make(chan Event, PerClientReplay*2)}
	b.register(c)
	defer b.unregister(c)

	welcome := Event{
		Type:      TypeSystemHealth,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"message": "connected",
			"history": b.recentHistory(PerClientReplay),
		},
	}
	c.deliver(welcome)

	done := make(chan struct{})
	go c.writeLoop(done)
	c.readLoop()
	close(done)
	c.close()
}

// deliver enqueues e for send if the client's current filter matches it.
// Delivery is non-blocking: when the client's send buffer is full the
// event is dropped for that client rather than stalling Publish for
// everyone else.
func (c *client) deliver(e Event) {
	c.mu.Lock()
	f := c.filter
	closed := c.closed
	c.mu.Unlock()
	if closed || !f.matches(e) {
		return
	}
	select {
	case c.send <- e:
	default:
		c.log.Warn("notify: client send buffer full, dropping event", "type", e.Type)
	}
}

func (c *client) setFilter(f Filter) {
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.Close()
}

// writeLoop drains the send queue and pings on PingInterval; any write
// error (including to a socket no longer open) ends the connection.
func (c *client) writeLoop(done chan struct{}) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case e, ok := <-c.send:
			if !ok {
				return
			}
			data, err := marshalEvent(e)
			if err != nil {
				c.log.Error("notify: marshal event", "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop drains client-to-server subscribe/unsubscribe/history messages
// until the socket errors or closes. "history" replays the buffered
// history on demand, not only at connect time, so a client that has been
// filtering heavily can pull the wider backlog back into view.
func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("notify: malformed client message", "error", err)
			continue
		}
		switch msg.Action {
		case "subscribe":
			if msg.Filter != nil {
				c.setFilter(*msg.Filter)
			}
		case "unsubscribe":
			c.setFilter(Filter{})
		case "history":
			if msg.Filter != nil {
				c.setFilter(*msg.Filter)
			}
			for _, e := range c.bus.recentHistory(PerClientReplay) {
				c.deliver(e)
			}
		}
	}
}
