package devserver

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"

	"github.com/pinmap/locsync/pkg/streaming"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

type subscription struct {
	ref   string
	table string
	cond  condition
}

// feedClient is one realtime connection.
type feedClient struct {
	id     string
	viewer string
	conn   *ws.Conn
	send   chan []byte

	mu   sync.Mutex
	subs []subscription
}

func (c *feedClient) subscribe(s subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, s)
}

func (c *feedClient) unsubscribe(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.subs[:0]
	for _, s := range c.subs {
		if s.table != table {
			kept = append(kept, s)
		}
	}
	c.subs = kept
}

func (c *feedClient) wants(table string, rec map[string]any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if s.table == table && s.cond.matches(rec) {
			return true
		}
	}
	return false
}

// Hub fans row changes out to subscribed realtime connections.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log.With("component", "realtime"),
		clients: make(map[*feedClient]struct{}),
	}
}

// Serve handles conn until it closes. viewer is the authenticated user.
func (h *Hub) Serve(conn *ws.Conn, viewer string) {
	c := &feedClient{
		id:     uuid.NewString(),
		viewer: viewer,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	if !h.add(c) {
		conn.Close()
		return
	}
	h.log.Info("Realtime client connected", "client", c.id, "viewer", viewer)
	go c.writePump()
	h.readPump(c)
	h.remove(c)
	h.log.Info("Realtime client disconnected", "client", c.id, "viewer", viewer)
}

func (h *Hub) add(c *feedClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Publish sends a change to every connection subscribed to its table and
// row. A connection that cannot keep up is closed; its client resubscribes
// and catches up from a snapshot. It returns the number of deliveries.
func (h *Hub) Publish(change streaming.ChangePayload) int {
	rec := change.Record
	if rec == nil {
		rec = change.OldRecord
	}
	payload, err := json.Marshal(change)
	if err != nil {
		h.log.Error("Failed to marshal change", "table", change.Table, "error", err)
		return 0
	}
	data, err := json.Marshal(streaming.Envelope{Type: streaming.TypeChange, Payload: payload})
	if err != nil {
		h.log.Error("Failed to marshal change envelope", "error", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.clients {
		if !c.wants(change.Table, rec) {
			continue
		}
		select {
		case c.send <- data:
			delivered++
		default:
			h.log.Warn("Realtime client too slow, disconnecting", "client", c.id)
			c.conn.Close()
		}
	}
	return delivered
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.conn.Close()
	}
}

func (h *Hub) readPump(c *feedClient) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseNormalClosure) {
				h.log.Debug("Realtime read failed", "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handle(c, raw)
	}
}

func (h *Hub) handle(c *feedClient, raw []byte) {
	var env streaming.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.reply(c, errorEnvelope("", "malformed message"))
		return
	}
	switch env.Type {
	case streaming.TypeSubscribe:
		var sub streaming.SubscribePayload
		if err := json.Unmarshal(env.Payload, &sub); err != nil {
			h.reply(c, errorEnvelope(env.Ref, "malformed subscribe payload"))
			return
		}
		cond, err := subscriptionFilter(sub)
		if err != nil {
			h.reply(c, errorEnvelope(env.Ref, err.Error()))
			return
		}
		c.subscribe(subscription{ref: env.Ref, table: sub.Table, cond: cond})
		h.log.Debug("Realtime subscription added", "client", c.id, "table", sub.Table, "filter", sub.Filter)
		h.reply(c, streaming.AckMessage{Type: streaming.TypeAck, For: streaming.TypeSubscribe, Ref: env.Ref})
	case streaming.TypeUnsubscribe:
		var sub streaming.SubscribePayload
		if err := json.Unmarshal(env.Payload, &sub); err != nil {
			h.reply(c, errorEnvelope(env.Ref, "malformed unsubscribe payload"))
			return
		}
		c.unsubscribe(sub.Table)
		h.reply(c, streaming.AckMessage{Type: streaming.TypeAck, For: streaming.TypeUnsubscribe, Ref: env.Ref})
	default:
		h.reply(c, errorEnvelope(env.Ref, "unsupported message type "+env.Type))
	}
}

// reply queues msg for c. Called from the read pump only.
func (h *Hub) reply(c *feedClient, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("Failed to marshal reply", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		h.log.Warn("Dropped reply to slow realtime client", "client", c.id)
	}
}

func errorEnvelope(ref, message string) streaming.Envelope {
	payload, _ := json.Marshal(streaming.ErrorPayload{Message: message})
	return streaming.Envelope{Type: streaming.TypeError, Ref: ref, Payload: payload}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(ws.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(ws.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(ws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
