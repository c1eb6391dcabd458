package serve

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Dicklesworthstone/omar/internal/events"
)

// WSMessageType defines WebSocket message types.
type WSMessageType string

const (
	WSMsgSubscribe   WSMessageType = "subscribe"
	WSMsgUnsubscribe WSMessageType = "unsubscribe"
	WSMsgEvent       WSMessageType = "event"
	WSMsgError       WSMessageType = "error"
	WSMsgAck         WSMessageType = "ack"
	WSMsgPing        WSMessageType = "ping"
	WSMsgPong        WSMessageType = "pong"
)

// allAgentsTopic matches every agent's events.
const allAgentsTopic = "agents:*"

// WSMessage is a client to server frame.
type WSMessage struct {
	Type      WSMessageType `json:"type"`
	RequestID string        `json:"request_id,omitempty"`
	Topics    []string      `json:"topics,omitempty"`
}

// WSEvent is an event pushed to clients.
type WSEvent struct {
	Type      WSMessageType `json:"type"`
	Timestamp string        `json:"ts"`
	Seq       int64         `json:"seq"`
	Topic     string        `json:"topic"`
	EventType string        `json:"event_type"`
	Data      any           `json:"data"`
}

// WSReply acknowledges a client frame or reports an error.
type WSReply struct {
	Type      WSMessageType `json:"type"`
	Timestamp string        `json:"ts"`
	RequestID string        `json:"request_id,omitempty"`
	Code      string        `json:"code,omitempty"`
	Message   string        `json:"message,omitempty"`
	Topics    []string      `json:"topics,omitempty"`
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	id       string
	conn     *websocket.Conn
	hub      *WSHub
	send     chan []byte
	topics   map[string]struct{}
	topicsMu sync.RWMutex
}

// WSHub manages WebSocket connections and topic routing.
type WSHub struct {
	clients    map[*WSClient]struct{}
	clientsMu  sync.RWMutex
	register   chan *WSClient
	unregister chan *WSClient
	broadcast  chan *WSEvent
	seq        int64
	seqMu      sync.Mutex
	done       chan struct{}
	stopOnce   sync.Once
	logger     *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*WSClient]struct{}),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		broadcast:  make(chan *WSEvent, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.clientsMu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.clientsMu.Unlock()
			return
		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.clientsMu.Unlock()
			h.logger.Debug("ws client connected", "client", client.id, "total", n)
		case client := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.clientsMu.Unlock()
			h.logger.Debug("ws client disconnected", "client", client.id, "total", n)
		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

// Stop shuts down the hub and disconnects every client.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *WSHub) nextSeq() int64 {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	h.seq++
	return h.seq
}

// broadcastEvent sends an event to all subscribed clients.
func (h *WSHub) broadcastEvent(event *WSEvent) {
	event.Seq = h.nextSeq()
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("ws marshal error", "err", err)
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for client := range h.clients {
		if client.isSubscribed(event.Topic) {
			select {
			case client.send <- data:
			default:
				h.logger.Warn("ws client buffer full", "client", client.id)
			}
		}
	}
}

// Publish queues a bus event for every client subscribed to its agent.
func (h *WSHub) Publish(e events.BusEvent) {
	select {
	case h.broadcast <- newWSEvent(e):
	default:
		h.logger.Warn("ws broadcast buffer full, dropping event", "type", e.EventType())
	}
}

func newWSEvent(e events.BusEvent) *WSEvent {
	topic := "agents"
	ts := time.Now().UTC()
	if ae, ok := e.(events.AgentEvent); ok {
		topic = "agents:" + ae.AgentID
		ts = ae.Timestamp
	}
	return &WSEvent{
		Type:      WSMsgEvent,
		Timestamp: ts.Format(time.RFC3339Nano),
		Topic:     topic,
		EventType: e.EventType(),
		Data:      e,
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (c *WSClient) isSubscribed(topic string) bool {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()

	if _, ok := c.topics[topic]; ok {
		return true
	}
	for pattern := range c.topics {
		if matchTopic(pattern, topic) {
			return true
		}
	}
	return false
}

// matchTopic supports a trailing "*" wildcard.
func matchTopic(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}

func isValidTopic(topic string) bool {
	if topic == "*" || topic == "agents" {
		return true
	}
	rest, ok := strings.CutPrefix(topic, "agents:")
	return ok && rest != ""
}

// Subscribe adds topics.
func (c *WSClient) Subscribe(topics []string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
}

// Unsubscribe removes topics.
func (c *WSClient) Unsubscribe(topics []string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	for _, t := range topics {
		delete(c.topics, t)
	}
}

// CheckOrigin always passes here; handleWebSocket checks the allowlist
// itself because the CORS middleware does not reject upgrades without an
// Origin header.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocket timeouts.
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

// handleWebSocket upgrades to an event stream. Query parameters: agent
// (repeatable) narrows the subscription, replay=N first sends the last N
// events from history.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if !isWebSocketUpgrade(r) {
		writeErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidRequest, "websocket upgrade required", reqID)
		return
	}
	if !originAllowed(r.Header.Get("Origin"), s.corsAllowedOrigins) {
		writeErrorResponse(w, http.StatusForbidden, ErrCodeForbidden, "origin not allowed", reqID)
		return
	}
	replay := 0
	if v := r.URL.Query().Get("replay"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErrorResponse(w, http.StatusBadRequest, ErrCodeInvalidRequest, "replay must be a non-negative integer", reqID)
			return
		}
		replay = n
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "err", err)
		return
	}

	client := &WSClient{
		id:     uuid.NewString(),
		conn:   conn,
		hub:    s.wsHub,
		send:   make(chan []byte, 256),
		topics: make(map[string]struct{}),
	}
	if ids := r.URL.Query()["agent"]; len(ids) > 0 {
		for _, id := range ids {
			client.topics["agents:"+id] = struct{}{}
		}
	} else {
		client.topics[allAgentsTopic] = struct{}{}
	}

	// Queue history before registering so replayed events precede live ones.
	if replay > 0 {
		hist := s.sup.Bus().History(replay)
		for i, e := range hist {
			if i >= cap(client.send) {
				break
			}
			ev := newWSEvent(e)
			if !client.isSubscribed(ev.Topic) {
				continue
			}
			if data, err := json.Marshal(ev); err == nil {
				client.send <- data
			}
		}
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("ws read error", "client", c.id, "err", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(WSReply{Type: WSMsgError, Code: "parse_error", Message: "invalid JSON message"})
		return
	}

	switch msg.Type {
	case WSMsgSubscribe, WSMsgUnsubscribe:
		if len(msg.Topics) == 0 {
			c.reply(WSReply{Type: WSMsgError, RequestID: msg.RequestID, Code: "empty_topics", Message: "at least one topic required"})
			return
		}
		for _, t := range msg.Topics {
			if !isValidTopic(t) {
				c.reply(WSReply{Type: WSMsgError, RequestID: msg.RequestID, Code: "invalid_topic", Message: fmt.Sprintf("invalid topic: %s", t)})
				return
			}
		}
		if msg.Type == WSMsgSubscribe {
			c.Subscribe(msg.Topics)
		} else {
			c.Unsubscribe(msg.Topics)
		}
		c.reply(WSReply{Type: WSMsgAck, RequestID: msg.RequestID, Topics: msg.Topics})
	case WSMsgPing:
		c.reply(WSReply{Type: WSMsgPong, RequestID: msg.RequestID})
	default:
		c.reply(WSReply{Type: WSMsgError, RequestID: msg.RequestID, Code: "unknown_type", Message: fmt.Sprintf("unknown message type: %s", msg.Type)})
	}
}

func (c *WSClient) reply(r WSReply) {
	r.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	// The hub may have closed send already.
	defer func() { _ = recover() }()
	select {
	case c.send <- data:
	default:
	}
}
