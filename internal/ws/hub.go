package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	sendBuffer   = 256
	replayLimit  = 100
	publishQueue = 256
)

// StreamEvent represents an event from streams
type StreamEvent struct {
	Channel   string
	Sequence  int64
	Event     map[string]interface{}
	Timestamp time.Time
}

// StreamsProvider interface for event replay
type StreamsProvider interface {
	GetLastSequence(ctx context.Context, channel, connectionID string) (int64, error)
	AcknowledgeSequence(ctx context.Context, channel, connectionID string, sequence int64) error
	ReplayEvents(ctx context.Context, channel string, sinceSeq int64, limit int64) ([]StreamEvent, error)
}

// ChannelAuthorizer decides whether a connection may subscribe to a channel
type ChannelAuthorizer func(ctx context.Context, conn *Conn, channel string) bool

// Hub manages WebSocket connections and ticket channel subscriptions
type Hub struct {
	mu         sync.RWMutex
	conns      map[*Conn]bool
	subs       map[string]map[*Conn]bool // channel -> connections
	publish    chan Event
	log        *zap.Logger
	cmdHandler *CommandHandler
	authorize  ChannelAuthorizer
	ctx        context.Context
	streams    StreamsProvider
}

// Conn represents a WebSocket connection
type Conn struct {
	ws       *websocket.Conn
	send     chan []byte
	hub      *Hub
	userID   string
	tenantID int64
	subs     map[string]bool // guarded by hub.mu
	ctx      context.Context
}

// Event represents a message to be published
type Event struct {
	Channel string
	Message map[string]interface{}
}

// NewHub creates a new WebSocket hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		conns:   make(map[*Conn]bool),
		subs:    make(map[string]map[*Conn]bool),
		publish: make(chan Event, publishQueue),
		log:     log,
		ctx:     context.Background(),
	}
}

// SetCommandHandler sets the command handler for processing WebSocket commands
func (h *Hub) SetCommandHandler(handler *CommandHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmdHandler = handler
}

// SetStreamsProvider sets the streams provider for event replay
func (h *Hub) SetStreamsProvider(provider StreamsProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams = provider
}

// SetChannelAuthorizer restricts which channels a connection may subscribe to
func (h *Hub) SetChannelAuthorizer(fn ChannelAuthorizer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authorize = fn
}

// Run delivers published events until the publish queue is closed.
// Slow connections whose buffer is full are dropped.
func (h *Hub) Run() {
	for event := range h.publish {
		msg, err := json.Marshal(event.Message)
		if err != nil {
			h.log.Warn("Failed to marshal event", zap.String("channel", event.Channel), zap.Error(err))
			continue
		}

		for _, conn := range h.subscribers(event.Channel) {
			select {
			case conn.send <- msg:
			default:
				h.log.Warn("Dropping slow connection", zap.String("user", conn.userID))
				h.unregister(conn)
			}
		}
	}
}

// Close stops Run
func (h *Hub) Close() {
	close(h.publish)
}

func (h *Hub) subscribers(channel string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.subs[channel]))
	for conn := range h.subs[channel] {
		conns = append(conns, conn)
	}
	return conns
}

// Register adds a new connection to the hub
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

// unregister removes a connection from the hub and closes its send queue once
func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; !ok {
		return
	}
	delete(h.conns, conn)
	close(conn.send)
	for channel := range conn.subs {
		h.removeSub(conn, channel)
	}
}

func (h *Hub) removeSub(conn *Conn, channel string) {
	if subs := h.subs[channel]; subs != nil {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.subs, channel)
		}
	}
	delete(conn.subs, channel)
}

// Subscribe adds a connection to a channel
func (h *Hub) Subscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; !ok {
		return
	}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Conn]bool)
	}
	h.subs[channel][conn] = true
	conn.subs[channel] = true
}

// Unsubscribe removes a connection from a channel
func (h *Hub) Unsubscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeSub(conn, channel)
}

// SubscriberCount returns the number of connections subscribed to a channel
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Publish sends an event to all subscribers of a channel
func (h *Hub) Publish(channel string, message map[string]interface{}) {
	select {
	case h.publish <- Event{Channel: channel, Message: message}:
	default:
		h.log.Warn("Hub publish channel full, dropping event", zap.String("channel", channel))
	}
}

// NewConn creates a new connection for an authenticated user
func NewConn(ws *websocket.Conn, hub *Hub, userID string, tenantID int64) *Conn {
	return &Conn{
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		hub:      hub,
		userID:   userID,
		tenantID: tenantID,
		subs:     make(map[string]bool),
		ctx:      hub.ctx,
	}
}

// UserID returns the authenticated user behind the connection
func (c *Conn) UserID() string { return c.userID }

// TenantID returns the tenant the connection is scoped to
func (c *Conn) TenantID() int64 { return c.tenantID }

// ReadPump handles reading from the WebSocket connection
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Warn("Failed to parse message", zap.Error(err))
			continue
		}

		c.handleMessage(msg)
	}
}

// WritePump handles writing to the WebSocket connection
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleMessage(msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)
	channel, _ := msg["channel"].(string)

	switch msgType {
	case "subscribe":
		if channel == "" {
			return
		}
		if !c.hub.allowed(c, channel) {
			c.sendAck("forbidden", channel)
			return
		}
		c.hub.Subscribe(c, channel)
		c.sendAck("subscribed", channel)
	case "unsubscribe":
		if channel != "" {
			c.hub.Unsubscribe(c, channel)
			c.sendAck("unsubscribed", channel)
		}
	case "ack":
		seq, _ := msg["seq"].(float64)
		if channel != "" && seq > 0 {
			c.hub.Acknowledge(c, channel, int64(seq))
		}
	case "resume":
		if channel == "" || !c.hub.allowed(c, channel) {
			return
		}
		since, ok := msg["since"].(float64)
		if !ok {
			since = float64(c.hub.lastAcked(c, channel))
		}
		if since >= 0 {
			c.hub.Resume(c, channel, int64(since))
		}
	case "cmd":
		c.hub.mu.RLock()
		handler := c.hub.cmdHandler
		c.hub.mu.RUnlock()
		if handler != nil {
			handler.HandleCommand(c.ctx, c, msg)
		} else {
			c.hub.log.Warn("Command handler not set")
		}
	case "ping":
		c.sendAck("pong", "")
	default:
		c.hub.log.Warn("Unknown message type", zap.String("type", msgType))
	}
}

func (c *Conn) sendAck(msgType, channel string) {
	ack := map[string]interface{}{
		"type": "ack",
		"ack":  msgType,
	}
	if channel != "" {
		ack["channel"] = channel
	}
	c.sendJSON(ack)
}

// sendJSON queues a message without blocking; it reports false when the
// buffer is full or the connection is gone.
func (c *Conn) sendJSON(v interface{}) (sent bool) {
	msg, err := json.Marshal(v)
	if err != nil {
		return false
	}
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (h *Hub) allowed(conn *Conn, channel string) bool {
	h.mu.RLock()
	fn := h.authorize
	h.mu.RUnlock()
	return fn == nil || fn(conn.ctx, conn, channel)
}

func (h *Hub) streamsProvider() StreamsProvider {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.streams
}

func (h *Hub) lastAcked(conn *Conn, channel string) int64 {
	streams := h.streamsProvider()
	if streams == nil {
		return 0
	}
	seq, err := streams.GetLastSequence(conn.ctx, channel, conn.userID)
	if err != nil {
		h.log.Warn("Failed to read last sequence", zap.String("channel", channel), zap.Error(err))
		return 0
	}
	return seq
}

// Acknowledge records an acknowledgment for a sequence number
func (h *Hub) Acknowledge(conn *Conn, channel string, sequence int64) {
	streams := h.streamsProvider()
	if streams == nil {
		return
	}
	if err := streams.AcknowledgeSequence(conn.ctx, channel, conn.userID, sequence); err != nil {
		h.log.Warn("Failed to acknowledge sequence",
			zap.String("channel", channel),
			zap.Int64("sequence", sequence),
			zap.Error(err),
		)
	}
}

// Resume replays events published after sinceSeq
func (h *Hub) Resume(conn *Conn, channel string, sinceSeq int64) {
	streams := h.streamsProvider()
	if streams == nil {
		h.log.Warn("Streams provider not set, cannot resume")
		return
	}

	events, err := streams.ReplayEvents(conn.ctx, channel, sinceSeq, replayLimit)
	if err != nil {
		h.log.Error("Failed to replay events",
			zap.String("channel", channel),
			zap.Int64("since", sinceSeq),
			zap.Error(err),
		)
		return
	}

	for _, event := range events {
		ok := conn.sendJSON(map[string]interface{}{
			"type":    "event",
			"channel": event.Channel,
			"seq":     event.Sequence,
			"data":    event.Event,
		})
		if !ok {
			h.log.Warn("Failed to send replayed event, connection buffer full")
			return
		}
	}

	h.log.Info("Resumed events",
		zap.String("channel", channel),
		zap.String("connection", conn.userID),
		zap.Int64("since", sinceSeq),
		zap.Int("count", len(events)),
	)
}
