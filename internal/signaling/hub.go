package signaling

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// HostPresenceHandler is called when the broadcaster's signaling connection
// appears or disappears for a session.
type HostPresenceHandler func(present bool)

// ControlPublisher publishes a signaling event to Redis for cross-instance
// broadcast.
type ControlPublisher interface {
	PublishControl(sessionID uuid.UUID, event string, payload []byte) error
}

// ControlSubscriber subscribes to a session's control channel and invokes
// handler for incoming events.
type ControlSubscriber interface {
	SubscribeControl(sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains session_id -> set of connections and broadcasts messages.
// Uses Redis pub/sub for horizontal scaling: local broadcast + publish to
// Redis.
type Hub struct {
	sessions map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per session
	hosts    map[uuid.UUID]string // sessionID -> host clientID while connected
	watchers map[uuid.UUID]map[int]HostPresenceHandler
	watchSeq int
	mu       sync.RWMutex
	logger   *zap.Logger
	pub      ControlPublisher
	sub      ControlSubscriber
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, pub ControlPublisher, sub ControlSubscriber) *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		hosts:    make(map[uuid.UUID]string),
		watchers: make(map[uuid.UUID]map[int]HostPresenceHandler),
		logger:   logger,
		pub:      pub,
		sub:      sub,
	}
}

// WatchHost registers a callback for host presence changes in a session and
// immediately reports the current presence. Returns a cancel function.
func (h *Hub) WatchHost(sessionID uuid.UUID, fn HostPresenceHandler) func() {
	h.mu.Lock()
	h.watchSeq++
	id := h.watchSeq
	if h.watchers[sessionID] == nil {
		h.watchers[sessionID] = make(map[int]HostPresenceHandler)
	}
	h.watchers[sessionID][id] = fn
	_, present := h.hosts[sessionID]
	h.mu.Unlock()

	fn(present)
	return func() {
		h.mu.Lock()
		if m := h.watchers[sessionID]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(h.watchers, sessionID)
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) notifyHostLocked(sessionID uuid.UUID, present bool) []HostPresenceHandler {
	var fns []HostPresenceHandler
	for _, fn := range h.watchers[sessionID] {
		fns = append(fns, fn)
	}
	return fns
}

// Register adds a client to a session room. Starts the Redis subscription for
// the session when the first client arrives.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[string]*Client)
		if h.sub != nil {
			cancel, err := h.sub.SubscribeControl(c.SessionID, func(event string, payload []byte) {
				h.BroadcastToSession(c.SessionID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.SessionID] = cancel
			}
		}
	}
	h.sessions[c.SessionID][c.ID] = c
	var hostFns []HostPresenceHandler
	if c.IsHost() {
		h.hosts[c.SessionID] = c.ID
		hostFns = h.notifyHostLocked(c.SessionID, true)
	}
	h.mu.Unlock()
	for _, fn := range hostFns {
		fn(true)
	}
	h.logger.Debug("client joined session",
		zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// Unregister removes a client from a session room. Cancels the Redis
// subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.sessions[c.SessionID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.sessions, c.SessionID)
			if cancel, ok := h.subs[c.SessionID]; ok {
				cancel()
				delete(h.subs, c.SessionID)
			}
		}
	}
	var hostFns []HostPresenceHandler
	if h.hosts[c.SessionID] == c.ID {
		delete(h.hosts, c.SessionID)
		hostFns = h.notifyHostLocked(c.SessionID, false)
	}
	h.mu.Unlock()
	for _, fn := range hostFns {
		fn(false)
	}
	h.logger.Debug("client left session",
		zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// HostPresent reports whether the session's broadcaster is connected locally.
func (h *Hub) HostPresent(sessionID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.hosts[sessionID]
	return ok
}

// BroadcastToSession sends a message to all clients in a session (local only).
func (h *Hub) BroadcastToSession(sessionID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.sessions[sessionID]
	h.mu.RUnlock()

	if clients == nil {
		return
	}
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// BroadcastAndPublish sends to local clients and publishes to Redis for
// other instances.
func (h *Hub) BroadcastAndPublish(sessionID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.BroadcastToSession(sessionID, event, payload)
	if h.pub != nil {
		_ = h.pub.PublishControl(sessionID, event, data)
	}
}

// PublishOnly publishes to Redis only (no direct local broadcast). Used for
// events like chat_message so the Redis subscriber callback performs the
// broadcast once for all instances, avoiding duplicate delivery to local
// clients.
func (h *Hub) PublishOnly(sessionID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.pub != nil {
		_ = h.pub.PublishControl(sessionID, event, data)
		return
	}
	h.BroadcastToSession(sessionID, event, payload)
}

// AudienceCount returns the number of connected clients in a session.
func (h *Hub) AudienceCount(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// SendToClient sends a message to a single client in a session (for WebRTC
// signaling).
func (h *Hub) SendToClient(sessionID uuid.UUID, clientID string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	clients := h.sessions[sessionID]
	c, ok := clients[clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
