// Package hub implements an in-process publish/subscribe messaging
// simulator: logical client connections, room membership, message
// dispatch by envelope type, and heartbeat-based liveness eviction.
//
// Delivery order is an explicit non-guarantee: every notification is
// independently delayed by a small randomized interval to simulate
// network jitter, both across recipients of one broadcast and across
// successive broadcasts. Consumers must never assume arrival order.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bjpl/backendsim/pkg/metrics"
	"github.com/bjpl/backendsim/pkg/model"
)

var (
	// ErrClientExists rejects CreateClient with an id already registered.
	// A new connection for the same logical user needs RemoveClient first.
	ErrClientExists = errors.New("hub: client id already registered")
	// ErrUnknownClient indicates the client id is not in the registry.
	ErrUnknownClient = errors.New("hub: unknown client")
)

// State is a client's lifecycle state. Terminal state is StateClosed;
// there is no resurrection; a new connection requires a new CreateClient.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client represents one logical connection. All mutable state is owned
// and guarded by the hub; consumers only read notifications.
type Client struct {
	ID          string
	Metadata    map[string]string
	ConnectedAt time.Time

	state      State
	lastActive time.Time
	notify     chan model.Notification
}

// Notifications returns the client's outbound notification stream. The
// channel closes when the client is removed.
func (c *Client) Notifications() <-chan model.Notification {
	return c.notify
}

// Config holds hub tuning knobs.
type Config struct {
	OpenDelay         time.Duration // delay before the synthetic "open" notification
	JitterMin         time.Duration // per-delivery delay lower bound
	JitterMax         time.Duration // per-delivery delay upper bound
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // idle clients past this are evicted
	QueueSize         int           // per-client notification buffer
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		OpenDelay:         10 * time.Millisecond,
		JitterMin:         10 * time.Millisecond,
		JitterMax:         60 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		QueueSize:         64,
	}
}

// Handler processes one inbound envelope of a registered type. A returned
// error becomes an error notification to the sender, never a hub failure.
type Handler func(h *Hub, clientID string, payload json.RawMessage) error

// Hub is the in-process pub/sub server. Construct with New; the registries
// are owned by the instance so independent hubs can coexist in tests.
type Hub struct {
	cfg     Config
	rooms   *roomSet
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	clients  map[string]*Client
	handlers map[string]Handler
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock overrides the hub clock (tests).
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// New creates a hub with the built-in message handlers registered.
func New(cfg Config, m *metrics.Metrics, opts ...Option) *Hub {
	if m == nil {
		m = metrics.New()
	}
	h := &Hub{
		cfg:      cfg,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		clients:  make(map[string]*Client),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.rooms = newRoomSet(h.now)
	h.registerBuiltins()
	return h
}

// RegisterHandler binds a handler to an envelope type, replacing any
// previous binding.
func (h *Hub) RegisterHandler(msgType string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = fn
}

// CreateClient registers a new logical connection. Duplicate ids are
// rejected; the prior record is never silently overwritten. A synthetic
// "open" notification reaches the new client after a short fixed delay.
func (h *Hub) CreateClient(id string, metadata map[string]string) (*Client, error) {
	h.mu.Lock()
	if _, exists := h.clients[id]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrClientExists, id)
	}
	now := h.now()
	c := &Client{
		ID:          id,
		Metadata:    metadata,
		ConnectedAt: now,
		state:       StateConnecting,
		lastActive:  now,
		notify:      make(chan model.Notification, h.cfg.QueueSize),
	}
	h.clients[id] = c
	h.mu.Unlock()

	h.metrics.ClientsTotal.Add(1)
	h.metrics.ClientsConnected.Add(1)
	slog.Debug("client registered", "client", id)

	time.AfterFunc(h.cfg.OpenDelay, func() {
		h.mu.Lock()
		if c, ok := h.clients[id]; ok && c.state == StateConnecting {
			c.state = StateOpen
		}
		h.mu.Unlock()
		h.push(id, model.Notification{Type: "open", Timestamp: h.now()})
	})
	return c, nil
}

// RemoveClient leaves all rooms (notifying remaining members), marks the
// client disconnected, deletes it from the registry, and emits a
// synthetic "close" notification. Returns false for unknown ids.
func (h *Hub) RemoveClient(id string) bool {
	h.mu.RLock()
	_, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	for _, roomID := range h.rooms.LeaveAll(id) {
		h.BroadcastToRoom(roomID, model.Notification{
			Type: "user-left",
			Room: roomID,
			From: id,
		}, id)
	}

	h.mu.Lock()
	c, ok := h.clients[id]
	if !ok {
		h.mu.Unlock()
		return false
	}
	// Deliver "close" before the registry entry goes away; in-flight
	// jittered deliveries after this point are no-ops.
	select {
	case c.notify <- model.Notification{Type: "close", Timestamp: h.now()}:
	default:
		h.metrics.DeliveriesDropped.Add(1)
	}
	c.state = StateClosed
	delete(h.clients, id)
	close(c.notify)
	h.mu.Unlock()

	h.metrics.ClientsConnected.Add(-1)
	slog.Debug("client removed", "client", id)
	return true
}

// ClientState reports a client's lifecycle state. Unknown ids are closed.
func (h *Hub) ClientState(id string) State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[id]; ok {
		return c.state
	}
	return StateClosed
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomExists reports whether a room is present in the registry.
func (h *Hub) RoomExists(roomID string) bool {
	return h.rooms.Exists(roomID)
}

// RoomMembers returns all client IDs in a room.
func (h *Hub) RoomMembers(roomID string) []string {
	return h.rooms.Members(roomID)
}

// RoomInfo returns a snapshot of a room, or nil if it does not exist.
func (h *Hub) RoomInfo(roomID string) *RoomInfo {
	return h.rooms.Info(roomID)
}

// JoinRoom creates the room lazily, adds the membership, and broadcasts
// "user-joined" to the room excluding the joiner. Returns false if the
// client is unknown or disconnected.
func (h *Hub) JoinRoom(clientID, roomID string) bool {
	if roomID == "" || h.ClientState(clientID) == StateClosed {
		return false
	}
	if !h.rooms.Join(clientID, roomID) {
		return true // already a member
	}
	h.touch(clientID)
	h.BroadcastToRoom(roomID, model.Notification{
		Type: "user-joined",
		Room: roomID,
		From: clientID,
	}, clientID)
	return true
}

// LeaveRoom removes the membership, broadcasts "user-left" to the
// remaining members, and deletes the room if it became empty.
func (h *Hub) LeaveRoom(clientID, roomID string) bool {
	wasMember, deleted := h.rooms.Leave(clientID, roomID)
	if !wasMember {
		return false
	}
	h.touch(clientID)
	if !deleted {
		h.BroadcastToRoom(roomID, model.Notification{
			Type: "user-left",
			Room: roomID,
			From: clientID,
		}, clientID)
	}
	return true
}

// SendMessage parses an envelope and dispatches it to the handler for its
// type. Unknown types and malformed payloads produce an error reply to
// the sender, never a hub failure.
func (h *Hub) SendMessage(clientID string, data []byte) error {
	h.mu.RLock()
	_, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	h.touch(clientID)

	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.metrics.MalformedMessages.Add(1)
		h.errorReply(clientID, "", "malformed message: "+err.Error())
		return nil
	}

	h.mu.RLock()
	handler, ok := h.handlers[env.Type]
	h.mu.RUnlock()
	if !ok {
		h.metrics.MalformedMessages.Add(1)
		h.errorReply(clientID, env.Type, "unknown message type")
		return nil
	}

	h.metrics.MessagesDispatched.Add(1)
	if err := handler(h, clientID, env.Payload); err != nil {
		h.errorReply(clientID, env.Type, err.Error())
	}
	return nil
}

// BroadcastToRoom schedules a jittered delivery to every room member
// except excludeID and returns how many deliveries were scheduled.
func (h *Hub) BroadcastToRoom(roomID string, n model.Notification, excludeID string) int {
	count := 0
	for _, id := range h.rooms.Members(roomID) {
		if id == excludeID {
			continue
		}
		h.send(id, n)
		count++
	}
	return count
}

// BroadcastToAll schedules a jittered delivery to every registered client
// except excludeID and returns how many deliveries were scheduled.
func (h *Hub) BroadcastToAll(n model.Notification, excludeID string) int {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		if id != excludeID {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.send(id, n)
	}
	return len(ids)
}

// send schedules one delivery after an independent random delay. Each
// delivery races every other one; that is the contract.
func (h *Hub) send(clientID string, n model.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = h.now()
	}
	h.metrics.DeliveriesScheduled.Add(1)
	time.AfterFunc(h.jitter(), func() {
		h.push(clientID, n)
	})
}

// push hands a notification to the client's queue. Delivery to a removed
// client is a silent no-op; a full queue drops the notification.
func (h *Hub) push(clientID string, n model.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	if !ok || c.state == StateClosed {
		h.metrics.DeliveriesDropped.Add(1)
		return
	}
	select {
	case c.notify <- n:
	default:
		h.metrics.DeliveriesDropped.Add(1)
		slog.Debug("notification dropped, queue full", "client", clientID, "type", n.Type)
	}
}

func (h *Hub) jitter() time.Duration {
	if h.cfg.JitterMax <= h.cfg.JitterMin {
		return h.cfg.JitterMin
	}
	return h.cfg.JitterMin + rand.N(h.cfg.JitterMax-h.cfg.JitterMin)
}

// touch records client activity for heartbeat liveness.
func (h *Hub) touch(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.lastActive = h.now()
	}
}

func (h *Hub) errorReply(clientID, msgType, message string) {
	payload, _ := json.Marshal(map[string]string{
		"message": message,
		"type":    msgType,
	})
	h.send(clientID, model.Notification{Type: "error", Payload: payload})
}
