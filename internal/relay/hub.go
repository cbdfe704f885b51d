// Package relay routes client events between connections. A Hub owns the
// connection registry, the room membership table and the message factory for
// one server process; it is built once in main and handed to the transport.
package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/sockrelay/chat/internal/chat"
	"github.com/sockrelay/chat/internal/metrics"
	"github.com/sockrelay/chat/internal/moderation"
	"github.com/sockrelay/chat/internal/protocol"
	"github.com/sockrelay/chat/internal/ratelimit"
	"github.com/sockrelay/chat/internal/room"
	"github.com/sockrelay/chat/internal/session"
)

// Sender writes one frame to one connection.
type Sender interface {
	Send(connID string, data []byte) error
}

// CustomHandler is invoked for every custom_event before the acknowledgement
// is sent back.
type CustomHandler func(connID string, data json.RawMessage)

// Option configures a Hub.
type Option func(*Hub)

// WithCustomHandler installs fn as the custom_event hook.
func WithCustomHandler(fn CustomHandler) Option {
	return func(h *Hub) { h.custom = fn }
}

// WithClock overrides the clock used for custom_response timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithMessageLimit throttles chat_message and room_message per connection.
// Messages over the limit are dropped.
func WithMessageLimit(rule ratelimit.Rule) Option {
	return func(h *Hub) {
		if rule.Enabled() {
			h.limiter = ratelimit.NewLimiter(rule)
		}
	}
}

// WithContentFilter screens chat_message and room_message text. Blocked
// messages are dropped without a reply.
func WithContentFilter(f *moderation.Filter) Option {
	return func(h *Hub) {
		if f != nil && !f.Empty() {
			h.filter = f
		}
	}
}

// Hub is the server-side event router.
type Hub struct {
	registry   *session.Registry
	rooms      *room.Membership
	messages   *chat.Factory
	presence   *Presence
	dispatcher *Dispatcher
	sender     Sender
	custom     CustomHandler
	limiter    *ratelimit.Limiter // nil when unlimited
	filter     *moderation.Filter // nil when unfiltered
	now        func() time.Time
}

// NewHub creates a Hub with empty state. SetSender must be called before the
// transport starts delivering events.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		messages:   chat.NewFactory(),
		dispatcher: NewDispatcher(),
		now:        time.Now,
	}
	h.registry = session.NewRegistry(func(int) { h.presence.Recompute() })
	h.rooms = room.NewMembership(h.registry)
	h.presence = NewPresence(h.registry.Count, func(count int) {
		h.BroadcastAll(protocol.TypeUserCount, count)
	})

	for _, opt := range opts {
		opt(h)
	}

	h.dispatcher.Register(protocol.TypeIdentify, h.handleIdentify)
	h.dispatcher.Register(protocol.TypeChatMessage, h.handleChatMessage)
	h.dispatcher.Register(protocol.TypeJoinRoom, h.handleJoinRoom)
	h.dispatcher.Register(protocol.TypeLeaveRoom, h.handleLeaveRoom)
	h.dispatcher.Register(protocol.TypeRoomMessage, h.handleRoomMessage)
	h.dispatcher.Register(protocol.TypeCustomEvent, h.handleCustomEvent)
	return h
}

// SetSender assigns the transport used for delivery. It exists because the
// transport is constructed with the Hub as its handler.
func (h *Hub) SetSender(s Sender) {
	h.sender = s
}

// Registry returns the connection registry.
func (h *Hub) Registry() *session.Registry {
	return h.registry
}

// Rooms returns the room membership table.
func (h *Hub) Rooms() *room.Membership {
	return h.rooms
}

// ---------------------------------------------------------------------------
// Transport callbacks
// ---------------------------------------------------------------------------

// OnConnect registers a freshly upgraded connection. The resulting presence
// update reaches the new connection too.
func (h *Hub) OnConnect(connID, userAgent string) {
	h.registry.Register(session.Connection{
		ID:          connID,
		ConnectedAt: time.Now(),
		UserAgent:   userAgent,
	})
	log.Printf("[relay] connected conn=%s (total=%d)", connID, h.registry.Count())
}

// OnMessage handles one inbound text frame. Frames from the same connection
// must not be passed concurrently.
func (h *Hub) OnMessage(connID string, data []byte) {
	h.dispatcher.Dispatch(connID, data)
}

// OnDisconnect removes every trace of the connection. The registry entry is
// removed first so that a join racing the disconnect is rejected.
func (h *Hub) OnDisconnect(connID string) {
	if !h.registry.Unregister(connID) {
		return
	}
	left := h.rooms.RemoveConnection(connID)
	if h.limiter != nil {
		h.limiter.Forget(connID)
	}
	metrics.RoomsActive.Set(float64(h.rooms.RoomCount()))
	log.Printf("[relay] disconnected conn=%s rooms_left=%v (total=%d)", connID, left, h.registry.Count())
}

// ---------------------------------------------------------------------------
// Delivery primitives
// ---------------------------------------------------------------------------

// BroadcastAll sends an event to every registered connection and returns the
// number of successful deliveries.
func (h *Hub) BroadcastAll(eventType string, payload interface{}) int {
	frame, ok := h.encode(eventType, payload)
	if !ok {
		return 0
	}
	return h.deliver("all", h.registry.IDs(), frame)
}

// SendTo sends an event to a single connection.
func (h *Hub) SendTo(connID, eventType string, payload interface{}) error {
	frame, err := protocol.NewServerMessage(eventType, payload)
	if err != nil {
		return err
	}
	if h.sender == nil {
		return fmt.Errorf("relay: no sender configured")
	}
	if err := h.sender.Send(connID, frame); err != nil {
		metrics.DeliveriesTotal.WithLabelValues("direct", "failed").Inc()
		return fmt.Errorf("relay: send %s to %s: %w", eventType, connID, err)
	}
	metrics.DeliveriesTotal.WithLabelValues("direct", "ok").Inc()
	return nil
}

// SendToRoom sends an event to the connections that are members of room at
// the moment of sending. Joins and leaves wait for the delivery to finish.
func (h *Hub) SendToRoom(room, eventType string, payload interface{}) int {
	frame, ok := h.encode(eventType, payload)
	if !ok {
		return 0
	}
	var delivered int
	h.rooms.Deliver(room, func(members []string) {
		delivered = h.deliver("room", members, frame)
	})
	return delivered
}

func (h *Hub) encode(eventType string, payload interface{}) ([]byte, bool) {
	frame, err := protocol.NewServerMessage(eventType, payload)
	if err != nil {
		log.Printf("[relay] failed to build %s: %v", eventType, err)
		return nil, false
	}
	if h.sender == nil {
		log.Printf("[relay] no sender configured, dropping %s", eventType)
		return nil, false
	}
	return frame, true
}

func (h *Hub) deliver(scope string, ids []string, frame []byte) int {
	var ok int
	for _, id := range ids {
		if err := h.sender.Send(id, frame); err != nil {
			log.Printf("[relay] %s delivery to conn=%s failed: %v", scope, id, err)
			metrics.DeliveriesTotal.WithLabelValues(scope, "failed").Inc()
			continue
		}
		ok++
	}
	metrics.DeliveriesTotal.WithLabelValues(scope, "ok").Add(float64(ok))
	return ok
}

// allow applies the content filter and the message limit, if any.
func (h *Hub) allow(connID, eventType, text string) bool {
	if h.filter != nil {
		if r := h.filter.Check(text); r.Blocked {
			metrics.MessagesBlocked.WithLabelValues(r.Reason).Inc()
			log.Printf("[relay] %s from conn=%s blocked: %s (%s)", eventType, connID, r.Reason, r.Term)
			return false
		}
	}
	if h.limiter != nil && !h.limiter.Allow(connID) {
		metrics.RateLimited.WithLabelValues(eventType).Inc()
		log.Printf("[relay] %s from conn=%s rate limited", eventType, connID)
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Event handlers
// ---------------------------------------------------------------------------

func (h *Hub) handleIdentify(connID string, ev protocol.ClientEvent) {
	m := ev.(protocol.IdentifyEvent)
	if h.registry.Identify(connID, m.UserID, m.Username) {
		log.Printf("[relay] identify conn=%s user=%s username=%q", connID, m.UserID, m.Username)
	}
}

func (h *Hub) handleChatMessage(connID string, ev protocol.ClientEvent) {
	m := ev.(protocol.ChatMessageEvent)
	if err := chat.ValidateText(m.Text); err != nil {
		log.Printf("[relay] chat_message rejected conn=%s: %v", connID, err)
		return
	}
	if !h.allow(connID, protocol.TypeChatMessage, m.Text) {
		return
	}

	msg := h.messages.New(connID, m.Text, m.Username)
	n := h.BroadcastAll(protocol.TypeChatMessage, msg)
	log.Printf("[relay] chat_message id=%s conn=%s delivered=%d", msg.ID, connID, n)
}

func (h *Hub) handleJoinRoom(connID string, ev protocol.ClientEvent) {
	m := ev.(protocol.JoinRoomEvent)
	if h.rooms.Join(connID, m.Room) {
		log.Printf("[relay] conn=%s joined room=%q", connID, m.Room)
	}
	metrics.RoomsActive.Set(float64(h.rooms.RoomCount()))
}

func (h *Hub) handleLeaveRoom(connID string, ev protocol.ClientEvent) {
	m := ev.(protocol.LeaveRoomEvent)
	if h.rooms.Leave(connID, m.Room) {
		log.Printf("[relay] conn=%s left room=%q", connID, m.Room)
	} else {
		log.Printf("[relay] leave room=%q conn=%s: not a member", m.Room, connID)
	}
	metrics.RoomsActive.Set(float64(h.rooms.RoomCount()))
}

// handleRoomMessage delivers a chat line to a room. Only members may post.
func (h *Hub) handleRoomMessage(connID string, ev protocol.ClientEvent) {
	m := ev.(protocol.RoomMessageEvent)
	if err := chat.ValidateText(m.Text); err != nil {
		log.Printf("[relay] room_message rejected conn=%s: %v", connID, err)
		return
	}
	if !h.rooms.IsMember(connID, m.Room) {
		log.Printf("[relay] room_message to room=%q from non-member conn=%s ignored", m.Room, connID)
		return
	}
	if !h.allow(connID, protocol.TypeRoomMessage, m.Text) {
		return
	}

	msg := h.messages.NewForRoom(connID, m.Room, m.Text, m.Username)
	n := h.SendToRoom(m.Room, protocol.TypeRoomMessage, msg)
	log.Printf("[relay] room_message id=%s room=%q conn=%s delivered=%d", msg.ID, m.Room, connID, n)
}

func (h *Hub) handleCustomEvent(connID string, ev protocol.ClientEvent) {
	m := ev.(protocol.CustomEvent)
	if h.custom != nil {
		h.custom(connID, m.Data)
	}

	resp := protocol.CustomResponseMsg{
		Status:       "received",
		OriginalData: m.Data,
		Timestamp:    h.now().UTC().Format(time.RFC3339Nano),
	}
	if err := h.SendTo(connID, protocol.TypeCustomResponse, resp); err != nil {
		log.Printf("[relay] custom_response conn=%s: %v", connID, err)
	}
}
