package realtime

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"huddle/api/internal/store"
)

// Directory answers access questions from current membership state. Joins
// are re-validated here on every attempt; nothing a client claims is trusted.
type Directory interface {
	CanAccess(ctx context.Context, userID, conversationID string) (bool, error)
	ConversationIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// Sender is the append path. The hub never persists anything itself; a send
// frame is delegated here and the broadcast happens only after the durable
// append, via MessageCreated.
type Sender interface {
	SendFromConnection(ctx context.Context, userID, userName, conversationID, content string) error
}

// Bus fans events out to every API instance. Optional; nil means this
// instance delivers only to its own connections.
type Bus interface {
	Publish(ctx context.Context, event Event) error
}

// Hub owns rooms (one per conversation), the presence registry, and all live
// connections. Rooms are locked individually so unrelated conversations never
// serialize against each other.
type Hub struct {
	directory Directory
	sender    Sender
	bus       Bus
	presence  *Registry

	mu    sync.RWMutex
	rooms map[string]*room

	upgrader websocket.Upgrader
}

type room struct {
	mu      sync.RWMutex
	members map[string]*Conn // by connection id
}

func NewHub(directory Directory, sender Sender) *Hub {
	return &Hub{
		directory: directory,
		sender:    sender,
		presence:  NewRegistry(),
		rooms:     make(map[string]*room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// AttachBus wires the cross-instance event bus. Events published locally come
// back through RemoteEvent on every instance, including this one.
func (h *Hub) AttachBus(bus Bus) { h.bus = bus }

func (h *Hub) Presence() *Registry { return h.presence }

// ServeWS upgrades an authenticated request and runs the connection until it
// drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID, userName string) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade failed for user %s: %v", userID, err)
		return
	}

	conn := &Conn{
		id:       uuid.NewString(),
		userID:   userID,
		userName: userName,
		hub:      h,
		socket:   socket,
		send:     make(chan Event, sendBuffer),
		joined:   make(map[string]struct{}),
	}

	if first := h.presence.Connect(conn.id, userID); first {
		h.notifyPresence(r.Context(), userID, PresencePayload{UserID: userID, Online: true})
	}

	go conn.writePump()
	conn.readPump()
}

// ---------------------------------------------------------------------------
// Broadcast entry points (implement app.Broadcaster)

// MessageCreated is called with the append lock of the message's conversation
// held, so delivery order to each room matches persistence order.
func (h *Hub) MessageCreated(message store.Message) {
	h.publish(messageEvent(EventMessageCreated, message))
}

// MessageFlagged broadcasts a flag annotation, keyed by message id so clients
// merge it into the existing record instead of appending.
func (h *Hub) MessageFlagged(message store.Message) {
	h.publish(messageEvent(EventMessageFlagged, message))
}

func (h *Hub) publish(event Event) {
	if h.bus != nil {
		if err := h.bus.Publish(context.Background(), event); err == nil {
			return
		}
		// Bus down: degrade to local-only delivery rather than dropping.
	}
	h.deliverLocal(event)
}

// RemoteEvent delivers a bus event to this instance's rooms.
func (h *Hub) RemoteEvent(event Event) {
	h.deliverLocal(event)
}

func (h *Hub) deliverLocal(event Event) {
	r := h.room(event.ConversationID, false)
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.members {
		conn.deliver(event)
	}
}

func (h *Hub) notifyPresence(ctx context.Context, userID string, payload PresencePayload) {
	conversationIDs, err := h.directory.ConversationIDsForUser(ctx, userID)
	if err != nil {
		log.Printf("realtime: presence fanout for user %s: %v", userID, err)
		return
	}
	for _, conversationID := range conversationIDs {
		h.publish(Event{
			Type:           EventPresenceChanged,
			ConversationID: conversationID,
			Presence:       &payload,
		})
	}
}

// ---------------------------------------------------------------------------
// Room membership

func (h *Hub) room(conversationID string, create bool) *room {
	h.mu.RLock()
	r, ok := h.rooms[conversationID]
	h.mu.RUnlock()
	if ok || !create {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok = h.rooms[conversationID]; ok {
		return r
	}
	r = &room{members: make(map[string]*Conn)}
	h.rooms[conversationID] = r
	return r
}

// join adds the connection to a conversation's room after re-validating
// access. Denials are logged server-side and silently ignored client-side so
// an attacker cannot probe which conversations exist.
func (h *Hub) join(ctx context.Context, conn *Conn, conversationID string) bool {
	ok, err := h.directory.CanAccess(ctx, conn.userID, conversationID)
	if err != nil {
		log.Printf("realtime: join access check: user=%s conversation=%s: %v", conn.userID, conversationID, err)
		return false
	}
	if !ok {
		log.Printf("realtime: join denied: user=%s conversation=%s", conn.userID, conversationID)
		return false
	}

	r := h.room(conversationID, true)
	r.mu.Lock()
	r.members[conn.id] = conn
	r.mu.Unlock()
	return true
}

func (h *Hub) leave(conn *Conn, conversationID string) {
	r := h.room(conversationID, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.members, conn.id)
	r.mu.Unlock()
}

// drop removes a connection from every room and the presence registry, and
// announces the offline transition if this was the user's last connection.
func (h *Hub) drop(conn *Conn) {
	for conversationID := range conn.joined {
		h.leave(conn, conversationID)
	}
	userID, wentOffline := h.presence.Disconnect(conn.id)
	if wentOffline {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.notifyPresence(ctx, userID, PresencePayload{UserID: userID, Online: false})
	}
}
