package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
)

// Conn is the write side of a websocket connection. *websocket.Conn
// satisfies it; tests substitute recorders.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Hub owns the process-local registry of connections, conversation rooms
// and private per-user rooms. All state is local to this instance; cross-
// instance coordination happens through the broker, not here.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[int]map[Conn]bool // conversationID -> conns viewing it
	userConns map[int]map[Conn]bool // userID -> all of the user's conns
	info      map[Conn]ConnInfo
	writers   map[Conn]*sync.Mutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:     make(map[int]map[Conn]bool),
		userConns: make(map[int]map[Conn]bool),
		info:      make(map[Conn]ConnInfo),
		writers:   make(map[Conn]*sync.Mutex),
	}
}

// Register binds a connection to its user's private room.
func (h *Hub) Register(conn Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.userConns[info.UserID]; !ok {
		h.userConns[info.UserID] = make(map[Conn]bool)
	}
	h.userConns[info.UserID][conn] = true
	h.info[conn] = info
	h.writers[conn] = &sync.Mutex{}
}

// Unregister removes a connection from every room it joined.
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn)
}

func (h *Hub) removeLocked(conn Conn) {
	info, ok := h.info[conn]
	if ok {
		if conns, exists := h.userConns[info.UserID]; exists {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.userConns, info.UserID)
			}
		}
	}
	for conversationID, conns := range h.rooms {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	delete(h.info, conn)
	delete(h.writers, conn)
}

// JoinRoom adds a connection to a conversation room.
func (h *Hub) JoinRoom(conversationID int, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[Conn]bool)
	}
	h.rooms[conversationID][conn] = true
}

// LeaveRoom removes a connection from a conversation room.
func (h *Hub) LeaveRoom(conversationID int, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[conversationID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// Info returns the registration info for a connection.
func (h *Hub) Info(conn Conn) (ConnInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	info, ok := h.info[conn]
	return info, ok
}

// FanOutNewMessage delivers a new message to the conversation room and to
// each participant's private room, writing once per connection. Connections
// bound to excludeUserID are skipped entirely: the sender already received
// a direct echo, and exclusion by user id (not connection id) keeps the
// rule correct when one user has several devices on this instance.
func (h *Hub) FanOutNewMessage(conversationID int, participants []int, excludeUserID int, msg models.Message) {
	event := models.ServerEvent{Type: models.EventNewMessage, Message: &msg}
	h.fanOut(conversationID, participants, excludeUserID, event)
}

// FanOutStatus delivers a status change to the conversation room and every
// participant's private room. No exclusion: the original sender wants to
// see their message move to delivered/read too.
func (h *Hub) FanOutStatus(conversationID int, participants []int, msg models.Message) {
	event := models.ServerEvent{Type: models.EventMessageStatus, Message: &msg}
	h.fanOut(conversationID, participants, 0, event)
}

func (h *Hub) fanOut(conversationID int, participants []int, excludeUserID int, event models.ServerEvent) {
	payload, _ := json.Marshal(event)

	h.mu.RLock()
	targets := make(map[Conn]bool)
	for conn := range h.rooms[conversationID] {
		targets[conn] = true
	}
	for _, userID := range participants {
		for conn := range h.userConns[userID] {
			targets[conn] = true
		}
	}
	if excludeUserID != 0 {
		for conn := range targets {
			if info, ok := h.info[conn]; ok && info.UserID == excludeUserID {
				delete(targets, conn)
			}
		}
	}
	h.mu.RUnlock()

	for conn := range targets {
		h.write(conn, payload)
	}
}

// BroadcastPresence sends a presence transition to every local connection.
func (h *Hub) BroadcastPresence(update models.PresenceUpdate) {
	event := models.ServerEvent{Type: models.EventPresenceUpdate, Presence: &update}
	payload, _ := json.Marshal(event)

	h.mu.RLock()
	conns := make([]Conn, 0, len(h.info))
	for conn := range h.info {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.write(conn, payload)
	}
}

// SendToConn writes a single event to one connection, used for the sender
// echo and per-connection error reporting.
func (h *Hub) SendToConn(conn Conn, event models.ServerEvent) {
	payload, _ := json.Marshal(event)
	h.write(conn, payload)
}

// write serializes writes per connection: the read loop, the bus subscriber
// and the pending sweep can all target the same conn, and gorilla/websocket
// allows at most one concurrent writer.
func (h *Hub) write(conn Conn, payload []byte) {
	h.mu.RLock()
	lock, ok := h.writers[conn]
	h.mu.RUnlock()
	if !ok {
		return
	}

	lock.Lock()
	err := conn.WriteMessage(websocket.TextMessage, payload)
	lock.Unlock()

	if err != nil {
		log.Printf("websocket write error: %v", err)
		conn.Close()
		h.Unregister(conn)
		observability.IncWSEvent("ws_error")
	}
}
