package http

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Hub indexes live connections by user and fans events out to them.
// It implements app.Notifier.
type Hub struct {
	log *logrus.Entry

	mu    sync.RWMutex
	users map[string]map[string]*Connection // userID -> connectionID -> conn
}

func NewHub() *Hub {
	return &Hub{
		log:   logrus.WithField("component", "hub"),
		users: make(map[string]map[string]*Connection),
	}
}

func (h *Hub) Add(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.users[c.identity.UserID]
	if !ok {
		conns = make(map[string]*Connection)
		h.users[c.identity.UserID] = conns
	}
	conns[c.id] = c
}

func (h *Hub) Remove(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.users[c.identity.UserID]
	if !ok {
		return
	}
	delete(conns, c.id)
	if len(conns) == 0 {
		delete(h.users, c.identity.UserID)
	}
}

// SendToUser delivers to every live connection of userID.
func (h *Hub) SendToUser(userID, event string, payload any) {
	frame, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.users[userID] {
		c.enqueue(frame)
	}
}

// Broadcast delivers to every live connection.
func (h *Hub) Broadcast(event string, payload any) {
	frame, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.users {
		for _, c := range conns {
			c.enqueue(frame)
		}
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.users {
		n += len(conns)
	}
	return n
}

// CloseAll closes every connection, e.g. on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.users {
		for _, c := range conns {
			c.Close()
		}
	}
}

func (h *Hub) encode(event string, payload any) ([]byte, bool) {
	frame, err := json.Marshal(outboundMessage{Type: event, Payload: payload})
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("encode event failed")
		return nil, false
	}
	return frame, true
}
