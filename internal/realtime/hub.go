// Package realtime fans domain events out to connected websocket
// sessions. Delivery is fire-and-forget, at most once per connected
// session; a disconnected client converges on its next full fetch.
package realtime

import (
	"encoding/json"
	"log"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type Conn struct {
	hub    *Hub
	userID string
	sock   net.Conn
	out    chan []byte
	topics map[string]struct{}
	once   sync.Once
}

func (c *Conn) UserID() string {
	return c.userID
}

// Close tears the connection down and removes it from the hub.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.hub.remove(c)
		close(c.out)
		_ = c.sock.Close()
	})
}

type Hub struct {
	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	users  map[string]map[*Conn]struct{}
	topics map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns:  make(map[*Conn]struct{}),
		users:  make(map[string]map[*Conn]struct{}),
		topics: make(map[string]map[*Conn]struct{}),
	}
}

// Join registers an authenticated websocket connection. The connection
// is placed in the user's personal room; reader and writer loops run
// until the peer goes away.
func (h *Hub) Join(userID string, sock net.Conn) *Conn {
	conn := &Conn{
		hub:    h,
		userID: userID,
		sock:   sock,
		out:    make(chan []byte, 64),
		topics: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	if h.users[userID] == nil {
		h.users[userID] = make(map[*Conn]struct{})
	}
	h.users[userID][conn] = struct{}{}
	h.mu.Unlock()

	go conn.writeLoop()
	go conn.readLoop()
	return conn
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, c)
	if peers := h.users[c.userID]; peers != nil {
		delete(peers, c)
		if len(peers) == 0 {
			delete(h.users, c.userID)
		}
	}
	for topic := range c.topics {
		if subs := h.topics[topic]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
}

// Broadcast delivers an event to every connected session.
func (h *Hub) Broadcast(event string, data any) {
	frame, err := encodeEnvelope(event, data)
	if err != nil {
		log.Printf("realtime: marshal %s: %v", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.conns {
		conn.send(frame)
	}
}

// ToUser delivers an event to every session of one user.
func (h *Hub) ToUser(userID, event string, data any) {
	frame, err := encodeEnvelope(event, data)
	if err != nil {
		log.Printf("realtime: marshal %s: %v", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.users[userID] {
		conn.send(frame)
	}
}

// ToTask delivers an event to sessions subscribed to a task topic.
func (h *Hub) ToTask(taskID, event string, data any) {
	frame, err := encodeEnvelope(event, data)
	if err != nil {
		log.Printf("realtime: marshal %s: %v", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.topics[taskTopic(taskID)] {
		conn.send(frame)
	}
}

func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) TaskSubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[taskTopic(taskID)])
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (h *Hub) subscribe(c *Conn, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topic := taskTopic(taskID)
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Conn]struct{})
	}
	h.topics[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) unsubscribe(c *Conn, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topic := taskTopic(taskID)
	if subs := h.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(c.topics, topic)
}

func taskTopic(taskID string) string {
	return "task:" + taskID
}

// send enqueues a frame without blocking; a session that cannot keep up
// loses the frame and recovers on its next full fetch.
func (c *Conn) send(frame []byte) {
	select {
	case c.out <- frame:
	default:
	}
}

func (c *Conn) writeLoop() {
	for frame := range c.out {
		if err := wsutil.WriteServerText(c.sock, frame); err != nil {
			c.Close()
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		data, op, err := wsutil.ReadClientData(c.sock)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		var payload subscribePayload
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &payload); err != nil {
				continue
			}
		}
		if payload.TaskID == "" {
			continue
		}

		switch envelope.Event {
		case EventSubscribeTask:
			c.hub.subscribe(c, payload.TaskID)
		case EventUnsubscribeTask:
			c.hub.unsubscribe(c, payload.TaskID)
		}
	}
}
