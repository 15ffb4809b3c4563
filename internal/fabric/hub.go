// Package fabric is the session fabric: user rooms and game rooms,
// join/emit/count, disconnect-drain detection, and multi-node fanout. The
// local registry keys on an arbitrary room namespace so the same machinery
// serves both game rooms and user rooms.
package fabric

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected socket. A socket can belong to several rooms at
// once (its user room plus every game room it has joined).
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	UserID string
	send   chan []byte

	mu    sync.Mutex
	rooms map[string]bool
}

func newClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{hub: hub, conn: conn, UserID: userID, send: make(chan []byte, 256), rooms: make(map[string]bool)}
}

func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

type registration struct {
	client *Client
	room   string
	// done, when set, is closed once Run has applied the change.
	done chan struct{}
}

type broadcastMsg struct {
	room    string
	message []byte
}

// Hub is the in-process room registry, run on its own goroutine;
// registration and broadcast traffic flow through channels rather than a
// shared mutex on the hot path.
type Hub struct {
	rooms map[string]map[*Client]bool
	mu    sync.RWMutex

	register   chan registration
	unregister chan registration
	broadcast  chan broadcastMsg
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan registration, 64),
		unregister: make(chan registration, 64),
		broadcast:  make(chan broadcastMsg, 256),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case reg := <-h.register:
			h.mu.Lock()
			if h.rooms[reg.room] == nil {
				h.rooms[reg.room] = make(map[*Client]bool)
			}
			h.rooms[reg.room][reg.client] = true
			h.mu.Unlock()
			reg.client.mu.Lock()
			reg.client.rooms[reg.room] = true
			reg.client.mu.Unlock()

		case reg := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.rooms[reg.room]; ok {
				delete(clients, reg.client)
				if len(clients) == 0 {
					delete(h.rooms, reg.room)
				}
			}
			h.mu.Unlock()
			reg.client.mu.Lock()
			delete(reg.client.rooms, reg.room)
			reg.client.mu.Unlock()
			if reg.done != nil {
				close(reg.done)
			}

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := h.rooms[msg.room]
			recipients := make([]*Client, 0, len(clients))
			for c := range clients {
				recipients = append(recipients, c)
			}
			h.mu.RUnlock()

			var dead []*Client
			for _, c := range recipients {
				select {
				case c.send <- msg.message:
				default:
					dead = append(dead, c)
				}
			}
			for _, c := range dead {
				h.dropClient(c, msg.room)
			}
		}
	}
}

func (h *Hub) dropClient(c *Client, room string) {
	h.mu.Lock()
	if clients, ok := h.rooms[room]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) join(c *Client, room string) {
	h.register <- registration{client: c, room: room}
}

// leave returns only after Run has removed c from room, so a hasUser check
// that follows it sees the removal.
func (h *Hub) leave(c *Client, room string) {
	done := make(chan struct{})
	h.unregister <- registration{client: c, room: room, done: done}
	<-done
}

func (h *Hub) emitLocal(room string, message []byte) {
	h.broadcast <- broadcastMsg{room: room, message: message}
}

func (h *Hub) count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// hasUser reports whether any connection belonging to userID currently sits
// in room, used for the reconnect safety-net check.
func (h *Hub) hasUser(room, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

func (c *Client) readPump(onDisconnect func(*Client), onMessage func([]byte)) {
	defer func() {
		onDisconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("fabric: read error: %v", err)
			}
			break
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

// Send enqueues a pre-marshaled frame directly to this socket, bypassing
// room fanout entirely. Used for acks and the single-recipient payloads
// (game_state on join) addressed to the caller, not the room.
func (c *Client) Send(message []byte) {
	select {
	case c.send <- message:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func marshalEnvelope(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(struct {
		Type      string      `json:"type"`
		Payload   interface{} `json:"payload"`
		ServerTMs int64       `json:"serverTimeMs"`
	}{Type: event, Payload: payload, ServerTMs: time.Now().UnixMilli()})
}
