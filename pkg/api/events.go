package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Message is one event pushed to websocket listeners. Type is one of
// log, connectionState, currentlyLoadedInsert or swapState.
type Message struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Hub fans messages out to websocket listeners.
type Hub struct {
	upgrader websocket.Upgrader
	greet    func() []Message

	mu      sync.RWMutex
	clients map[int64]*wsClient
	nextID  atomic.Int64
	closed  bool
}

// NewHub creates a hub. greet, when set, yields the messages a new
// listener receives first.
func NewHub(greet func() []Message) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		greet:   greet,
		clients: make(map[int64]*wsClient),
	}
}

// Broadcast queues m for every listener.
func (h *Hub) Broadcast(m Message) {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.send(m)
	}
}

// Clients returns the number of listeners.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every listener and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[int64]*wsClient)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// ServeHTTP upgrades the request and streams messages until the
// listener goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := &wsClient{
		id:     h.nextID.Add(1),
		conn:   conn,
		sendCh: make(chan Message, 64),
		done:   make(chan struct{}),
	}
	if h.greet != nil {
		for _, m := range h.greet() {
			if m.Time.IsZero() {
				m.Time = time.Now()
			}
			c.send(m)
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	logger.WithField("client", c.id).Debug("event listener connected")

	go c.writePump()
	c.readPump()

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	logger.WithField("client", c.id).Debug("event listener disconnected")
}

type wsClient struct {
	id        int64
	conn      *websocket.Conn
	sendCh    chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// send drops the message when the listener is too slow.
func (c *wsClient) send(m Message) {
	select {
	case c.sendCh <- m:
	case <-c.done:
	default:
		logger.WithField("client", c.id).Warn("dropping event, listener too slow")
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump discards inbound messages; it exists to process control
// frames and notice the close.
func (c *wsClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case m := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(m); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
