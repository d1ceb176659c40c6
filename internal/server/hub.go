package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kimhsiao/offlinekit/internal/cache"
	"github.com/kimhsiao/offlinekit/internal/logging"
	"github.com/kimhsiao/offlinekit/internal/sync/queue"
)

// EventCacheEvicted is broadcast after an eviction sweep removed keys.
const EventCacheEvicted = "cache.evicted"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts requests without an Origin header and browser pages served from loopback.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Envelope wraps every message pushed to clients.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// client is one websocket connection. An empty subscription set receives everything.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]bool
}

func (c *client) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	if c.subscriptions[eventType] {
		return true
	}
	// "sync" or "sync.*" subscribes to the whole family.
	family, _, _ := strings.Cut(eventType, ".")
	return c.subscriptions[family] || c.subscriptions[family+".*"]
}

type message struct {
	eventType string
	payload   []byte
}

// Hub keeps the connected clients and fans out events.
type Hub struct {
	clients    map[string]*client
	broadcast  chan message
	unregister chan *client
	quit       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	log        *logging.Logger
}

// NewHub creates a hub and starts its loop.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan message, sendBuffer),
		unregister: make(chan *client),
		quit:       make(chan struct{}),
		log:        logging.Get().With("websocket"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client disconnected", map[string]interface{}{"client_id": c.id, "total": n})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(msg.eventType) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// Slow client: drop it rather than stall everyone else.
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close disconnects every client and stops the loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for every interested client. It never blocks;
// events are dropped when the hub is closed or backed up.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	payload, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.log.Error("Failed to marshal event", err, map[string]interface{}{"type": eventType})
		return
	}

	select {
	case <-h.quit:
	case h.broadcast <- message{eventType: eventType, payload: payload}:
	default:
		h.log.Warn("Event dropped, broadcast buffer full", map[string]interface{}{"type": eventType})
	}
}

// QueueListener forwards sync queue events to clients.
func (h *Hub) QueueListener() queue.Listener {
	return func(e queue.Event) {
		data := map[string]interface{}{}
		if e.DrainID != "" {
			data["drain_id"] = e.DrainID
		}
		if m := e.Mutation; m != nil {
			data["id"] = m.ID
			data["method"] = m.Method
			data["url"] = m.URL
			data["retries"] = m.Retries
		}
		if e.Err != nil {
			data["error"] = e.Err.Error()
		}

		switch e.Type {
		case queue.EventDrainStarted:
			data["pending"] = e.Pending
		case queue.EventRetryScheduled:
			data["delay_ms"] = e.Delay.Milliseconds()
		case queue.EventDrainCompleted:
			if r := e.Result; r != nil {
				data["attempted"] = r.Attempted
				data["succeeded"] = r.Succeeded
				data["retried"] = r.Retried
				data["dropped"] = r.Dropped
			}
		}
		h.Broadcast(string(e.Type), data)
	}
}

// EvictionListener forwards eviction results to clients.
func (h *Hub) EvictionListener() func(cache.EvictionResult) {
	return func(r cache.EvictionResult) {
		h.Broadcast(EventCacheEvicted, map[string]interface{}{
			"evicted":         r.Evicted,
			"failed":          r.Failed,
			"size_before":     r.SizeBefore,
			"estimated_after": r.EstimatedAfter,
			"keys":            r.Keys,
		})
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:            uuid.New().String(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	h.mu.Lock()
	select {
	case <-h.quit:
		h.mu.Unlock()
		conn.Close()
		return
	default:
	}
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("Client connected", map[string]interface{}{"client_id": c.id, "total": n})

	go c.writePump()
	go c.readPump()
}

type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("Websocket read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// reply sends a direct response. It is dropped if the client is being disconnected.
func (c *client) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().UnixMilli()
	payload, _ := json.Marshal(body)

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
