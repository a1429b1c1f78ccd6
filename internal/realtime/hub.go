// Package realtime streams a player's domain events over WebSocket.
//
// The hub is an events.Publisher: the ledger-facing services emit into it
// after commit and every socket the player holds open receives a copy.
// Clients may narrow the stream by sending a subscription frame.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/vaultbet/internal/events"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

var (
	ErrBacklog = errors.New("realtime: broadcast backlog full")
	ErrClosed  = errors.New("realtime: hub stopped")
)

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000
	// MaxPerPlayer bounds the sockets a single player may hold open.
	MaxPerPlayer = 8

	sendBuffer   = 64
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	maxFrame     = 4096
)

// Subscription narrows the event types a client receives. An empty list
// means every type.
type Subscription struct {
	Types []events.Type `json:"types"`
}

func (s Subscription) wants(t events.Type) bool {
	return len(s.Types) == 0 || slices.Contains(s.Types, t)
}

// Client is one WebSocket connection bound to a player.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	player string
	send   chan []byte
	mu     sync.RWMutex
	sub    Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub fans events out to the sockets of the player they address.
type Hub struct {
	players    map[string]map[*Client]struct{}
	total      int
	broadcast  chan events.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	delivered atomic.Int64
	dropped   atomic.Int64
	peak      atomic.Int64
}

// NewHub creates a hub. Run must be started before events flow.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		players:    make(map[string]map[*Client]struct{}),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub's main loop. It returns when ctx is cancelled, closing
// every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for player, set := range h.players {
				for c := range set {
					close(c.send) // writePump sends a close frame
				}
				delete(h.players, player)
			}
			h.total = 0
			h.mu.Unlock()
			connectedClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			set, ok := h.players[c.player]
			if !ok {
				set = make(map[*Client]struct{})
				h.players[c.player] = set
			}
			set[c] = struct{}{}
			h.total++
			n := h.total
			h.mu.Unlock()
			if int64(n) > h.peak.Load() {
				h.peak.Store(int64(n))
			}
			connectedClients.Set(float64(n))
			h.logger.Debug("client connected", "player", c.player, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			n := h.total
			h.mu.Unlock()
			connectedClients.Set(float64(n))
			h.logger.Debug("client disconnected", "player", c.player, "total", n)

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

// remove must be called with h.mu held.
func (h *Hub) remove(c *Client) {
	set, ok := h.players[c.player]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	h.total--
	if len(set) == 0 {
		delete(h.players, c.player)
	}
}

func (h *Hub) deliver(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event encode failed", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for c := range h.players[ev.Player] {
		if !c.subscription().wants(ev.Type) {
			continue
		}
		select {
		case c.send <- data:
			h.delivered.Add(1)
			messagesSent.Inc()
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// Slow clients are cut loose rather than allowed to stall the loop.
	if len(slow) > 0 {
		h.mu.Lock()
		for _, c := range slow {
			h.remove(c)
			slowClients.Inc()
		}
		h.mu.Unlock()
	}
}

// Publish queues ev for the player's sockets. It never blocks: a full
// backlog drops the event and reports ErrBacklog.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	if ev.Player == "" {
		return nil
	}
	select {
	case h.broadcast <- ev:
		return nil
	default:
		h.dropped.Add(1)
		return ErrBacklog
	}
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Clients   int   `json:"clients"`
	Players   int   `json:"players"`
	Peak      int64 `json:"peak"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// Stats returns hub statistics.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Clients:   h.total,
		Players:   len(h.players),
		Peak:      h.peak.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

func (h *Hub) clientsFor(player string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.players[player])
}

// ServeBalance handles GET /ws/balance/:player. Ownership of :player is
// checked by the route's middleware.
func (h *Hub) ServeBalance(c *gin.Context) {
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "server shutting down"})
		return
	default:
	}

	player := c.Param("player")
	h.mu.RLock()
	n := h.total
	h.mu.RUnlock()
	if n >= h.maxClients || h.clientsFor(player) >= MaxPerPlayer {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "too many connections"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "player", player, "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		player: player,
		send:   make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription frames until the socket closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "player", c.player, "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "player", c.player, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
