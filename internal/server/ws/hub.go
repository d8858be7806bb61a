package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 64
)

// relayedChannels are the signal bus channels pushed to clients.
var relayedChannels = []string{domain.ChannelRequest, domain.ChannelMatch}

// client is one WebSocket connection. It only receives events naming a
// player, request or match it watches.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	players  map[string]bool
	requests map[string]bool
	matches  map[string]bool
}

// watchMsg is the JSON text frame a client sends to change what it watches:
// {"action":"watch","players":["0x.."],"requests":["..."],"matches":["..."]}
type watchMsg struct {
	Action   string   `json:"action"` // "watch" or "unwatch"
	Players  []string `json:"players"`
	Requests []string `json:"requests"`
	Matches  []string `json:"matches"`
}

// Hub bridges the SignalBus request and match channels to WebSocket
// clients, so players learn about their match without polling.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

// Config captures the hub's runtime metadata and origin policy.
type Config struct {
	Mode           string
	StartedAt      time.Time
	AllowedOrigins []string // empty allows any origin
}

// NewHub creates a new WebSocket hub that relays the SignalBus to clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws")),
		mode:       cfg.Mode,
		startedAt:  startedAt,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run starts the hub's main event loop. It handles client registration,
// unregistration, and event fan-out, and returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for _, ch := range relayedChannels {
		go h.subscribeToChannel(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Debug("ws: client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("ws: client disconnected", slog.Int("total_clients", h.clientCount()))

		case data := <-h.broadcast:
			var evt domain.Event
			if err := json.Unmarshal(data, &evt); err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.watches(evt) {
					continue
				}
				select {
				case c.send <- data:
				default:
					h.logger.Warn("ws: dropping event for slow client", slog.String("event", evt.Event))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribeToChannel forwards one pub/sub channel into the broadcast loop.
func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", channel))
				return
			}
			select {
			case h.broadcast <- data:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client. The player,
// request and match query parameters set the initial watch list.
// GET /ws?player=0x..&request=..
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	q := r.URL.Query()
	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		players:  make(map[string]bool),
		requests: make(map[string]bool),
		matches:  make(map[string]bool),
	}
	c.apply(watchMsg{Action: "watch", Players: q["player"], Requests: q["request"], Matches: q["match"]})
	c.sendHello()

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads watch-list changes until the connection drops.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var msg watchMsg
		if err := json.Unmarshal(message, &msg); err == nil {
			c.apply(msg)
		}
	}
}

func (c *client) apply(msg watchMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := func(m map[string]bool, keys []string) {
		for _, k := range keys {
			if k = strings.TrimSpace(k); k == "" {
				continue
			}
			if msg.Action == "unwatch" {
				delete(m, k)
			} else {
				m[k] = true
			}
		}
	}
	set(c.players, msg.Players)
	set(c.requests, msg.Requests)
	set(c.matches, msg.Matches)
}

// watches reports whether evt concerns anything c follows. Watching a
// request also follows the match it ends up in.
func (c *client) watches(evt domain.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if evt.RequestID != "" && c.requests[evt.RequestID] && evt.MatchID != "" {
		c.matches[evt.MatchID] = true
	}
	return (evt.Player != "" && c.players[evt.Player]) ||
		(evt.RequestID != "" && c.requests[evt.RequestID]) ||
		(evt.MatchID != "" && c.matches[evt.MatchID])
}

// sendHello tells the client the connection is live.
func (c *client) sendHello() {
	msg, err := json.Marshal(map[string]any{
		"event":          "hello",
		"mode":           c.hub.mode,
		"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// writePump writes queued events as text frames and keeps the connection
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
