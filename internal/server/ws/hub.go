package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/stakecourt/internal/domain"
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
	sendBufferSize = 256

	// maxReplay bounds how many stream entries a reconnecting client receives.
	maxReplay = 200
)

// Frame formats a client may ask for with ?format=.
const (
	FormatProto = "proto"
	FormatJSON  = "json"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Config selects the bus channels the hub relays and the stream used to
// replay history to reconnecting clients.
type Config struct {
	Channels  []string
	Stream    string
	StartedAt time.Time
}

// envelope is the subset of a bet event the hub filters on.
type envelope struct {
	Type  string `json:"type"`
	BetID uint64 `json:"bet_id"`
}

// message is one relayed payload, encoded lazily per format.
type message struct {
	channel string
	env     envelope
	raw     []byte

	once    sync.Once
	encoded []byte
	err     error
}

func newMessage(channel string, raw []byte) *message {
	m := &message{channel: channel, raw: raw}
	_ = json.Unmarshal(raw, &m.env)
	return m
}

// binary returns the payload as a serialized google.protobuf.Struct.
func (m *message) binary() ([]byte, error) {
	m.once.Do(func() {
		m.encoded, m.err = encodeStruct(m.raw)
	})
	return m.encoded, m.err
}

func encodeStruct(raw []byte) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("ws: decode payload: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("ws: build struct: %w", err)
	}
	return proto.Marshal(st)
}

// frame is a queued write.
type frame struct {
	kind int
	data []byte
}

// client represents a single WebSocket connection.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan frame
	format string

	mu     sync.RWMutex
	bets   map[uint64]bool
	events map[string]bool
}

// subscribeMsg narrows or widens what a client receives. Empty filters
// mean everything.
type subscribeMsg struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Bets   []uint64 `json:"bets"`
	Events []string `json:"events"`
}

// Hub relays bet events from the signal bus to connected WebSocket
// clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *message
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	cfg        Config
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a hub relaying cfg.Channels from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{"bets"}
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run starts the hub's main event loop. The loop exits when ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range h.cfg.Channels {
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
			h.logger.Info("ws: client connected",
				slog.String("format", c.format),
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.Int("total_clients", h.clientCount()),
			)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.env) {
					continue
				}
				f, err := c.encode(msg)
				if err != nil {
					h.logger.Warn("ws: encode frame", slog.String("error", err.Error()))
					continue
				}
				select {
				case c.send <- f:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", channel))

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
			case h.broadcast <- newMessage(channel, data):
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client. Query
// parameters: format=proto|json, bets=1,2, events=bet_resolved,...,
// replay=<stream id> to receive history after that id first.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := strings.ToLower(q.Get("format"))
	switch format {
	case "":
		format = FormatProto
	case FormatProto, FormatJSON:
	default:
		http.Error(w, `{"error":"format must be proto or json"}`, http.StatusBadRequest)
		return
	}
	bets, err := parseIDs(q.Get("bets"))
	if err != nil {
		http.Error(w, `{"error":"bets must be a comma separated list of ids"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan frame, sendBufferSize),
		format: format,
		bets:   make(map[uint64]bool),
		events: make(map[string]bool),
	}
	c.apply(subscribeMsg{Action: "subscribe", Bets: bets, Events: splitList(q.Get("events"))})

	c.sendStatus()
	if q.Has("replay") {
		c.replay(r.Context(), q.Get("replay"))
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
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
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.apply(sub)
		}
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	on := msg.Action == "subscribe"
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return
	}
	for _, id := range msg.Bets {
		if on {
			c.bets[id] = true
		} else {
			delete(c.bets, id)
		}
	}
	for _, ev := range msg.Events {
		if on {
			c.events[ev] = true
		} else {
			delete(c.events, ev)
		}
	}
}

func (c *client) wants(env envelope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.bets) > 0 && !c.bets[env.BetID] {
		return false
	}
	if len(c.events) == 0 {
		return true
	}
	for pattern := range c.events {
		if ok, _ := path.Match(pattern, env.Type); ok {
			return true
		}
	}
	return false
}

func (c *client) encode(m *message) (frame, error) {
	if c.format == FormatJSON {
		return frame{kind: websocket.TextMessage, data: m.raw}, nil
	}
	data, err := m.binary()
	if err != nil {
		return frame{}, err
	}
	return frame{kind: websocket.BinaryMessage, data: data}, nil
}

// sendStatus queues a hub_status frame so clients can mark the connection
// healthy before any event flows.
func (c *client) sendStatus() {
	raw, err := json.Marshal(map[string]any{
		"type": "hub_status",
		"payload": map[string]any{
			"channels":       c.hub.cfg.Channels,
			"format":         c.format,
			"uptime_seconds": max(int64(time.Since(c.hub.cfg.StartedAt).Seconds()), 0),
		},
	})
	if err != nil {
		return
	}
	if f, err := c.encode(newMessage("", raw)); err == nil {
		c.send <- f
	}
}

// replay queues stream entries recorded after lastID.
func (c *client) replay(ctx context.Context, lastID string) {
	if c.hub.cfg.Stream == "" {
		return
	}
	entries, err := c.hub.bus.StreamRead(ctx, c.hub.cfg.Stream, lastID, maxReplay)
	if err != nil {
		c.hub.logger.Warn("ws: replay failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		m := newMessage(c.hub.cfg.Stream, e.Payload)
		if !c.wants(m.env) {
			continue
		}
		f, err := c.encode(m)
		if err != nil {
			continue
		}
		select {
		case c.send <- f:
		default:
			return
		}
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
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIDs(s string) ([]uint64, error) {
	var out []uint64
	for _, part := range splitList(s) {
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
