package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"iogrid/internal/game"
	"iogrid/internal/pubsub"
)

const (
	// MaxWSConnectionsTotal is the default cap on WebSocket connections
	MaxWSConnectionsTotal = 2000

	// MaxWSConnectionsPerIP is the default per-IP cap
	MaxWSConnectionsPerIP = 10

	maxMessageSize = 4096
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
)

// GatewayConfig configures the client gateway.
type GatewayConfig struct {
	ActionsPerSecond float64
	ActionBurst      int
	MaxConnections   int
	MaxPerIP         int
}

// DefaultGatewayConfig returns production defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ActionsPerSecond: 60,
		ActionBurst:      20,
		MaxConnections:   MaxWSConnectionsTotal,
		MaxPerIP:         MaxWSConnectionsPerIP,
	}
}

// Outbound is a JSON reply to a client.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	CID   string `json:"cid,omitempty"`
	Error string `json:"error,omitempty"`
}

// channelFrame forwards a pub/sub payload to a client as a binary frame.
// Data is the publisher's msgpack payload, passed through untouched.
type channelFrame struct {
	Event   string             `msgpack:"event"`
	Channel string             `msgpack:"channel"`
	Data    msgpack.RawMessage `msgpack:"data"`
}

type wsFrame struct {
	kind int
	data []byte
}

// wsClient is one connected client. A client owns at most one player.
type wsClient struct {
	gw      *Gateway
	conn    *websocket.Conn
	ip      string
	send    chan wsFrame
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	playerID string
	subs     map[string]pubsub.Subscription
}

// Gateway accepts client websockets, feeds joins and input to the worlds
// and forwards subscribed cell channels. Clients can never subscribe to
// internal channels.
type Gateway struct {
	worlds   WorldService
	broker   pubsub.Broker
	log      *zap.Logger
	cfg      GatewayConfig
	upgrader websocket.Upgrader

	wsLimiter *WebSocketRateLimiter

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewGateway creates a gateway.
func NewGateway(worlds WorldService, broker pubsub.Broker, origins *OriginPolicy, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	def := DefaultGatewayConfig()
	if cfg.ActionsPerSecond <= 0 {
		cfg.ActionsPerSecond = def.ActionsPerSecond
	}
	if cfg.ActionBurst <= 0 {
		cfg.ActionBurst = def.ActionBurst
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MaxPerIP <= 0 {
		cfg.MaxPerIP = def.MaxPerIP
	}
	if origins == nil {
		origins = NewOriginPolicy(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gw := &Gateway{
		worlds:    worlds,
		broker:    broker,
		log:       logger.Named("gateway"),
		cfg:       cfg,
		wsLimiter: NewWebSocketRateLimiter(cfg.MaxPerIP),
		clients:   make(map[*wsClient]struct{}),
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origins.Allowed(origin) {
				return true
			}
			gw.log.Warn("websocket origin rejected", zap.String("origin", origin))
			RecordConnectionRejected("origin")
			return false
		},
	}
	return gw
}

// ClientCount returns the number of connected clients
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Close disconnects every client.
func (g *Gateway) Close() {
	g.mu.RLock()
	clients := make([]*wsClient, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

// HandleWebSocket upgrades the request and serves the client until it
// disconnects. Disconnecting deletes the client's player.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	if total := g.ClientCount(); total >= g.cfg.MaxConnections {
		g.log.Warn("websocket rejected: total limit reached", zap.Int("total", total))
		RecordConnectionRejected("ws_total_limit")
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	if !g.wsLimiter.Allow(ip) {
		g.log.Warn("websocket rejected: per-IP limit reached", zap.String("ip", ip))
		RecordConnectionRejected("ws_ip_limit")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("websocket upgrade failed", zap.Error(err))
		g.wsLimiter.Release(ip)
		return
	}

	c := &wsClient{
		gw:      g,
		conn:    conn,
		ip:      ip,
		send:    make(chan wsFrame, sendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(g.cfg.ActionsPerSecond), g.cfg.ActionBurst),
		done:    make(chan struct{}),
		subs:    make(map[string]pubsub.Subscription),
	}

	g.mu.Lock()
	g.clients[c] = struct{}{}
	count := len(g.clients)
	g.mu.Unlock()
	UpdateWSConnections(count)
	g.log.Debug("client connected", zap.String("ip", ip), zap.Int("total", count))

	go c.writePump()
	c.readPump()
	g.unregister(c)
}

func (g *Gateway) unregister(c *wsClient) {
	c.close()

	c.mu.Lock()
	for ch, sub := range c.subs {
		sub.Unsubscribe()
		delete(c.subs, ch)
	}
	playerID := c.playerID
	c.playerID = ""
	c.mu.Unlock()

	if playerID != "" {
		g.worlds.Leave(playerID)
	}

	g.mu.Lock()
	delete(g.clients, c)
	count := len(g.clients)
	g.mu.Unlock()
	g.wsLimiter.Release(c.ip)
	UpdateWSConnections(count)
	g.log.Debug("client disconnected", zap.String("ip", c.ip), zap.Int("total", count))
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			c.reply(Outbound{Event: EventError, Error: "text frames only"})
			continue
		}
		msg, err := ParseInbound(raw)
		if err != nil {
			wsInvalidTotal.Inc()
			c.reply(Outbound{Event: EventError, Error: err.Error()})
			continue
		}
		c.handle(msg)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
				c.close()
				return
			}
			IncrementWSMessages()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// enqueue never blocks; a slow client loses frames.
func (c *wsClient) enqueue(f wsFrame) {
	select {
	case <-c.done:
	case c.send <- f:
	default:
		wsDroppedTotal.Inc()
	}
}

func (c *wsClient) reply(out Outbound) {
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	c.enqueue(wsFrame{kind: websocket.TextMessage, data: data})
}

func (c *wsClient) fail(msg Inbound, reason string) {
	c.reply(Outbound{Event: EventError, CID: msg.CID, Error: reason})
}

func (c *wsClient) handle(msg Inbound) {
	switch msg.Event {
	case EventJoin:
		c.join(msg)
	case EventAction:
		c.action(msg)
	case EventSubscribe:
		c.subscribe(msg)
	case EventUnsubscribe:
		c.unsubscribe(msg)
	case EventGetWorldInfo:
		c.reply(Outbound{Event: EventGetWorldInfo, CID: msg.CID, Data: c.gw.worlds.Info()})
	}
}

func (c *wsClient) join(msg Inbound) {
	var data JoinData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		c.fail(msg, "invalid join")
		return
	}

	c.mu.Lock()
	joined := c.playerID != ""
	c.mu.Unlock()
	if joined {
		c.fail(msg, "already joined")
		return
	}

	state, err := c.gw.worlds.Join(data.Name, data.Color)
	if err != nil {
		if errors.Is(err, ErrPlayerLimit) {
			c.fail(msg, "player limit reached")
		} else {
			c.fail(msg, "join failed")
		}
		return
	}

	c.mu.Lock()
	c.playerID = state.ID
	c.mu.Unlock()
	c.reply(Outbound{Event: EventJoin, CID: msg.CID, Data: state})
}

// action is a no-op for clients without a player or over their rate.
func (c *wsClient) action(msg Inbound) {
	if !c.limiter.Allow() {
		return
	}
	var data ActionData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return
	}
	op, err := game.ParseOp(data.Op)
	if err != nil {
		return
	}

	c.mu.Lock()
	id := c.playerID
	c.mu.Unlock()
	if id != "" {
		c.gw.worlds.Input(id, op)
	}
}

func (c *wsClient) subscribe(msg Inbound) {
	var data ChannelData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		c.fail(msg, "invalid channel")
		return
	}
	if pubsub.IsInternal(data.Channel) {
		c.fail(msg, "forbidden channel")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[data.Channel]; !ok {
		sub, err := c.gw.broker.Subscribe(data.Channel, c.forward)
		if err != nil {
			c.fail(msg, "subscribe failed")
			return
		}
		c.subs[data.Channel] = sub
	}
	c.reply(Outbound{Event: EventSubscribe, CID: msg.CID, Data: data})
}

func (c *wsClient) unsubscribe(msg Inbound) {
	var data ChannelData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return
	}
	c.mu.Lock()
	if sub, ok := c.subs[data.Channel]; ok {
		sub.Unsubscribe()
		delete(c.subs, data.Channel)
	}
	c.mu.Unlock()
	c.reply(Outbound{Event: EventUnsubscribe, CID: msg.CID, Data: data})
}

// forward runs on the broker's delivery goroutine.
func (c *wsClient) forward(channel string, payload []byte) {
	data, err := msgpack.Marshal(channelFrame{
		Event:   EventMessage,
		Channel: channel,
		Data:    msgpack.RawMessage(payload),
	})
	if err != nil {
		return
	}
	c.enqueue(wsFrame{kind: websocket.BinaryMessage, data: data})
}
