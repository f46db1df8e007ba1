package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"iogrid/internal/pubsub"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Network   string
	Address   string
	Worker    string
	Secret    string // signs the hello token when set
	TokenTTL  time.Duration
	QueueSize int
}

// Client connects a worker process to a Hub. It keeps reconnecting until
// closed and restores its subscriptions on every new connection. Frames
// published while disconnected are buffered up to QueueSize.
type Client struct {
	cfg ClientConfig
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[string]map[*clientSub]struct{}

	connMu sync.Mutex
	conn   net.Conn

	send chan []byte

	// Stats
	reconnects atomic.Int64
	errors     atomic.Int64
	dropped    atomic.Int64

	// Control
	running   atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	connected chan struct{}
	connOnce  sync.Once
}

var _ pubsub.Broker = (*Client)(nil)

type clientSub struct {
	client  *Client
	channel string
	handler pubsub.Handler
	once    sync.Once
}

func (s *clientSub) Unsubscribe() {
	s.once.Do(func() { s.client.unsubscribe(s) })
}

// NewClient creates a client. Call Start to connect.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		log:       logger.Named("ipc").With(zap.String("worker", cfg.Worker)),
		handlers:  make(map[string]map[*clientSub]struct{}),
		send:      make(chan []byte, cfg.QueueSize),
		stopCh:    make(chan struct{}),
		connected: make(chan struct{}),
	}
}

// Start starts the connection loop.
func (c *Client) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.connectionLoop()
	c.log.Info("ipc client started", zap.String("addr", c.cfg.Address))
}

// WaitConnected blocks until the first connection is established.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected returns whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// GetStats returns client statistics
func (c *Client) GetStats() (reconnects, errors, dropped int64) {
	return c.reconnects.Load(), c.errors.Load(), c.dropped.Load()
}

// Publish queues payload for the hub.
func (c *Client) Publish(channel string, payload []byte) error {
	if c.isClosed() {
		return pubsub.ErrClosed
	}
	frame, err := EncodeFrame(MsgPublish, Envelope{Channel: channel, Payload: payload})
	if err != nil {
		return err
	}
	c.enqueue(frame)
	return nil
}

// Subscribe registers h for channel. The hub is told about a channel the
// first time a handler is added for it.
func (c *Client) Subscribe(channel string, h pubsub.Handler) (pubsub.Subscription, error) {
	if c.isClosed() {
		return nil, pubsub.ErrClosed
	}
	sub := &clientSub{client: c, channel: channel, handler: h}

	c.mu.Lock()
	set, ok := c.handlers[channel]
	if !ok {
		set = make(map[*clientSub]struct{})
		c.handlers[channel] = set
	}
	set[sub] = struct{}{}
	c.mu.Unlock()

	if !ok {
		if err := c.control(MsgSubscribe, channel); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

func (c *Client) unsubscribe(s *clientSub) {
	c.mu.Lock()
	set := c.handlers[s.channel]
	delete(set, s)
	last := len(set) == 0
	if last {
		delete(c.handlers, s.channel)
	}
	c.mu.Unlock()

	if last && !c.isClosed() {
		c.control(MsgUnsubscribe, s.channel)
	}
}

// Close stops the client and closes the connection.
func (c *Client) Close() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	close(c.stopCh)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	c.log.Info("ipc client stopped")
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) control(msgType byte, channel string) error {
	frame, err := EncodeFrame(msgType, Envelope{Channel: channel})
	if err != nil {
		return err
	}
	c.enqueue(frame)
	return nil
}

// enqueue drops the oldest buffered frame when the buffer is full.
func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
		return
	default:
	}
	select {
	case <-c.send:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.send <- frame:
	default:
		c.dropped.Add(1)
	}
}

// connectionLoop maintains the connection to the hub
func (c *Client) connectionLoop() {
	defer c.wg.Done()

	for c.running.Load() {
		conn, err := c.connect()
		if err != nil {
			c.errors.Add(1)
			c.log.Debug("connect failed", zap.Error(err))
			select {
			case <-c.stopCh:
				return
			case <-time.After(ReconnectDelay):
				continue
			}
		}

		c.connMu.Lock()
		if !c.running.Load() {
			c.connMu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.connMu.Unlock()
		c.connOnce.Do(func() { close(c.connected) })
		c.log.Info("connected to hub")

		done := make(chan struct{})
		var writer sync.WaitGroup
		writer.Add(1)
		go func() {
			defer writer.Done()
			c.writeLoop(conn, done)
		}()

		c.readLoop(conn)

		close(done)
		conn.Close()
		writer.Wait()
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()

		select {
		case <-c.stopCh:
			return
		case <-time.After(ReconnectDelay):
			c.reconnects.Add(1)
			c.log.Info("reconnecting to hub")
		}
	}
}

// connect dials, says hello and replays subscriptions before any queued
// frame is written.
func (c *Client) connect() (net.Conn, error) {
	conn, err := Dial(c.cfg.Network, c.cfg.Address)
	if err != nil {
		return nil, err
	}

	hello := Hello{Worker: c.cfg.Worker}
	if c.cfg.Secret != "" {
		hello.Token, err = IssueToken([]byte(c.cfg.Secret), c.cfg.Worker, c.cfg.TokenTTL)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("issue token: %w", err)
		}
	}

	conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := WriteMessage(conn, MsgHello, hello); err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.RLock()
	channels := make([]string, 0, len(c.handlers))
	for ch := range c.handlers {
		channels = append(channels, ch)
	}
	c.mu.RUnlock()
	for _, ch := range channels {
		if err := WriteMessage(conn, MsgSubscribe, Envelope{Channel: ch}); err != nil {
			conn.Close()
			return nil, err
		}
	}
	conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

func (c *Client) writeLoop(conn net.Conn, done <-chan struct{}) {
	ping := time.NewTicker(PingInterval)
	defer ping.Stop()

	for {
		var frame []byte
		select {
		case <-done:
			return
		case frame = <-c.send:
		case <-ping.C:
			var err error
			if frame, err = EncodeFrame(MsgPing, nil); err != nil {
				continue
			}
		}
		conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
		if _, err := conn.Write(frame); err != nil {
			c.errors.Add(1)
			conn.Close()
			return
		}
	}
}

// readLoop dispatches deliveries until the connection fails.
func (c *Client) readLoop(conn net.Conn) {
	for {
		frame, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && c.running.Load() {
				c.errors.Add(1)
				c.log.Warn("ipc read error", zap.Error(err))
			}
			return
		}

		if frame.Type != MsgDeliver {
			continue
		}
		var env Envelope
		if err := frame.Decode(&env); err != nil {
			c.errors.Add(1)
			c.log.Warn("bad deliver frame", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.mu.RLock()
	set := c.handlers[env.Channel]
	handlers := make([]pubsub.Handler, 0, len(set))
	for s := range set {
		handlers = append(handlers, s.handler)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(env.Channel, env.Payload)
	}
}
