package ipc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HubConfig configures a Hub.
type HubConfig struct {
	Network   string
	Address   string
	Secret    string // empty disables token checks
	QueueSize int    // per-connection send buffer, in frames
}

// Hub routes published messages to every connection subscribed to the
// channel, including the publisher. Delivery is at-most-once: a connection
// whose send buffer is full loses its oldest queued frame.
type Hub struct {
	cfg      HubConfig
	log      *zap.Logger
	listener net.Listener

	mu    sync.RWMutex
	conns map[*hubConn]struct{}
	subs  map[string]map[*hubConn]struct{}

	// Stats
	delivered atomic.Uint64
	dropped   atomic.Uint64

	// Control
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type hubConn struct {
	conn     net.Conn
	worker   string
	send     chan []byte
	channels map[string]struct{} // guarded by Hub.mu
	done     chan struct{}
	once     sync.Once
}

func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NewHub creates a hub. Call Start to begin accepting workers.
func NewHub(cfg HubConfig, logger *zap.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:    cfg,
		log:    logger.Named("hub"),
		conns:  make(map[*hubConn]struct{}),
		subs:   make(map[string]map[*hubConn]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Start listens and accepts connections in the background.
func (h *Hub) Start() error {
	if !h.running.CompareAndSwap(false, true) {
		return nil // Already running
	}

	listener, err := Listen(h.cfg.Network, h.cfg.Address)
	if err != nil {
		h.running.Store(false)
		return err
	}
	h.listener = listener

	h.wg.Add(1)
	go h.acceptLoop()

	h.log.Info("hub started", zap.String("network", h.cfg.Network), zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the listening address, or nil before Start.
func (h *Hub) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop closes the listener and every connection.
func (h *Hub) Stop() {
	if !h.running.CompareAndSwap(true, false) {
		return
	}
	close(h.stopCh)
	h.listener.Close()

	h.mu.Lock()
	for c := range h.conns {
		c.close()
	}
	h.mu.Unlock()

	h.wg.Wait()
	if h.cfg.Network == "unix" {
		CleanupSocket(h.cfg.Address)
	}
	h.log.Info("hub stopped")
}

// Stats returns the number of connected workers and delivery counters.
func (h *Hub) Stats() (conns int, delivered, dropped uint64) {
	h.mu.RLock()
	conns = len(h.conns)
	h.mu.RUnlock()
	return conns, h.delivered.Load(), h.dropped.Load()
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()

	for h.running.Load() {
		conn, err := h.listener.Accept()
		if err != nil {
			if !h.running.Load() {
				return // Expected during shutdown
			}
			h.log.Warn("accept failed", zap.Error(err))
			continue
		}

		h.wg.Add(1)
		go h.serve(conn)
	}
}

// serve runs the handshake and then the read loop for one connection.
func (h *Hub) serve(conn net.Conn) {
	defer h.wg.Done()

	worker, err := h.handshake(conn)
	if err != nil {
		h.log.Warn("rejected connection", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}

	c := &hubConn{
		conn:     conn,
		worker:   worker,
		send:     make(chan []byte, h.cfg.QueueSize),
		channels: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	if !h.running.Load() {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("worker connected", zap.String("worker", worker))

	h.wg.Add(1)
	go h.writeLoop(c)

	h.readLoop(c)
	h.remove(c)
	h.log.Info("worker disconnected", zap.String("worker", worker))
}

func (h *Hub) handshake(conn net.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(HelloTimeout))
	frame, err := ReadMessage(conn)
	if err != nil {
		return "", err
	}
	if frame.Type != MsgHello {
		return "", fmt.Errorf("expected hello, got type %#x", frame.Type)
	}
	var hello Hello
	if err := frame.Decode(&hello); err != nil {
		return "", err
	}
	if hello.Worker == "" {
		return "", fmt.Errorf("%w: empty worker id", ErrUnauthorized)
	}
	if h.cfg.Secret != "" {
		worker, err := VerifyToken([]byte(h.cfg.Secret), hello.Token)
		if err != nil {
			return "", err
		}
		if worker != hello.Worker {
			return "", fmt.Errorf("%w: token for %q used by %q", ErrUnauthorized, worker, hello.Worker)
		}
	}
	return hello.Worker, nil
}

func (h *Hub) readLoop(c *hubConn) {
	for {
		c.conn.SetReadDeadline(time.Now().Add(IdleTimeout))
		frame, err := ReadMessage(c.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				h.log.Warn("worker idle, closing", zap.String("worker", c.worker))
			}
			return
		}

		switch frame.Type {
		case MsgSubscribe, MsgUnsubscribe, MsgPublish:
			var env Envelope
			if err := frame.Decode(&env); err != nil {
				h.log.Warn("bad frame", zap.String("worker", c.worker), zap.Error(err))
				continue
			}
			switch frame.Type {
			case MsgSubscribe:
				h.subscribe(c, env.Channel)
			case MsgUnsubscribe:
				h.unsubscribe(c, env.Channel)
			default:
				h.route(env)
			}

		case MsgPing:
			if pong, err := EncodeFrame(MsgPong, nil); err == nil {
				h.enqueue(c, pong)
			}
		}
	}
}

func (h *Hub) writeLoop(c *hubConn) {
	defer h.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if _, err := c.conn.Write(frame); err != nil {
				c.close()
				return
			}
		}
	}
}

func (h *Hub) subscribe(c *hubConn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*hubConn]struct{})
		h.subs[channel] = set
	}
	set[c] = struct{}{}
	c.channels[channel] = struct{}{}
}

func (h *Hub) unsubscribe(c *hubConn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropSub(c, channel)
}

// dropSub requires h.mu.
func (h *Hub) dropSub(c *hubConn, channel string) {
	if set, ok := h.subs[channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, channel)
		}
	}
	delete(c.channels, channel)
}

func (h *Hub) remove(c *hubConn) {
	c.close()
	h.mu.Lock()
	for channel := range c.channels {
		h.dropSub(c, channel)
	}
	delete(h.conns, c)
	h.mu.Unlock()
}

// route encodes the deliver frame once and queues it on every subscriber.
func (h *Hub) route(env Envelope) {
	h.mu.RLock()
	set := h.subs[env.Channel]
	targets := make([]*hubConn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	frame, err := EncodeFrame(MsgDeliver, env)
	if err != nil {
		h.log.Warn("dropping publish", zap.String("channel", env.Channel), zap.Error(err))
		return
	}
	for _, c := range targets {
		h.enqueue(c, frame)
	}
}

// enqueue is non-blocking and drops the oldest frame if the buffer is full.
func (h *Hub) enqueue(c *hubConn, frame []byte) {
	select {
	case c.send <- frame:
		h.delivered.Add(1)
		return
	default:
	}
	select {
	case <-c.send:
		h.dropped.Add(1)
	default:
	}
	select {
	case c.send <- frame:
		h.delivered.Add(1)
	default:
		h.dropped.Add(1)
	}
}
