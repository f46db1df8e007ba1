package pubsub

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the per-subscription buffer used when none is given.
const DefaultQueueSize = 1024

// Memory is an in-process Broker. Each subscription owns a buffered queue
// drained by its own goroutine; a full queue drops the message.
//
// A synchronous Memory delivers inline from Publish instead, which makes
// delivery order deterministic for tests.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool

	queueSize   int
	synchronous bool
	dropped     atomic.Uint64
	published   atomic.Uint64
}

type memorySub struct {
	broker  *Memory
	channel string
	handler Handler
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

// NewMemory creates an asynchronous in-process broker.
func NewMemory(queueSize int) *Memory {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Memory{
		subs:      make(map[string]map[*memorySub]struct{}),
		queueSize: queueSize,
	}
}

// NewSyncMemory creates a broker that calls handlers from Publish.
func NewSyncMemory() *Memory {
	m := NewMemory(1)
	m.synchronous = true
	return m
}

// Publish delivers payload to every current subscriber of channel.
func (m *Memory) Publish(channel string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(m.subs[channel]))
	for s := range m.subs[channel] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	m.published.Add(1)
	for _, s := range targets {
		if m.synchronous {
			s.handler(channel, payload)
			continue
		}
		select {
		case s.queue <- payload:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers h for channel.
func (m *Memory) Subscribe(channel string, h Handler) (Subscription, error) {
	s := &memorySub{
		broker:  m,
		channel: channel,
		handler: h,
		done:    make(chan struct{}),
	}
	if !m.synchronous {
		s.queue = make(chan []byte, m.queueSize)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := m.subs[channel]
	if !ok {
		set = make(map[*memorySub]struct{})
		m.subs[channel] = set
	}
	set[s] = struct{}{}
	m.mu.Unlock()

	if !m.synchronous {
		go s.run()
	}
	return s, nil
}

// Close stops every subscription. Further calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	all := m.subs
	m.subs = make(map[string]map[*memorySub]struct{})
	m.mu.Unlock()

	for _, set := range all {
		for s := range set {
			s.stop()
		}
	}
	return nil
}

// Dropped returns the number of messages discarded on full queues.
func (m *Memory) Dropped() uint64 { return m.dropped.Load() }

// Published returns the number of Publish calls accepted.
func (m *Memory) Published() uint64 { return m.published.Load() }

func (s *memorySub) run() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.queue:
			s.handler(s.channel, payload)
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *memorySub) Unsubscribe() {
	m := s.broker
	m.mu.Lock()
	if set, ok := m.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(m.subs, s.channel)
		}
	}
	m.mu.Unlock()
	s.stop()
}
