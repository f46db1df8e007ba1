package game

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	EventBufferSize    = 1024                   // Pending events before drops
	MaxEventsPerSec    = 5000                   // Global rate limit
	BatchFlushInterval = 100 * time.Millisecond // How often to flush
)

// EventType classifies world log events.
type EventType uint8

const (
	EventUnknown EventType = iota
	EventJoin
	EventDelete
	EventTransfer
	EventCoinCollected
)

// String returns the event type name used in the log.
func (t EventType) String() string {
	switch t {
	case EventJoin:
		return "join"
	case EventDelete:
		return "delete"
	case EventTransfer:
		return "transfer"
	case EventCoinCollected:
		return "coin_collected"
	default:
		return "unknown"
	}
}

// MarshalJSON writes the type by name.
func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Event is one line of the world event log.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"` // Unix ms
	Sequence  uint64          `json:"sequence"`
	EntityID  string          `json:"entityId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// TransferPayload describes an ownership change.
type TransferPayload struct {
	From    int    `json:"from"`
	To      int    `json:"to"`
	Version uint64 `json:"version"`
}

// CoinPayload describes a coin collection.
type CoinPayload struct {
	CoinID string `json:"coinId"`
	Value  int    `json:"value"`
	Score  int    `json:"score"`
	Cell   int    `json:"cell"`
}

// CellPayload names the cell an event happened in.
type CellPayload struct {
	Cell int `json:"cell"`
}

// EventLog is a bounded, rate-limited JSONL event log for debugging a
// running world. Emit never blocks; excess events are dropped and counted.
// A nil *EventLog discards everything.
type EventLog struct {
	events  chan Event
	limiter *rate.Limiter

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool

	file *os.File

	sequence atomic.Uint64
	dropped  atomic.Uint64
	written  atomic.Uint64
}

// NewEventLog creates a stopped event log.
func NewEventLog() *EventLog {
	return &EventLog{
		events:   make(chan Event, EventBufferSize),
		limiter:  rate.NewLimiter(MaxEventsPerSec, MaxEventsPerSec/10),
		stopChan: make(chan struct{}),
	}
}

// Start opens filePath for append and begins the writer goroutine.
func (el *EventLog) Start(filePath string) error {
	if el.running.Load() {
		return nil
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	el.file = file

	el.running.Store(true)
	el.wg.Add(1)
	go el.writerLoop()
	return nil
}

// Stop flushes pending events and closes the file.
func (el *EventLog) Stop() {
	if el == nil {
		return
	}
	el.stopOnce.Do(func() {
		el.running.Store(false)
		close(el.stopChan)
		el.wg.Wait()
		if el.file != nil {
			el.file.Close()
		}
	})
}

// Emit queues an event. It returns false when the log is stopped, rate
// limited or full.
func (el *EventLog) Emit(t EventType, entityID string, payload any) bool {
	if el == nil || !el.running.Load() {
		return false
	}
	if !el.limiter.Allow() {
		el.dropped.Add(1)
		return false
	}

	ev := Event{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  el.sequence.Add(1),
		EntityID:  entityID,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}

	select {
	case el.events <- ev:
		return true
	default:
		el.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of discarded events.
func (el *EventLog) Dropped() uint64 {
	if el == nil {
		return 0
	}
	return el.dropped.Load()
}

// Written returns the number of events written to disk.
func (el *EventLog) Written() uint64 {
	if el == nil {
		return 0
	}
	return el.written.Load()
}

// writerLoop batches events to disk as newline-delimited JSON.
func (el *EventLog) writerLoop() {
	defer el.wg.Done()

	w := bufio.NewWriter(el.file)
	enc := json.NewEncoder(w)
	ticker := time.NewTicker(BatchFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-el.events:
			if enc.Encode(ev) == nil {
				el.written.Add(1)
			}
		case <-ticker.C:
			w.Flush()
		case <-el.stopChan:
			for {
				select {
				case ev := <-el.events:
					if enc.Encode(ev) == nil {
						el.written.Add(1)
					}
				default:
					w.Flush()
					return
				}
			}
		}
	}
}
