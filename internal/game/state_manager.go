package game

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"iogrid/internal/game/spatial"
	"iogrid/internal/pubsub"
)

// StateManager is the input side of one socket worker. It keeps a ref for
// every entity the worker's clients (and bots) control and feeds those refs
// to their target cells once per tick.
//
// Create, Update and Delete are called from gateway goroutines; Feed and
// ApplyHandoff from the world goroutine.
type StateManager struct {
	mu       sync.Mutex
	workerID string
	grid     *spatial.Grid
	broker   pubsub.Broker
	log      *zap.Logger
	refs     map[Key]*StateRef
}

// NewStateManager creates a state manager for workerID.
func NewStateManager(workerID string, grid *spatial.Grid, broker pubsub.Broker, logger *zap.Logger) *StateManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		workerID: workerID,
		grid:     grid,
		broker:   broker,
		log:      logger,
		refs:     make(map[Key]*StateRef),
	}
}

// WorkerID returns the socket worker id stamped on created entities.
func (m *StateManager) WorkerID() string { return m.workerID }

// Create registers a new entity. Its owning cell is the cell of its initial
// position; the entity reaches that cell with the next feed.
func (m *StateManager) Create(e *Entity, now time.Time) Key {
	cell := m.grid.CellOf(e.X, e.Y)
	e.OwnerCell = cell
	e.TargetCell = cell
	e.WorkerID = m.workerID
	e.LastProcessedAt = now.UnixMilli()

	key := e.EntityKey()
	m.mu.Lock()
	m.refs[key] = &StateRef{
		ID:         e.ID,
		Type:       e.Type,
		WorkerID:   m.workerID,
		TargetCell: cell,
		Create:     e,
	}
	m.mu.Unlock()
	return key
}

// Update sets the one-shot op sent with the next feed. It reports false for
// unknown refs.
func (m *StateManager) Update(k Key, op Op) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.refs[k]
	if !ok || ref.Delete {
		return false
	}
	ref.Op = op
	return true
}

// Delete flags the entity for deletion. The flag is fed once and the ref is
// then forgotten.
func (m *StateManager) Delete(k Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.refs[k]
	if !ok {
		return false
	}
	ref.Delete = true
	return true
}

// Has reports whether k is tracked.
func (m *StateManager) Has(k Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refs[k]
	return ok
}

// Len returns the number of tracked refs.
func (m *StateManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refs)
}

// Feed publishes every ref to the inbound channel of its target cell. Ops
// are cleared after publishing and deleted refs are dropped.
func (m *StateManager) Feed() error {
	m.mu.Lock()
	batches := make(map[int][]StateRef)
	for k, ref := range m.refs {
		batches[ref.TargetCell] = append(batches[ref.TargetCell], *ref)
		ref.Op = 0
		if ref.Delete {
			delete(m.refs, k)
		}
	}
	m.mu.Unlock()

	cells := make([]int, 0, len(batches))
	for c := range batches {
		cells = append(cells, c)
	}
	sort.Ints(cells)

	var firstErr error
	for _, c := range cells {
		refs := batches[c]
		sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
		err := pubsub.PublishValue(m.broker, m.grid.CellChannel(ChannelInbound, c), refs)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ApplyHandoff records cross-cell ownership moves so input follows the
// entity. A handoff flagged delete forgets the ref.
func (m *StateManager) ApplyHandoff(refs []StateRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range refs {
		k := h.Key()
		ref, ok := m.refs[k]
		if !ok {
			continue
		}
		if h.Delete {
			delete(m.refs, k)
			continue
		}
		ref.TargetCell = h.TargetCell
		ref.Create = nil
	}
}
