package game

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"iogrid/internal/config"
	"iogrid/internal/game/spatial"
	"iogrid/internal/pubsub"
)

type mailKind uint8

const (
	mailInbound mailKind = iota
	mailTransition
	mailAck
	mailHandoff
)

// mail is one pub/sub delivery waiting for the next tick.
type mail struct {
	kind    mailKind
	cell    int
	payload []byte
}

type worldCell struct {
	ctrl *CellController
	xfer *TransferCoordinator
}

type specialSchedule struct {
	interval time.Duration
	last     time.Time
	types    map[EntityType]bool
}

// CellStats summarizes one cell for the stats endpoint.
type CellStats struct {
	Index    int `json:"index"`
	Entities int `json:"entities"`
	Players  int `json:"players"`
	Coins    int `json:"coins"`
	External int `json:"external"`
}

// Snapshot is the read-only view of a world published after every tick.
type Snapshot struct {
	WorkerID string        `json:"workerId"`
	Tick     uint64        `json:"tick"`
	Time     time.Time     `json:"time"`
	Cells    []CellStats   `json:"cells"`
	Entities []ClientState `json:"-"`
}

// WorldInfo is the geometry handed to clients on getWorldInfo.
type WorldInfo struct {
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Cols        int     `json:"cols"`
	Rows        int     `json:"rows"`
	CellWidth   float64 `json:"cellWidth"`
	CellHeight  float64 `json:"cellHeight"`
	CellOverlap float64 `json:"cellOverlapDistance"`
	WorkerID    string  `json:"serverWorkerId"`
	Environment string  `json:"environment,omitempty"`
}

// World runs the cells of one worker on a single goroutine. Pub/sub
// handlers only append to the mailbox; everything else happens in Tick.
type World struct {
	wc     *WorldContext
	id     string
	cells  []*worldCell
	byCell map[int]*worldCell
	states *StateManager
	groups GroupingService
	log    *zap.Logger

	mu      sync.Mutex
	mailbox []mail

	subs     []pubsub.Subscription
	specials []*specialSchedule
	special  map[EntityType]bool

	joinMu  sync.Mutex
	joinRng *rand.Rand

	ticks    atomic.Uint64
	snapshot atomic.Pointer[Snapshot]
}

// NewWorld creates the world for worker and subscribes its channels. Cells
// are assigned as worker + h*workerCount.
func NewWorld(wc *WorldContext, worker int, seed int64) (*World, error) {
	cfg := wc.Config
	count := cfg.Worker.Count
	if count < 1 {
		count = 1
	}
	total := wc.Grid.CellCount()
	if total%count != 0 {
		return nil, fmt.Errorf("%w: %d cells, %d workers", config.ErrUnevenWorkers, total, count)
	}

	id := cfg.WorkerName(worker)
	w := &World{
		wc:      wc,
		id:      id,
		byCell:  make(map[int]*worldCell),
		states:  NewStateManager(id, wc.Grid, wc.Broker, wc.Logger),
		log:     wc.Logger.With(zap.String("worker", id)),
		special: make(map[EntityType]bool),
		joinRng: rand.New(rand.NewSource(seed ^ 0x5eed)),
	}

	rng := rand.New(rand.NewSource(seed))
	for h := 0; h < total/count; h++ {
		idx := worker + h*count
		ctrl := NewCellController(wc, idx, rand.New(rand.NewSource(rng.Int63())))
		c := &worldCell{ctrl: ctrl, xfer: NewTransferCoordinator(wc, ctrl)}
		w.cells = append(w.cells, c)
		w.byCell[idx] = c
	}

	for _, si := range cfg.World.SpecialIntervals {
		s := &specialSchedule{interval: si.Interval, types: make(map[EntityType]bool)}
		for _, t := range si.Types {
			s.types[EntityType(t)] = true
			w.special[EntityType(t)] = true
		}
		w.specials = append(w.specials, s)
	}

	if err := w.subscribe(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *World) subscribe() error {
	grid := w.wc.Grid
	add := func(channel string, kind mailKind, cell int) error {
		sub, err := w.wc.Broker.Subscribe(channel, func(_ string, payload []byte) {
			w.enqueue(mail{kind: kind, cell: cell, payload: payload})
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		w.subs = append(w.subs, sub)
		return nil
	}

	for _, c := range w.cells {
		idx := c.ctrl.Index()
		if err := add(grid.CellChannel(ChannelInbound, idx), mailInbound, idx); err != nil {
			return err
		}
		if err := add(grid.CellChannel(ChannelTransition, idx), mailTransition, idx); err != nil {
			return err
		}
		if err := add(grid.CellChannel(ChannelTransitionAck, idx), mailAck, idx); err != nil {
			return err
		}
	}
	return add(HandoffChannel(w.id), mailHandoff, -1)
}

func (w *World) enqueue(m mail) {
	w.mu.Lock()
	w.mailbox = append(w.mailbox, m)
	w.mu.Unlock()
}

// ID returns the socket worker id.
func (w *World) ID() string { return w.id }

// States returns the worker's StateManager.
func (w *World) States() *StateManager { return w.states }

// Cells returns the indices of the cells this world runs.
func (w *World) Cells() []int {
	out := make([]int, len(w.cells))
	for i, c := range w.cells {
		out[i] = c.ctrl.Index()
	}
	return out
}

// Cell returns the controller for a local cell, or nil.
func (w *World) Cell(index int) *CellController {
	if c, ok := w.byCell[index]; ok {
		return c.ctrl
	}
	return nil
}

// Info returns the world geometry.
func (w *World) Info() WorldInfo {
	g := w.wc.Grid
	cw, ch := g.CellSize()
	return WorldInfo{
		Width:       w.wc.Config.World.Width,
		Height:      w.wc.Config.World.Height,
		Cols:        g.Cols(),
		Rows:        g.Rows(),
		CellWidth:   cw,
		CellHeight:  ch,
		CellOverlap: w.wc.Config.World.CellOverlap,
		WorkerID:    w.id,
	}
}

// Join creates a player with the configured defaults at a random position
// and registers it with the worker's StateManager.
func (w *World) Join(name, color string, now time.Time) *Entity {
	w.joinMu.Lock()
	p := NewPlayer(w.wc.Config.Player, name, color, w.wc.Grid.WorldBounds(), w.joinRng)
	w.joinMu.Unlock()

	w.states.Create(p, now)
	return p
}

// Snapshot returns the view published by the last tick, or nil before the
// first tick.
func (w *World) Snapshot() *Snapshot { return w.snapshot.Load() }

// Run ticks the world every update interval until ctx is done. A fatal
// simulation error stops the loop and is returned.
func (w *World) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.wc.Config.World.UpdateInterval)
	defer ticker.Stop()

	w.log.Info("world started", zap.Ints("cells", w.Cells()))
	for {
		select {
		case <-ctx.Done():
			w.log.Info("world stopped", zap.Uint64("ticks", w.ticks.Load()))
			return nil
		case now := <-ticker.C:
			if err := w.Tick(now); err != nil {
				w.log.Error("world tick failed", zap.Error(err))
				return err
			}
		}
	}
}

// Tick runs one world update: drain the mailbox, run and dispatch every
// cell, broadcast cell data, clear per-tick fields and feed input refs.
func (w *World) Tick(now time.Time) error {
	start := time.Now()
	nowMs := now.UnixMilli()

	w.drain(nowMs)

	for _, c := range w.cells {
		if err := c.ctrl.Run(now); err != nil {
			return fmt.Errorf("cell %d: %w", c.ctrl.Index(), err)
		}
		w.publishOutbox(c.xfer.Dispatch(nowMs))
	}

	w.broadcast(now)
	w.cleanup()

	if err := w.states.Feed(); err != nil {
		w.log.Debug("feed publish failed", zap.Error(err))
	}

	w.ticks.Add(1)
	w.storeSnapshot(now)
	w.wc.Metrics.ObserveTick(time.Since(start))
	return nil
}

func (w *World) drain(nowMs int64) {
	w.mu.Lock()
	box := w.mailbox
	w.mailbox = nil
	w.mu.Unlock()

	for _, m := range box {
		if m.kind == mailHandoff {
			var refs []StateRef
			if err := pubsub.Decode(m.payload, &refs); err != nil {
				w.log.Warn("dropping handoff", zap.Error(err))
				continue
			}
			w.states.ApplyHandoff(refs)
			continue
		}

		c, ok := w.byCell[m.cell]
		if !ok {
			continue
		}
		switch m.kind {
		case mailInbound:
			var refs []StateRef
			if err := pubsub.Decode(m.payload, &refs); err != nil {
				w.log.Warn("dropping inbound batch", zap.Int("cell", m.cell), zap.Error(err))
				continue
			}
			if n := c.xfer.ApplyRefs(refs, nowMs); n > 0 {
				w.wc.Metrics.AddMalformedRefs(n)
			}

		case mailTransition:
			var list []*Entity
			if err := pubsub.Decode(m.payload, &list); err != nil {
				w.log.Warn("dropping transition batch", zap.Int("cell", m.cell), zap.Error(err))
				continue
			}
			acks, rejected := c.xfer.Accept(list, nowMs)
			if rejected > 0 {
				w.wc.Metrics.AddRejectedTransitions(rejected)
			}
			for _, prev := range spatial.SortedCells(acks) {
				w.publish(w.wc.Grid.CellChannel(ChannelTransitionAck, prev), acks[prev])
			}

		case mailAck:
			var list []*Entity
			if err := pubsub.Decode(m.payload, &list); err != nil {
				w.log.Warn("dropping ack batch", zap.Int("cell", m.cell), zap.Error(err))
				continue
			}
			c.xfer.AcceptAcks(list, nowMs)
		}
	}
}

func (w *World) publishOutbox(out Outbox) {
	for _, cell := range spatial.SortedCells(out.Transitions) {
		w.publish(w.wc.Grid.CellChannel(ChannelTransition, cell), out.Transitions[cell])
	}
	for worker, refs := range out.Handoffs {
		w.publish(HandoffChannel(worker), refs)
	}
	if out.Transfers > 0 {
		w.wc.Metrics.AddTransfers(out.Transfers)
	}
}

func (w *World) publish(channel string, v any) {
	if err := pubsub.PublishValue(w.wc.Broker, channel, v); err != nil {
		w.log.Debug("publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

// routedState is an outbound state published at a routing point that may
// differ from its own position (group members use the group center).
type routedState struct {
	state ClientState
	x, y  float64
}

func (r routedState) Position() (float64, float64) { return r.x, r.y }

// broadcast publishes the outbound view of every settled entity, each
// pending delete once, and every group this world's cells broadcast.
func (w *World) broadcast(now time.Time) {
	due := w.dueSpecialTypes(now)
	var out []routedState
	add := func(s ClientState, x, y float64) {
		out = append(out, routedState{state: s, x: x, y: y})
	}

	for _, c := range w.cells {
		store := c.ctrl.Store()
		groups := w.groups.Collect(store)

		for _, e := range store.All() {
			if len(e.Group) > 0 || e.External || e.PendingDelete {
				continue
			}
			if w.special[e.Type] && !due[e.Type] {
				continue
			}
			add(Outbound(e), e.X, e.Y)
		}

		for _, d := range c.xfer.FlushDeletes() {
			add(Outbound(d), d.X, d.Y)
		}

		for _, g := range groups {
			if g.Cell != c.ctrl.Index() {
				continue
			}
			for _, m := range g.Members {
				add(Outbound(m), g.X, g.Y)
			}
		}
	}

	if len(out) == 0 {
		return
	}
	batches := spatial.Partition(w.wc.Grid, out, w.wc.Config.World.CellOverlap)
	for _, cell := range spatial.SortedCells(batches) {
		states := make([]ClientState, len(batches[cell]))
		for i, r := range batches[cell] {
			states[i] = r.state
		}
		w.publish(w.wc.Grid.CellChannel(ChannelCellData, cell), states)
	}
}

func (w *World) dueSpecialTypes(now time.Time) map[EntityType]bool {
	due := make(map[EntityType]bool)
	for _, s := range w.specials {
		if now.Sub(s.last) < s.interval {
			continue
		}
		s.last = now
		for t := range s.types {
			due[t] = true
		}
	}
	return due
}

// cleanup clears the per-tick fields of every stored entity.
func (w *World) cleanup() {
	for _, c := range w.cells {
		store := c.ctrl.Store()
		c.ctrl.groups.Clear(store)
		for _, e := range store.All() {
			e.Op = 0
			e.Fresh = false
		}
	}
}

func (w *World) storeSnapshot(now time.Time) {
	snap := &Snapshot{
		WorkerID: w.id,
		Tick:     w.ticks.Load(),
		Time:     now,
		Cells:    make([]CellStats, 0, len(w.cells)),
	}
	for _, c := range w.cells {
		store := c.ctrl.Store()
		st := CellStats{Index: c.ctrl.Index(), Entities: store.Len()}
		for _, e := range store.All() {
			if e.External {
				st.External++
				continue
			}
			switch e.Type {
			case TypePlayer:
				st.Players++
			case TypeCoin:
				st.Coins++
			}
			snap.Entities = append(snap.Entities, Outbound(e))
		}
		snap.Cells = append(snap.Cells, st)
		w.wc.Metrics.SetCellEntities(st.Index, st.Entities)
	}
	w.snapshot.Store(snap)
}

// Close unsubscribes the world's channels.
func (w *World) Close() {
	for _, s := range w.subs {
		s.Unsubscribe()
	}
	w.subs = nil
}
