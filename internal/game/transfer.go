package game

import (
	"go.uber.org/zap"
)

// StateRef is the lightweight handle the StateManager feeds to cells every
// tick, and the handoff message that follows an entity across workers.
//
// A ref carries a Create payload for a new entity, or nothing when the
// target cell already holds the entity.
type StateRef struct {
	ID         string     `msgpack:"id"`
	Type       EntityType `msgpack:"type"`
	WorkerID   string     `msgpack:"swid,omitempty"`
	TargetCell int        `msgpack:"tcid"`
	Op         Op         `msgpack:"op,omitempty"`
	Delete     bool       `msgpack:"delete,omitempty"`
	Create     *Entity    `msgpack:"create,omitempty"`
}

// Key returns the referenced entity's key.
func (r StateRef) Key() Key { return Key{Type: r.Type, ID: r.ID} }

// Outbox collects the messages one cell produces in a dispatch pass.
type Outbox struct {
	// Transitions holds entity copies per destination cell.
	Transitions map[int][]*Entity
	// Handoffs holds ownership handoff refs per socket worker.
	Handoffs map[string][]StateRef
	// Transfers counts full ownership transfers queued.
	Transfers int
}

func (o *Outbox) add(cell int, e *Entity) {
	if o.Transitions == nil {
		o.Transitions = make(map[int][]*Entity)
	}
	o.Transitions[cell] = append(o.Transitions[cell], e)
}

func (o *Outbox) handoff(worker string, ref StateRef) {
	if o.Handoffs == nil {
		o.Handoffs = make(map[string][]StateRef)
	}
	o.Handoffs[worker] = append(o.Handoffs[worker], ref)
}

// TransferCoordinator moves entity copies and ownership between cells.
type TransferCoordinator struct {
	*cellState
	wc  *WorldContext
	log *zap.Logger
}

// NewTransferCoordinator creates the coordinator for the controller's cell.
func NewTransferCoordinator(wc *WorldContext, cc *CellController) *TransferCoordinator {
	return &TransferCoordinator{
		cellState: cc.cellState,
		wc:        wc,
		log:       cc.log,
	}
}

// Dispatch runs after the cell's tick. For every entity it recomputes the
// target cell and external flag; the owner bumps the version of entities it
// simulated, shares copies with nearby cells and queues a full transfer when
// the entity left the cell. Pending deletes are recorded once and dropped,
// as are stale external copies.
func (t *TransferCoordinator) Dispatch(nowMs int64) Outbox {
	var out Outbox
	grid := t.wc.Grid
	overlap := t.wc.Config.World.CellOverlap
	stale := t.wc.staleMillis()

	for _, e := range t.store.All() {
		key := e.EntityKey()
		owned := e.OwnerCell == t.index

		if e.PendingDelete {
			if owned {
				e.Version++
				for _, n := range grid.CellsOverlapping(e.X, e.Y, overlap) {
					if n != t.index {
						out.add(n, e)
					}
				}
				if e.WorkerID != "" {
					out.handoff(e.WorkerID, StateRef{
						ID: e.ID, Type: e.Type, WorkerID: e.WorkerID,
						TargetCell: e.TargetCell, Delete: true,
					})
				}
				t.deletes[key] = e
				t.wc.Events.Emit(EventDelete, e.ID, CellPayload{Cell: t.index})
			}
			t.store.Delete(key)
			continue
		}

		if owned && !e.External {
			e.Version++
		}
		e.TargetCell = grid.CellOf(e.X, e.Y)
		t.updateExternal(e)

		if owned {
			for _, n := range grid.CellsOverlapping(e.X, e.Y, overlap) {
				if n != t.index && n != e.TargetCell {
					out.add(n, e)
				}
			}
			if e.TargetCell != t.index {
				out.add(e.TargetCell, e)
				out.Transfers++
				if e.WorkerID != "" {
					out.handoff(e.WorkerID, StateRef{
						ID: e.ID, Type: e.Type, WorkerID: e.WorkerID,
						TargetCell: e.TargetCell,
					})
				}
			}
			continue
		}

		if nowMs-e.LastProcessedAt > stale {
			t.store.Delete(key)
		}
	}
	return out
}

// FlushDeletes returns and clears the deletes recorded since the last flush.
func (t *TransferCoordinator) FlushDeletes() []*Entity {
	if len(t.deletes) == 0 {
		return nil
	}
	list := make([]*Entity, 0, len(t.deletes))
	for k, e := range t.deletes {
		list = append(list, e)
		delete(t.deletes, k)
	}
	sortEntities(list)
	return list
}

// Accept applies copies arriving on the cell's transition channel and
// returns the copies to acknowledge, grouped by previous owner cell.
//
// A copy replaces the local one only when its version is strictly greater,
// or the local copy has no version. A copy whose target is this cell makes
// this cell the owner. Duplicates of an already accepted transfer are acked
// again without changing state.
//
// A delete from any other cell for an entity this cell now owns flags it for
// deletion regardless of version, so the owner broadcasts the delete. This
// covers a delete issued on the previous owner while the transfer was in
// flight.
func (t *TransferCoordinator) Accept(list []*Entity, nowMs int64) (acks map[int][]*Entity, rejected int) {
	for _, in := range list {
		key := in.EntityKey()
		existing := t.store.Get(key)

		if in.PendingDelete && existing != nil && t.owns(existing) && in.OwnerCell != t.index {
			existing.PendingDelete = true
			continue
		}

		if existing != nil && existing.Version != 0 && in.Version <= existing.Version {
			if in.TargetCell == t.index && existing.OwnerCell == t.index && in.Version == existing.Version {
				acks = addAck(acks, in.OwnerCell, existing)
			}
			rejected++
			continue
		}

		if in.PendingDelete {
			if existing != nil && !t.owns(existing) {
				t.store.Delete(key)
			}
			continue
		}

		if in.Type == TypeCoin {
			if _, gone := t.claimed[in.ID]; gone {
				continue
			}
		}

		in.LastProcessedAt = nowMs
		in.Group = nil
		in.Op = 0
		in.Fresh = false

		if in.TargetCell == t.index {
			prev := in.OwnerCell
			in.OwnerCell = t.index
			t.updateExternal(in)
			t.store.Put(in)
			if prev != t.index {
				acks = addAck(acks, prev, in)
				t.wc.Events.Emit(EventTransfer, in.ID, TransferPayload{From: prev, To: t.index, Version: in.Version})
			}
			continue
		}

		// Tracked copy of an entity managed elsewhere; never displaces a
		// copy this cell is authoritative for.
		if existing != nil && !existing.External {
			rejected++
			continue
		}
		t.updateExternal(in)
		t.store.Put(in)
	}
	return acks, rejected
}

func addAck(acks map[int][]*Entity, cell int, e *Entity) map[int][]*Entity {
	if acks == nil {
		acks = make(map[int][]*Entity)
	}
	acks[cell] = append(acks[cell], e)
	return acks
}

// AcceptAcks applies acknowledgments from new owners. The acked copy
// replaces the local one, which demotes it to external.
func (t *TransferCoordinator) AcceptAcks(list []*Entity, nowMs int64) {
	for _, in := range list {
		existing := t.store.Get(in.EntityKey())
		if existing == nil || in.Version < existing.Version {
			continue
		}
		in.LastProcessedAt = nowMs
		in.Group = nil
		in.Op = 0
		in.Fresh = false
		t.updateExternal(in)
		t.store.Put(in)
	}
}

// ApplyRefs applies the StateManager feed for this cell: creates entities
// from create payloads, applies ops and delete flags, recomputes the target
// cell and marks the entity fresh. It returns the number of malformed refs
// dropped.
func (t *TransferCoordinator) ApplyRefs(refs []StateRef, nowMs int64) (malformed int) {
	grid := t.wc.Grid
	for _, ref := range refs {
		key := ref.Key()
		e := t.store.Get(key)
		if e == nil {
			switch {
			case ref.Create != nil:
				e = ref.Create
				e.OwnerCell = t.index
				t.store.Put(e)
				t.wc.Events.Emit(EventJoin, e.ID, CellPayload{Cell: t.index})
			default:
				malformed++
				t.log.Warn("dropping inbound ref without state",
					zap.String("id", ref.ID),
					zap.String("type", string(ref.Type)))
				continue
			}
		}

		if ref.Op != 0 {
			e.Op = ref.Op
		}
		if ref.Delete {
			e.PendingDelete = true
		}
		e.TargetCell = grid.CellOf(e.X, e.Y)
		t.updateExternal(e)
		e.LastProcessedAt = nowMs
		e.Fresh = true
	}
	return malformed
}
