package game

import (
	"sort"
	"strings"
)

// GroupingService links entities that interacted across a cell boundary so
// a single cell broadcasts all of them from one consistent snapshot.
// It is stateless; group membership lives in each entity's Group map.
type GroupingService struct{}

// Group records a and b as group mates. Each side stores the other's
// snapshot. It reports false when either entity is missing.
func (GroupingService) Group(store *Store, a, b Key, snapA, snapB SimpleState) bool {
	ea, eb := store.Get(a), store.Get(b)
	if ea == nil || eb == nil || a == b {
		return false
	}
	if ea.Group == nil {
		ea.Group = make(map[string]SimpleState)
	}
	if eb.Group == nil {
		eb.Group = make(map[string]SimpleState)
	}
	ea.Group[eb.ID] = snapB
	eb.Group[ea.ID] = snapA
	return true
}

// Ungroup removes the link between a and b on both sides.
func (GroupingService) Ungroup(store *Store, a, b Key) {
	ea, eb := store.Get(a), store.Get(b)
	if ea != nil && eb != nil {
		delete(ea.Group, eb.ID)
		delete(eb.Group, ea.ID)
		if len(ea.Group) == 0 {
			ea.Group = nil
		}
		if len(eb.Group) == 0 {
			eb.Group = nil
		}
	}
}

// Clear removes every group link in store.
func (GroupingService) Clear(store *Store) {
	for _, e := range store.All() {
		e.Group = nil
	}
}

// BroadcastGroup is a set of group mates resolved to one broadcaster cell.
type BroadcastGroup struct {
	ID      string
	Leader  string
	Cell    int
	X, Y    float64
	Members []*Entity
}

// Collect resolves the groups visible in store. A group is kept only when
// every member is present in the store. Members are clones placed at their
// group snapshot positions; X and Y are the average over members. The
// broadcaster cell is the TargetCell of the member with the lowest id.
func (GroupingService) Collect(store *Store) []BroadcastGroup {
	var groups []BroadcastGroup
	seen := make(map[string]bool)

	for _, e := range store.All() {
		if len(e.Group) == 0 {
			continue
		}

		ids := make([]string, 0, len(e.Group)+1)
		ids = append(ids, e.ID)
		for id := range e.Group {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		groupID := strings.Join(ids, ",")
		if seen[groupID] {
			continue
		}
		seen[groupID] = true

		members := make([]*Entity, 0, len(ids))
		for _, id := range ids {
			var m *Entity
			if id == e.ID {
				m = e
			} else {
				m = store.Get(Key{Type: e.Group[id].Type, ID: id})
			}
			if m == nil {
				break
			}
			members = append(members, m)
		}
		if len(members) != len(ids) {
			continue
		}

		g := BroadcastGroup{
			ID:      groupID,
			Leader:  ids[0],
			Cell:    members[0].TargetCell,
			Members: make([]*Entity, 0, len(members)),
		}
		for _, m := range members {
			snap := groupSnapshot(members, m)
			c := m.Clone()
			c.Group = nil
			c.X, c.Y = snap.X, snap.Y
			g.X += c.X
			g.Y += c.Y
			g.Members = append(g.Members, c)
		}
		g.X /= float64(len(g.Members))
		g.Y /= float64(len(g.Members))
		groups = append(groups, g)
	}
	return groups
}

// groupSnapshot returns the position other members recorded for m, falling
// back to m's own rounded position.
func groupSnapshot(members []*Entity, m *Entity) SimpleState {
	for _, other := range members {
		if other == m {
			continue
		}
		if s, ok := other.Group[m.ID]; ok {
			return s
		}
	}
	return Simplify(m)
}
