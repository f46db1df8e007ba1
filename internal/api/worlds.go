package api

import (
	"errors"
	"sync"
	"time"

	"iogrid/internal/game"
)

// ErrPlayerLimit is returned by Join when MaxPlayers are connected.
var ErrPlayerLimit = errors.New("api: player limit reached")

// WorldService is the part of the simulation the gateway drives.
// It enables mocking for tests without running world loops.
type WorldService interface {
	// Join creates a player and returns its client view
	Join(name, color string) (game.ClientState, error)
	// Input queues a one-shot op for the player's next tick
	Input(id string, op game.Op) bool
	// Leave deletes the player
	Leave(id string) bool
	// Info returns the world geometry
	Info() game.WorldInfo
	// Snapshots returns the latest snapshot of every local world
	Snapshots() []*game.Snapshot
}

// WorldSet spreads joins over the worlds running in this process and
// remembers which world's StateManager owns each player.
type WorldSet struct {
	worlds     []*game.World
	maxPlayers int

	mu     sync.Mutex
	next   int
	owners map[string]*game.World
}

var _ WorldService = (*WorldSet)(nil)

// NewWorldSet creates a set over worlds. maxPlayers <= 0 means unlimited.
func NewWorldSet(worlds []*game.World, maxPlayers int) *WorldSet {
	return &WorldSet{
		worlds:     worlds,
		maxPlayers: maxPlayers,
		owners:     make(map[string]*game.World),
	}
}

// Join creates the player on the next world in round-robin order.
func (s *WorldSet) Join(name, color string) (game.ClientState, error) {
	s.mu.Lock()
	if s.maxPlayers > 0 && len(s.owners) >= s.maxPlayers {
		s.mu.Unlock()
		return game.ClientState{}, ErrPlayerLimit
	}
	w := s.worlds[s.next%len(s.worlds)]
	s.next++
	p := w.Join(name, color, time.Now())
	s.owners[p.ID] = w
	s.mu.Unlock()

	return game.Outbound(p), nil
}

func (s *WorldSet) owner(id string) *game.World {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owners[id]
}

// Input forwards op to the owning world. Unknown players are ignored.
func (s *WorldSet) Input(id string, op game.Op) bool {
	w := s.owner(id)
	if w == nil {
		return false
	}
	return w.States().Update(game.Key{Type: game.TypePlayer, ID: id}, op)
}

// Leave deletes the player from its world.
func (s *WorldSet) Leave(id string) bool {
	s.mu.Lock()
	w := s.owners[id]
	delete(s.owners, id)
	s.mu.Unlock()
	if w == nil {
		return false
	}
	return w.States().Delete(game.Key{Type: game.TypePlayer, ID: id})
}

// Info returns the geometry of the first world; every world shares it.
func (s *WorldSet) Info() game.WorldInfo {
	return s.worlds[0].Info()
}

// Snapshots skips worlds that have not ticked yet.
func (s *WorldSet) Snapshots() []*game.Snapshot {
	out := make([]*game.Snapshot, 0, len(s.worlds))
	for _, w := range s.worlds {
		if snap := w.Snapshot(); snap != nil {
			out = append(out, snap)
		}
	}
	return out
}

// Players returns the number of joined players.
func (s *WorldSet) Players() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owners)
}
