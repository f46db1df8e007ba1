package game

// Store is one cell's entity table, keyed by type then id. It holds both
// authoritative and external copies and is owned by the world goroutine.
type Store struct {
	byType map[EntityType]map[string]*Entity
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{byType: make(map[EntityType]map[string]*Entity)}
}

// Get returns the entity for k, or nil.
func (s *Store) Get(k Key) *Entity {
	return s.byType[k.Type][k.ID]
}

// Put inserts or replaces e.
func (s *Store) Put(e *Entity) {
	m, ok := s.byType[e.Type]
	if !ok {
		m = make(map[string]*Entity)
		s.byType[e.Type] = m
	}
	m[e.ID] = e
}

// Delete removes the entity for k if present.
func (s *Store) Delete(k Key) {
	if m, ok := s.byType[k.Type]; ok {
		delete(m, k.ID)
		if len(m) == 0 {
			delete(s.byType, k.Type)
		}
	}
}

// Len returns the number of stored entities of all types.
func (s *Store) Len() int {
	n := 0
	for _, m := range s.byType {
		n += len(m)
	}
	return n
}

// Count returns the number of stored entities of type t.
func (s *Store) Count(t EntityType) int {
	return len(s.byType[t])
}

// OfType returns entities of type t ordered by id.
func (s *Store) OfType(t EntityType) []*Entity {
	m := s.byType[t]
	list := make([]*Entity, 0, len(m))
	for _, e := range m {
		list = append(list, e)
	}
	sortEntities(list)
	return list
}

// All returns every entity ordered by type then id.
func (s *Store) All() []*Entity {
	list := make([]*Entity, 0, s.Len())
	for _, m := range s.byType {
		for _, e := range m {
			list = append(list, e)
		}
	}
	sortEntities(list)
	return list
}
