package api

import (
	"sync"
	"time"
)

const (
	DefaultMaxMaps = 16
	DefaultMapTTL  = 250 * time.Millisecond
)

// MapCache stores rendered minimap PNGs by size with oldest-first eviction.
// Entries expire after ttl so the map trails the worlds by at most that much.
type MapCache struct {
	mu      sync.Mutex
	maps    map[int]*cachedMap
	order   []int // insertion order (oldest first)
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cachedMap struct {
	png        []byte
	renderedAt time.Time
}

// NewMapCache creates a cache. Non-positive arguments use the defaults.
func NewMapCache(maxSize int, ttl time.Duration) *MapCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxMaps
	}
	if ttl <= 0 {
		ttl = DefaultMapTTL
	}
	return &MapCache{
		maps:    make(map[int]*cachedMap),
		order:   make([]int, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached PNG for size, or nil if missing or expired.
func (c *MapCache) Get(size int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.maps[size]
	if !ok {
		return nil
	}
	if c.now().Sub(cached.renderedAt) > c.ttl {
		c.remove(size)
		return nil
	}
	return cached.png
}

// GetOrRender returns the cached PNG or calls render and caches its result.
// Concurrent misses may render more than once; the last result wins.
func (c *MapCache) GetOrRender(size int, render func() ([]byte, error)) ([]byte, error) {
	if png := c.Get(size); png != nil {
		return png, nil
	}

	png, err := render()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.maps[size]; ok {
		c.remove(size)
	}
	if len(c.maps) >= c.maxSize {
		c.evict()
	}
	c.maps[size] = &cachedMap{png: png, renderedAt: c.now()}
	c.order = append(c.order, size)
	return png, nil
}

// Size returns the number of cached maps.
func (c *MapCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.maps)
}

// evict removes the oldest cached map
func (c *MapCache) evict() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.maps, oldest)
}

func (c *MapCache) remove(size int) {
	delete(c.maps, size)
	for i, s := range c.order {
		if s == size {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
