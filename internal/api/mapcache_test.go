package api

import (
	"errors"
	"testing"
	"time"
)

func TestMapCacheExpiry(t *testing.T) {
	c := NewMapCache(4, 100*time.Millisecond)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	renders := 0
	render := func() ([]byte, error) {
		renders++
		return []byte{byte(renders)}, nil
	}

	c.GetOrRender(128, render)
	c.GetOrRender(128, render)
	if renders != 1 {
		t.Fatalf("renders = %d, want 1", renders)
	}

	now = now.Add(100 * time.Millisecond)
	if c.Get(128) == nil {
		t.Error("entry expired at exactly ttl")
	}

	now = now.Add(time.Millisecond)
	png, _ := c.GetOrRender(128, render)
	if renders != 2 || png[0] != 2 {
		t.Errorf("renders = %d, png = %v", renders, png)
	}
	if c.Size() != 1 {
		t.Errorf("size = %d", c.Size())
	}
}

func TestMapCacheEvictsOldest(t *testing.T) {
	c := NewMapCache(2, time.Minute)
	for _, size := range []int{64, 128, 256} {
		c.GetOrRender(size, func() ([]byte, error) { return []byte{1}, nil })
	}
	if c.Size() != 2 {
		t.Fatalf("size = %d", c.Size())
	}
	if c.Get(64) != nil {
		t.Error("oldest entry not evicted")
	}
	if c.Get(256) == nil {
		t.Error("newest entry missing")
	}
}

func TestMapCacheRenderError(t *testing.T) {
	c := NewMapCache(0, 0)
	boom := errors.New("boom")
	if _, err := c.GetOrRender(64, func() ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if c.Size() != 0 {
		t.Error("failed render was cached")
	}
}
