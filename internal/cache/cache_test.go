package cache

import "testing"

func TestCacheGetSet(t *testing.T) {
	c := New[string, int](10)

	if _, ok := c.Get("missing"); ok {
		t.Error("Get on empty cache returned ok")
	}

	c.Set("a", 1)
	c.Set("b", 2)

	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v, want 1, true", v, ok)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCacheOverwrite(t *testing.T) {
	c := New[string, int](10)
	c.Set("k", 1)
	c.Set("k", 2)

	v, _ := c.Get("k")
	if v != 2 {
		t.Errorf("Get(k) = %d, want 2", v)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestCacheEviction(t *testing.T) {
	c := New[int, int](4)
	for i := 0; i < 8; i++ {
		c.Set(i, i)
	}

	if c.Len() > 4 {
		t.Errorf("Len = %d after eviction, want <= 4", c.Len())
	}

	// The most recently inserted key must survive.
	if _, ok := c.Get(7); !ok {
		t.Error("most recent entry evicted")
	}
}

func TestCacheEvictsOldestFirst(t *testing.T) {
	c := New[int, int](4)
	for i := 0; i < 4; i++ {
		c.Set(i, i)
	}
	// Touch 0 so 1 becomes the oldest.
	c.Get(0)
	c.Set(4, 4) // Over limit, triggers eviction down to 3.

	if _, ok := c.Get(0); !ok {
		t.Error("recently accessed entry evicted")
	}
}

func TestCacheDelete(t *testing.T) {
	c := New[string, int](0)
	c.Set("k", 1)

	if !c.Delete("k") {
		t.Error("Delete returned false for existing key")
	}
	if c.Delete("k") {
		t.Error("Delete returned true for removed key")
	}
	if _, ok := c.Get("k"); ok {
		t.Error("Get found deleted key")
	}
}

func TestCacheClear(t *testing.T) {
	c := New[string, int](0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("Len = %d after Clear, want 0", c.Len())
	}
}

func TestCacheStats(t *testing.T) {
	c := New[string, int](10)
	c.Set("a", 1)

	c.Get("a")       // hit
	c.Get("a")       // hit
	c.Get("missing") // miss

	s := c.Stats()
	if s.Hits != 2 {
		t.Errorf("Hits = %d, want 2", s.Hits)
	}
	if s.Misses != 1 {
		t.Errorf("Misses = %d, want 1", s.Misses)
	}
	if s.Len != 1 {
		t.Errorf("Len = %d, want 1", s.Len)
	}
}

func TestCacheUnlimited(t *testing.T) {
	c := New[int, int](0)
	for i := 0; i < 100; i++ {
		c.Set(i, i)
	}
	if c.Len() != 100 {
		t.Errorf("Len = %d, want 100 (no eviction with limit 0)", c.Len())
	}
}
