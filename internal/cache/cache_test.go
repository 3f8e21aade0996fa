// Custodywatch - Firearm Custody Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodywatch

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(ttl time.Duration) (*Cache[string], *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
	c := New[string](ttl)
	c.now = clock.Now
	return c, clock
}

func TestCacheBasicOperations(t *testing.T) {
	c, _ := newTestCache(time.Minute)

	c.Set("key1", "value1")
	value, ok := c.Get("key1")
	if !ok {
		t.Fatal("expected key1 to exist")
	}
	if value != "value1" {
		t.Errorf("Get(key1) = %q, want value1", value)
	}

	if _, ok := c.Get("key2"); ok {
		t.Error("expected key2 to be missing")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Keys != 1 {
		t.Errorf("stats = %+v, want 1 hit, 1 miss, 1 key", stats)
	}
	if stats.HitRate() != 50 {
		t.Errorf("HitRate() = %v, want 50", stats.HitRate())
	}
}

func TestCacheExpiration(t *testing.T) {
	c, clock := newTestCache(30 * time.Second)
	c.Set("stats", "v")

	clock.Advance(29 * time.Second)
	if _, ok := c.Get("stats"); !ok {
		t.Fatal("entry expired early")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("stats"); ok {
		t.Fatal("entry survived its TTL")
	}
	if got := c.Stats(); got.Evictions != 1 || got.Keys != 0 {
		t.Errorf("stats after expiry = %+v", got)
	}
}

func TestCacheDeleteAndClear(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")

	c.Delete("a")
	c.Delete("missing")
	if _, ok := c.Get("a"); ok {
		t.Error("deleted key still present")
	}

	c.Clear()
	if got := c.Stats(); got.Keys != 0 || got.Evictions != 3 {
		t.Errorf("stats after clear = %+v, want 0 keys and 3 evictions", got)
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New[int](time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", n%4)
			for j := 0; j < 100; j++ {
				c.Set(key, j)
				c.Get(key)
				if j%25 == 0 {
					c.Clear()
				}
			}
		}(i)
	}
	wg.Wait()

	if got := c.Stats(); got.Hits+got.Misses != 1600 {
		t.Errorf("lookups = %d, want 1600", got.Hits+got.Misses)
	}
}

func TestGenerateKey(t *testing.T) {
	type params struct {
		Day string `json:"day"`
	}

	a := GenerateKey("statistics", params{Day: "2026-03-15"})
	b := GenerateKey("statistics", params{Day: "2026-03-15"})
	c := GenerateKey("statistics", params{Day: "2026-03-16"})

	if a != b {
		t.Errorf("same params produced %q and %q", a, b)
	}
	if a == c {
		t.Error("different params produced the same key")
	}
}
