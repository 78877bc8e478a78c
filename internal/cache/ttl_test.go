package cache

import (
	"testing"
	"time"
)

func TestTTLGetSetDelete(t *testing.T) {
	cache := NewTTL[string, int](Config{Name: "test_basic", TTL: time.Minute, MaxEntries: 4})

	if _, ok := cache.Get("a"); ok {
		t.Fatalf("expected miss on empty cache")
	}
	cache.Set("a", 1)
	if value, ok := cache.Get("a"); !ok || value != 1 {
		t.Fatalf("expected hit with 1, got %d %v", value, ok)
	}
	cache.Delete("a")
	if _, ok := cache.Get("a"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestTTLEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewTTL[string, int](Config{Name: "test_lru", TTL: time.Minute, MaxEntries: 2})
	cache.Set("a", 1)
	cache.Set("b", 2)
	_, _ = cache.Get("a")
	cache.Set("c", 3)

	if _, ok := cache.Get("b"); ok {
		t.Fatalf("expected b to be evicted")
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", cache.Len())
	}
}

func TestTTLExpiresEntries(t *testing.T) {
	cache := NewTTL[string, int](Config{Name: "test_expiry", TTL: 20 * time.Millisecond, MaxEntries: 2})
	cache.Set("a", 1)
	time.Sleep(60 * time.Millisecond)
	if _, ok := cache.Get("a"); ok {
		t.Fatalf("expected entry to expire")
	}
}
