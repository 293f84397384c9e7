package engine_test

import (
	"fmt"
	"testing"

	"DSCLedger/internal/engine"
)

func TestCommandLRU_EvictsOldestAtCapacity(t *testing.T) {
	lru := engine.NewCommandLRU(3)
	lru.Add("a")
	lru.Add("b")
	lru.Add("c")

	// Touch "a" so "b" becomes the eviction candidate.
	if !lru.Contains("a") {
		t.Fatal("a should be present")
	}

	if !lru.Add("d") {
		t.Fatal("adding d at capacity should report an eviction")
	}
	if lru.Contains("b") {
		t.Error("b should have been evicted")
	}
	if !lru.Contains("a") || !lru.Contains("c") || !lru.Contains("d") {
		t.Error("a, c, d should survive")
	}
	if lru.Evictions() != 1 {
		t.Errorf("evictions: got %d, want 1", lru.Evictions())
	}
}

func TestCommandLRU_AddIsIdempotent(t *testing.T) {
	lru := engine.NewCommandLRU(10)
	for i := 0; i < 5; i++ {
		lru.Add("same")
	}
	if lru.Size() != 1 {
		t.Errorf("size: got %d, want 1", lru.Size())
	}
}

func TestCommandLRU_SizeIsBounded(t *testing.T) {
	lru := engine.NewCommandLRU(8)
	for i := 0; i < 100; i++ {
		lru.Add(fmt.Sprintf("key-%d", i))
	}
	if lru.Size() != 8 {
		t.Errorf("size: got %d, want 8", lru.Size())
	}
}
