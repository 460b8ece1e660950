package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestIsDuplicate(t *testing.T) {
	d := New(time.Minute, 100)

	if d.IsDuplicate("M1", "telegram") {
		t.Error("first sighting reported as duplicate")
	}
	if !d.IsDuplicate("M1", "telegram") {
		t.Error("second sighting not reported as duplicate")
	}
	if d.IsDuplicate("M1", "discord") {
		t.Error("same message id on another channel reported as duplicate")
	}
	if d.Len() != 2 {
		t.Errorf("Len() = %d, want 2", d.Len())
	}
}

func TestTTLExpiry(t *testing.T) {
	d := New(time.Minute, 100)
	clock := time.Unix(1700000000, 0)
	d.now = func() time.Time { return clock }

	if d.IsDuplicate("M1", "telegram") {
		t.Fatal("first sighting reported as duplicate")
	}

	clock = clock.Add(59 * time.Second)
	if !d.IsDuplicate("M1", "telegram") {
		t.Error("sighting within TTL not reported as duplicate")
	}

	clock = clock.Add(2 * time.Minute)
	if d.IsDuplicate("M1", "telegram") {
		t.Error("sighting after TTL still reported as duplicate")
	}
}

func TestNoTimestampRefresh(t *testing.T) {
	d := New(time.Minute, 100)
	clock := time.Unix(1700000000, 0)
	d.now = func() time.Time { return clock }

	d.IsDuplicate("M1", "telegram")

	// Repeated sightings must not extend the original entry's life.
	clock = clock.Add(30 * time.Second)
	if !d.IsDuplicate("M1", "telegram") {
		t.Fatal("sighting within TTL not reported as duplicate")
	}

	clock = clock.Add(31 * time.Second)
	if d.IsDuplicate("M1", "telegram") {
		t.Error("entry lifetime was refreshed by the duplicate sighting")
	}
}

func TestCapacityEviction(t *testing.T) {
	d := New(time.Hour, 3)

	for i := 0; i < 3; i++ {
		d.IsDuplicate(fmt.Sprintf("M%d", i), "telegram")
	}
	if d.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", d.Len())
	}

	// Inserting at capacity evicts exactly the oldest entry.
	d.IsDuplicate("M3", "telegram")
	if d.Len() != 3 {
		t.Errorf("Len() after eviction = %d, want 3", d.Len())
	}
	if !d.IsDuplicate("M1", "telegram") {
		t.Error("M1 should still be remembered")
	}

	// M0 was evicted, so it reads as fresh again (and its re-insert evicts M1).
	if d.IsDuplicate("M0", "telegram") {
		t.Error("evicted entry still reported as duplicate")
	}
}

func TestConcurrentAccess(t *testing.T) {
	d := New(time.Minute, 1000)

	var wg sync.WaitGroup
	dups := make([]int, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if d.IsDuplicate("shared", "telegram") {
					dups[g]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, n := range dups {
		total += n
	}
	if total != 8*100-1 {
		t.Errorf("duplicate count = %d, want %d (exactly one first sighting)", total, 8*100-1)
	}
}
