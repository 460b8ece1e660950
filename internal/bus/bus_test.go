package bus

import (
	"sync"
	"testing"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := New()

	var mu sync.Mutex
	got := map[string]string{}
	for _, id := range []string{"a", "b", "c"} {
		id := id
		b.Subscribe(id, func(ev Event) {
			mu.Lock()
			got[id] = ev.Name
			mu.Unlock()
		})
	}

	b.Broadcast(Event{Name: "channel.status"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(got))
	}
	for id, name := range got {
		if name != "channel.status" {
			t.Errorf("subscriber %s got %q", id, name)
		}
	}
}

func TestSubscribeReplacesSameID(t *testing.T) {
	b := New()

	var first, second int
	b.Subscribe("x", func(Event) { first++ })
	b.Subscribe("x", func(Event) { second++ })

	b.Broadcast(Event{Name: "health"})

	if first != 0 {
		t.Errorf("replaced handler called %d times, want 0", first)
	}
	if second != 1 {
		t.Errorf("current handler called %d times, want 1", second)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	calls := 0
	b.Subscribe("x", func(Event) { calls++ })
	b.Broadcast(Event{Name: "shutdown"})
	b.Unsubscribe("x")
	b.Broadcast(Event{Name: "shutdown"})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	// Unsubscribing an unknown id is a no-op.
	b.Unsubscribe("never-registered")
}

func TestBroadcastConcurrentWithSubscribe(t *testing.T) {
	b := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		id := string(rune('a' + i))
		go func() {
			defer wg.Done()
			b.Subscribe(id, func(Event) {})
		}()
		go func() {
			defer wg.Done()
			b.Broadcast(Event{Name: "health"})
		}()
	}
	wg.Wait()
}

func TestAttachmentIsLarge(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want bool
	}{
		{"zero", 0, false},
		{"exactly threshold", 10 << 20, false},
		{"over threshold", 10<<20 + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Attachment{Size: tt.size}
			if got := a.IsLarge(); got != tt.want {
				t.Errorf("IsLarge() = %v, want %v", got, tt.want)
			}
		})
	}
}
