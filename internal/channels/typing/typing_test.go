package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestIndicatorRefreshes(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	ind := Start(context.Background(), Options{
		Send: func(ctx context.Context) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		},
		Interval: 10 * time.Millisecond,
	})

	time.Sleep(100 * time.Millisecond)
	ind.Stop()

	mu.Lock()
	n := calls
	mu.Unlock()
	if n < 2 {
		t.Errorf("refreshes = %d, want at least 2", n)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := calls
	mu.Unlock()
	if after != n {
		t.Errorf("indicator kept refreshing after Stop: %d then %d", n, after)
	}
}

func TestIndicatorStopsOnSendError(t *testing.T) {
	ind := Start(context.Background(), Options{
		Send: func(ctx context.Context) error {
			return errors.New("chat not found")
		},
		Interval: 5 * time.Millisecond,
	})

	select {
	case <-ind.done:
	case <-time.After(time.Second):
		t.Fatal("indicator did not stop after send error")
	}
	ind.Stop()
}

func TestIndicatorMaxDuration(t *testing.T) {
	ind := Start(context.Background(), Options{
		Send:        func(ctx context.Context) error { return nil },
		Interval:    5 * time.Millisecond,
		MaxDuration: 30 * time.Millisecond,
	})

	select {
	case <-ind.done:
	case <-time.After(time.Second):
		t.Fatal("indicator did not stop after MaxDuration")
	}
}

func TestIndicatorStopIdempotent(t *testing.T) {
	ind := Start(context.Background(), Options{
		Send:     func(ctx context.Context) error { return nil },
		Interval: 5 * time.Millisecond,
	})
	ind.Stop()
	ind.Stop()
}
