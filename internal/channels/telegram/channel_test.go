package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

// stubLifecycle fakes the network-bound lifecycle seams. The polling
// stub fails with the given errors in order, then succeeds with an
// update stream that closes when its context does. It returns the
// recorded backoff delays and the polling start count.
func stubLifecycle(t *testing.T, startErrs ...error) (*[]time.Duration, *int) {
	t.Helper()

	origPoll, origName, origWait := startPollingFn, botNameFn, reconnectWait
	t.Cleanup(func() {
		startPollingFn, botNameFn, reconnectWait = origPoll, origName, origWait
	})

	delays := &[]time.Duration{}
	starts := new(int)
	startPollingFn = func(ctx context.Context, _ *telego.Bot, _ *telego.GetUpdatesParams) (<-chan telego.Update, error) {
		idx := *starts
		*starts++
		if idx < len(startErrs) {
			return nil, startErrs[idx]
		}
		updates := make(chan telego.Update)
		go func() {
			<-ctx.Done()
			close(updates)
		}()
		return updates, nil
	}
	botNameFn = func(*telego.Bot) string { return "testbot" }
	reconnectWait = func(_ context.Context, d time.Duration) bool {
		*delays = append(*delays, d)
		return true
	}
	return delays, starts
}

func TestReconnectRecovers(t *testing.T) {
	delays, starts := stubLifecycle(t, errors.New("poll down"), errors.New("poll down"))

	c := newTestChannel()
	var notified int
	c.OnReconnect(func() { notified++ })

	ctx := context.Background()
	c.reconnect(ctx)
	defer c.Stop(ctx)

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(*delays) != len(wantDelays) {
		t.Fatalf("backoff delays = %v, want %v", *delays, wantDelays)
	}
	for i, want := range wantDelays {
		if (*delays)[i] != want {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], want)
		}
	}
	if *starts != 3 {
		t.Errorf("polling started %d times, want 3", *starts)
	}
	if c.State() != channels.StateConnected {
		t.Errorf("State() = %q, want %q", c.State(), channels.StateConnected)
	}
	if c.Attempts() != 0 {
		t.Errorf("Attempts() = %d, want 0 after successful reconnect", c.Attempts())
	}
	if notified != 1 {
		t.Errorf("reconnect callback fired %d times, want 1", notified)
	}
}

func TestReconnectGivesUp(t *testing.T) {
	failures := []error{
		errors.New("poll down"),
		errors.New("poll down"),
		errors.New("poll down"),
		errors.New("poll down"),
		errors.New("poll down"),
	}
	delays, starts := stubLifecycle(t, failures...)

	c := newTestChannel()
	var notified int
	c.OnReconnect(func() { notified++ })

	c.reconnect(context.Background())

	if *starts != 5 {
		t.Errorf("polling started %d times, want 5", *starts)
	}
	if len(*delays) != 5 || (*delays)[4] != 16*time.Second {
		t.Errorf("backoff delays = %v, want 5 doubling entries ending at 16s", *delays)
	}
	if c.State() != channels.StateStopped {
		t.Errorf("State() = %q, want %q", c.State(), channels.StateStopped)
	}
	if notified != 0 {
		t.Errorf("reconnect callback fired %d times, want 0", notified)
	}
	if _, ok := c.NextBackoff(); ok {
		t.Error("NextBackoff() allowed another attempt, want exhausted budget")
	}
}

func TestReconnectAbortsWhenStopped(t *testing.T) {
	_, starts := stubLifecycle(t)

	c := newTestChannel()
	reconnectWait = func(context.Context, time.Duration) bool {
		// An outside Stop lands while the backoff timer runs.
		c.SetState(channels.StateStopped)
		return true
	}

	c.reconnect(context.Background())

	if *starts != 0 {
		t.Errorf("polling started %d times after external stop, want 0", *starts)
	}
	if c.State() != channels.StateStopped {
		t.Errorf("State() = %q, want %q", c.State(), channels.StateStopped)
	}
}

func TestStopConcurrentAndIdempotent(t *testing.T) {
	_, _ = stubLifecycle(t)

	c := newTestChannel()
	ctx := context.Background()

	// Stop before any Start is a clean no-op.
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() before Start error = %v", err)
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Racing Stops (external StopAll vs a reconnecting goroutine) must
	// not trip on the polling lifecycle fields.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Stop(ctx); err != nil {
				t.Errorf("concurrent Stop() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if c.State() != channels.StateStopped {
		t.Errorf("State() = %q, want %q", c.State(), channels.StateStopped)
	}

	// A later Start must bring the adapter back up.
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
	defer c.Stop(ctx)
	if c.State() != channels.StateConnected {
		t.Errorf("State() = %q, want %q after restart", c.State(), channels.StateConnected)
	}
}

func TestStreamDeathTriggersReconnect(t *testing.T) {
	_, starts := stubLifecycle(t)

	first := make(chan telego.Update)
	startPollingFn = func(ctx context.Context, _ *telego.Bot, _ *telego.GetUpdatesParams) (<-chan telego.Update, error) {
		*starts++
		if *starts == 1 {
			return first, nil
		}
		updates := make(chan telego.Update)
		go func() {
			<-ctx.Done()
			close(updates)
		}()
		return updates, nil
	}

	c := newTestChannel()
	notified := make(chan struct{}, 1)
	c.OnReconnect(func() { notified <- struct{}{} })

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop(ctx)

	// The update stream dies while the poll context is still live.
	close(first)

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not complete")
	}
	if c.State() != channels.StateConnected {
		t.Errorf("State() = %q, want %q", c.State(), channels.StateConnected)
	}
}
