// Package typing keeps a channel's typing indicator alive while the
// agent works on a response. Transports show the indicator for a few
// seconds per action, so it must be refreshed until the reply is ready.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultInterval refreshes before the transport's ~5s display
	// window lapses.
	DefaultInterval = 4 * time.Second
	// DefaultMaxDuration bounds an indicator whose owner never stops it.
	DefaultMaxDuration = 5 * time.Minute
)

// Options configure one indicator run.
type Options struct {
	// Send pushes one typing action to the transport.
	Send func(ctx context.Context) error
	// Interval between refreshes. Defaults to DefaultInterval.
	Interval time.Duration
	// MaxDuration stops the loop even when Stop is never called.
	MaxDuration time.Duration
}

// Indicator is a running typing-refresh loop.
type Indicator struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start sends one typing action immediately and refreshes on every
// interval tick until stopped. A Send failure ends the loop quietly.
func Start(ctx context.Context, opts Options) *Indicator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.MaxDuration)
	ind := &Indicator{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(ind.done)
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()

		for {
			if err := opts.Send(runCtx); err != nil {
				slog.Debug("typing indicator stopped", "error", err)
				return
			}
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ind
}

// Stop ends the refresh loop and waits for it to exit. Idempotent.
func (i *Indicator) Stop() {
	i.once.Do(i.cancel)
	<-i.done
}
