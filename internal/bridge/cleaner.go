package bridge

import (
	"log/slog"
	"sync"
	"time"
)

// Cleaner removes sessions idle past a deadline so abandoned
// conversations do not accumulate forever.
type Cleaner struct {
	bridge   *Bridge
	maxIdle  time.Duration
	interval time.Duration

	stopOnce sync.Once
	done     chan struct{}

	now func() time.Time
}

// NewCleaner builds a Cleaner. Non-positive arguments fall back to 24
// hours idle and hourly checks.
func NewCleaner(b *Bridge, maxIdleHours, intervalSeconds int) *Cleaner {
	if maxIdleHours <= 0 {
		maxIdleHours = 24
	}
	if intervalSeconds <= 0 {
		intervalSeconds = 3600
	}
	return &Cleaner{
		bridge:   b,
		maxIdle:  time.Duration(maxIdleHours) * time.Hour,
		interval: time.Duration(intervalSeconds) * time.Second,
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the periodic cleanup loop.
func (c *Cleaner) Start() {
	go c.loop()
	slog.Info("session cleaner started",
		"max_idle_hours", int(c.maxIdle.Hours()),
		"interval_seconds", int(c.interval.Seconds()))
}

// Stop ends the loop. Safe to call more than once.
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		slog.Info("session cleaner stopped")
	})
}

func (c *Cleaner) loop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.CleanupIdleSessions()
		}
	}
}

// CleanupIdleSessions removes sessions idle longer than the limit and
// reports how many were removed.
func (c *Cleaner) CleanupIdleSessions() int {
	cutoff := c.now().Add(-c.maxIdle)

	removed := 0
	for _, s := range c.bridge.ListSessions() {
		if s.LastActivity.Before(cutoff) {
			if c.bridge.RemoveSession(s.Channel, s.UserID) {
				removed++
			}
		}
	}
	if removed > 0 {
		slog.Info("cleaned up idle sessions", "count", removed)
	}
	return removed
}

// IdleSession describes one idle session for the control plane.
type IdleSession struct {
	SessionKey   string  `json:"session_key"`
	Channel      string  `json:"channel"`
	UserID       string  `json:"user_id"`
	UserName     string  `json:"user_name,omitempty"`
	IdleHours    float64 `json:"idle_hours"`
	LastActivity string  `json:"last_activity"` // RFC 3339
}

// IdleSessions lists sessions idle longer than hours. Zero means the
// cleaner's own limit.
func (c *Cleaner) IdleSessions(hours int) []IdleSession {
	maxIdle := c.maxIdle
	if hours > 0 {
		maxIdle = time.Duration(hours) * time.Hour
	}
	now := c.now()
	cutoff := now.Add(-maxIdle)

	var idle []IdleSession
	for key, s := range c.bridge.ListSessions() {
		if s.LastActivity.Before(cutoff) {
			idle = append(idle, IdleSession{
				SessionKey:   key,
				Channel:      s.Channel,
				UserID:       s.UserID,
				UserName:     s.UserName,
				IdleHours:    now.Sub(s.LastActivity).Hours(),
				LastActivity: s.LastActivity.Format(time.RFC3339),
			})
		}
	}
	return idle
}
