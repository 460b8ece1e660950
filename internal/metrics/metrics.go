// Package metrics collects per-channel gateway counters served by the
// control-plane API.
package metrics

import (
	"sync"
	"time"
)

// ChannelSummary is the per-channel block of a Summary.
type ChannelSummary struct {
	MessagesReceived      int64   `json:"messages_received"`
	MessagesSent          int64   `json:"messages_sent"`
	Errors                int64   `json:"errors"`
	LastError             string  `json:"last_error,omitempty"`
	AverageResponseTimeMS float64 `json:"average_response_time_ms"`
	ReconnectCount        int64   `json:"reconnect_count"`
	LastActivity          string  `json:"last_activity,omitempty"` // RFC 3339
}

// Totals aggregates counters across all channels.
type Totals struct {
	TotalMessagesReceived int64 `json:"total_messages_received"`
	TotalMessagesSent     int64 `json:"total_messages_sent"`
	TotalErrors           int64 `json:"total_errors"`
}

// Summary is a point-in-time snapshot of every counter.
type Summary struct {
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Channels      map[string]ChannelSummary `json:"channels"`
	Totals        Totals                    `json:"totals"`
}

type channelState struct {
	received        int64
	sent            int64
	errors          int64
	lastError       string
	lastActivity    time.Time
	totalResponseMS float64
	reconnects      int64
}

func (st *channelState) summary() ChannelSummary {
	cs := ChannelSummary{
		MessagesReceived: st.received,
		MessagesSent:     st.sent,
		Errors:           st.errors,
		LastError:        st.lastError,
		ReconnectCount:   st.reconnects,
	}
	if st.sent > 0 {
		cs.AverageResponseTimeMS = st.totalResponseMS / float64(st.sent)
	}
	if !st.lastActivity.IsZero() {
		cs.LastActivity = st.lastActivity.Format(time.RFC3339)
	}
	return cs
}

// Collector accumulates counters. All methods are safe for concurrent
// use; channels appear on first record.
type Collector struct {
	mu        sync.Mutex
	channels  map[string]*channelState
	startTime time.Time

	now func() time.Time
}

// NewCollector returns an empty Collector with uptime starting now.
func NewCollector() *Collector {
	return &Collector{
		channels:  make(map[string]*channelState),
		startTime: time.Now(),
		now:       time.Now,
	}
}

// state returns the channel's counters, creating them on first use.
// Caller holds mu.
func (c *Collector) state(channel string) *channelState {
	st, ok := c.channels[channel]
	if !ok {
		st = &channelState{}
		c.channels[channel] = st
	}
	return st
}

// RecordReceived counts one inbound message on channel.
func (c *Collector) RecordReceived(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(channel)
	st.received++
	st.lastActivity = c.now()
}

// RecordSent counts one delivered response and its end-to-end latency.
func (c *Collector) RecordSent(channel string, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(channel)
	st.sent++
	st.totalResponseMS += float64(elapsed) / float64(time.Millisecond)
	st.lastActivity = c.now()
}

// RecordError counts one processing failure and remembers its text.
func (c *Collector) RecordError(channel string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(channel)
	st.errors++
	if err != nil {
		st.lastError = err.Error()
	}
}

// RecordReconnect counts one transport reconnect on channel.
func (c *Collector) RecordReconnect(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(channel).reconnects++
}

// Channel returns one channel's summary. ok is false when the channel
// has never recorded anything.
func (c *Collector) Channel(channel string) (ChannelSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[channel]
	if !ok {
		return ChannelSummary{}, false
	}
	return st.summary(), true
}

// Summary snapshots every counter plus process uptime.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		UptimeSeconds: c.now().Sub(c.startTime).Seconds(),
		Channels:      make(map[string]ChannelSummary, len(c.channels)),
	}
	for name, st := range c.channels {
		s.Channels[name] = st.summary()
		s.Totals.TotalMessagesReceived += st.received
		s.Totals.TotalMessagesSent += st.sent
		s.Totals.TotalErrors += st.errors
	}
	return s
}

// Reset clears every counter and restarts the uptime clock.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = make(map[string]*channelState)
	c.startTime = c.now()
}
