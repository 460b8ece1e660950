// Package streaming decides how a long-running agent response is
// delivered on a channel: buffered whole, edited in place, behind a
// typing indicator, or split into chunked messages.
package streaming

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// Mode is the delivery strategy for a streaming response.
type Mode string

const (
	BufferAll       Mode = "buffer_all"
	EditMessage     Mode = "edit_message"
	TypingIndicator Mode = "typing"
	Chunked         Mode = "chunked"
)

const (
	defaultEditIntervalMs = 1000
	defaultChunkSize      = 500
	defaultTypingTimeout  = 5 * time.Second
	defaultMaxEdits       = 50
)

// Config carries the selected mode and its tuning knobs. ChunkSize
// applies to Chunked, TypingTimeout to TypingIndicator; both are carried
// regardless so a config can be reused across modes.
type Config struct {
	Mode          Mode
	EditInterval  time.Duration
	ChunkSize     int
	TypingTimeout time.Duration
	MaxEdits      int
}

// channelPresets override the capability-derived selection for channels
// with known transport quirks. Telegram throttles edits harder than its
// declared rate limit suggests, so it gets a wider interval and a lower
// edit budget.
var channelPresets = map[string]Config{
	"telegram": {Mode: EditMessage, EditInterval: 1500 * time.Millisecond, MaxEdits: 30},
	"discord":  {Mode: EditMessage, EditInterval: 1000 * time.Millisecond, MaxEdits: 50},
	"email":    {Mode: BufferAll},
}

// Select picks the delivery strategy for a channel. A per-channel preset
// wins; otherwise channels that support streaming edits get EditMessage
// paced at their declared edit rate limit, never faster than once per
// second, and everything else buffers the full response.
func Select(caps bus.ChannelCapabilities, channel string) Config {
	if preset, ok := channelPresets[channel]; ok {
		return withDefaults(preset)
	}
	if caps.SupportsStreamingEdit {
		intervalMs := caps.EditRateLimitMs
		if intervalMs < defaultEditIntervalMs {
			intervalMs = defaultEditIntervalMs
		}
		return withDefaults(Config{
			Mode:         EditMessage,
			EditInterval: time.Duration(intervalMs) * time.Millisecond,
		})
	}
	return withDefaults(Config{Mode: BufferAll})
}

func withDefaults(c Config) Config {
	if c.EditInterval <= 0 {
		c.EditInterval = defaultEditIntervalMs * time.Millisecond
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = defaultTypingTimeout
	}
	if c.MaxEdits <= 0 {
		c.MaxEdits = defaultMaxEdits
	}
	return c
}

// Pacer spaces the in-flight edits of one streaming send. It allows at
// most one edit per EditInterval and at most MaxEdits edits total. The
// terminal update is sent outside the pacer and never counted. Not safe
// for concurrent use; a streaming send drives it from one goroutine.
type Pacer struct {
	limiter  *rate.Limiter
	maxEdits int
	edits    int
}

// NewPacer builds a Pacer from the selected config.
func NewPacer(cfg Config) *Pacer {
	cfg = withDefaults(cfg)
	return &Pacer{
		limiter:  rate.NewLimiter(rate.Every(cfg.EditInterval), 1),
		maxEdits: cfg.MaxEdits,
	}
}

// Allow reports whether another in-flight edit may go out now.
func (p *Pacer) Allow() bool { return p.allowAt(time.Now()) }

func (p *Pacer) allowAt(t time.Time) bool {
	if p.edits >= p.maxEdits {
		return false
	}
	if !p.limiter.AllowN(t, 1) {
		return false
	}
	p.edits++
	return true
}

// Edits returns how many in-flight edits have been spent.
func (p *Pacer) Edits() int { return p.edits }
