// Package channels defines the adapter contract shared by the messaging
// transports (Telegram, Discord, ...) and the manager that routes their
// traffic through security, dedup, and the agent bridge.
package channels

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

const (
	reconnectBaseDelay   = time.Second
	maxReconnectDelay    = 300 * time.Second
	maxReconnectAttempts = 5
)

// Handler processes one inbound message and returns the reply the adapter
// should deliver. A nil outbound with a nil error means no reply is owed
// (duplicate messages). onChunk, when non-nil, receives partial agent
// output while the call is in flight; adapters that deliver progressively
// pass a callback, everyone else passes nil.
type Handler func(ctx context.Context, msg *bus.InboundMessage, onChunk func(string)) (*bus.OutboundMessage, error)

// Channel is the contract every messaging adapter satisfies. The manager
// installs the routing handler via OnMessage before Start.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "discord").
	Name() string

	// AccountID distinguishes multiple accounts on the same channel.
	AccountID() string

	// Capabilities returns the adapter's declared capability set. The
	// value is fixed at construction.
	Capabilities() bus.ChannelCapabilities

	// OnMessage registers the single inbound handler.
	OnMessage(handler Handler)

	// OnReconnect registers a callback fired after the adapter restores
	// a dropped connection.
	OnReconnect(fn func())

	// Start begins receiving messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down. Stopped is terminal until Start is
	// called again.
	Stop(ctx context.Context) error

	// Send delivers an outbound message, chunking text past the
	// transport limit and attempting each attachment independently.
	Send(ctx context.Context, chatID string, msg *bus.OutboundMessage) error

	// IsRunning reports whether the adapter is processing messages.
	IsRunning() bool
}

// StreamingChannel is implemented by adapters that can deliver a response
// progressively: post a placeholder, edit it in place as chunks arrive,
// and always finish with one terminal update carrying the full text.
type StreamingChannel interface {
	Channel
	SendStreaming(ctx context.Context, chatID string, chunks <-chan string, replyToID string) error
}

// State tracks the adapter lifecycle.
type State string

const (
	StateCreated      State = "created"
	StateStarted      State = "started"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// BaseChannel carries the state shared by all adapters: the installed
// handler, the lifecycle state, and the reconnect budget. Adapter
// implementations embed it and set name and capabilities at construction.
type BaseChannel struct {
	name      string
	accountID string
	caps      bus.ChannelCapabilities

	mu          sync.Mutex
	handler     Handler
	onReconnect func()
	state       State
	attempts    int
}

// NewBaseChannel creates the shared adapter state. An empty accountID
// falls back to "default".
func NewBaseChannel(name, accountID string, caps bus.ChannelCapabilities) *BaseChannel {
	if accountID == "" {
		accountID = "default"
	}
	return &BaseChannel{
		name:      name,
		accountID: accountID,
		caps:      caps,
		state:     StateCreated,
	}
}

// Name returns the channel identifier.
func (c *BaseChannel) Name() string { return c.name }

// AccountID returns the account identifier.
func (c *BaseChannel) AccountID() string { return c.accountID }

// Capabilities returns the declared capability set.
func (c *BaseChannel) Capabilities() bus.ChannelCapabilities { return c.caps }

// OnMessage installs the routing handler, replacing any previous one.
func (c *BaseChannel) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnReconnect installs the reconnect callback, replacing any previous
// one.
func (c *BaseChannel) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

// NotifyReconnect reports a recovered connection to the registered
// callback. Adapters call it once per successful reconnect.
func (c *BaseChannel) NotifyReconnect() {
	c.mu.Lock()
	fn := c.onReconnect
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Handle routes an inbound message through the installed handler.
func (c *BaseChannel) Handle(ctx context.Context, msg *bus.InboundMessage, onChunk func(string)) (*bus.OutboundMessage, error) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("channel %s: no handler installed", c.name)
	}
	return h(ctx, msg, onChunk)
}

// State returns the current lifecycle state.
func (c *BaseChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState moves the adapter to a new lifecycle state.
func (c *BaseChannel) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// IsRunning reports whether the adapter is in an active state.
func (c *BaseChannel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateStarted, StateConnected, StateReconnecting:
		return true
	}
	return false
}

// NextBackoff returns the delay before the next reconnect attempt and
// whether the attempt budget allows one. Delays double from 1s, capped at
// 300s; after five failed attempts the adapter stays down until Start is
// called again.
func (c *BaseChannel) NextBackoff() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempts >= maxReconnectAttempts {
		return 0, false
	}
	delay := reconnectBaseDelay << uint(c.attempts)
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	c.attempts++
	return delay, true
}

// ResetBackoff clears the reconnect counter after a successful connect.
func (c *BaseChannel) ResetBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
}

// Attempts returns the reconnect attempts consumed since the last
// successful connect.
func (c *BaseChannel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// SplitMessage cuts content into chunks of at most maxLen runes. When a
// chunk must be cut, the split prefers the last newline in the back half
// of the chunk so paragraphs survive where possible. A message of exactly
// maxLen runes is returned whole.
func SplitMessage(content string, maxLen int) []string {
	if maxLen <= 0 || utf8.RuneCountInString(content) <= maxLen {
		return []string{content}
	}

	var chunks []string
	runes := []rune(content)
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}
		cut := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

// Truncate shortens s to at most maxLen runes, replacing the tail with
// marker when cut.
func Truncate(s string, maxLen int, marker string) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	keep := maxLen - utf8.RuneCountInString(marker)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + marker
}
