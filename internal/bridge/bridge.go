// Package bridge connects channel adapters to the agent runtime. It
// owns the session registry that maps channel users onto long-lived
// agent conversations.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// UserMessage is the agent-facing form of an inbound message.
type UserMessage struct {
	Content     string
	Attachments []string // local paths readable by the runtime
}

// RunOptions carries session routing and streaming hooks into the
// runtime.
type RunOptions struct {
	SessionKey string
	UserName   string
	Metadata   map[string]string
	// OnChunk receives partial output as the runtime produces it. May
	// be nil. The runtime must stop calling it once Communicate
	// returns.
	OnChunk func(chunk string)
}

// Runtime is the agent backend the bridge drives.
type Runtime interface {
	Communicate(ctx context.Context, msg UserMessage, opts RunOptions) (string, error)
}

// Session tracks one channel user's conversation with the runtime.
type Session struct {
	Key          string    `json:"session_key"`
	Channel      string    `json:"channel"`
	UserID       string    `json:"user_id"`
	ChatID       string    `json:"chat_id"`
	UserName     string    `json:"user_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Bridge routes messages into the runtime, one session per channel
// user. All methods are safe for concurrent use.
type Bridge struct {
	runtime Runtime

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

// New returns a Bridge driving the given runtime.
func New(runtime Runtime) *Bridge {
	return &Bridge{
		runtime:  runtime,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// touchSession returns the session for the message's user, creating it
// on first contact and bumping its activity time otherwise.
func (b *Bridge) touchSession(msg *bus.InboundMessage) *Session {
	key := SessionKey(msg.Channel, msg.UserID)

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[key]
	if !ok {
		now := b.now()
		s = &Session{
			Key:          key,
			Channel:      msg.Channel,
			UserID:       msg.UserID,
			ChatID:       msg.ChatID,
			UserName:     msg.UserName,
			CreatedAt:    now,
			LastActivity: now,
		}
		b.sessions[key] = s
		slog.Info("created new session", "session_key", key, "channel", msg.Channel)
		return s
	}

	s.LastActivity = b.now()
	return s
}

// ProcessMessage runs one inbound message through the runtime and
// returns the complete response. localPaths are the staged attachment
// paths. onChunk, when non-nil, receives partial output as it arrives.
func (b *Bridge) ProcessMessage(ctx context.Context, msg *bus.InboundMessage, localPaths []string, onChunk func(string)) (string, error) {
	s := b.touchSession(msg)

	metadata := map[string]string{
		"channel": msg.Channel,
		"chat_id": msg.ChatID,
		"user_id": msg.UserID,
	}
	if msg.UserName != "" {
		metadata["user_name"] = msg.UserName
	}
	for k, v := range msg.Metadata {
		metadata[k] = v
	}

	response, err := b.runtime.Communicate(ctx, UserMessage{
		Content:     msg.Content,
		Attachments: localPaths,
	}, RunOptions{
		SessionKey: s.Key,
		UserName:   msg.UserName,
		Metadata:   metadata,
		OnChunk:    onChunk,
	})
	if err != nil {
		return "", fmt.Errorf("agent communicate: %w", err)
	}
	return response, nil
}
