// Package telegram adapts the Telegram Bot API to the gateway channel
// contract. It runs long polling, gates group traffic on @-mentions,
// stages incoming media for the agent, and streams replies by editing
// a placeholder message in place.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawgate/internal/attachments"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// stopGrace bounds how long Stop waits for the polling goroutine.
// Telegram holds a getUpdates lock per token, so the goroutine must
// exit before another instance can take over.
const stopGrace = 10 * time.Second

// Lifecycle calls that hit the Bot API, replaceable in tests.
var (
	startPollingFn = func(ctx context.Context, bot *telego.Bot, params *telego.GetUpdatesParams) (<-chan telego.Update, error) {
		return bot.UpdatesViaLongPolling(ctx, params)
	}
	botNameFn = func(bot *telego.Bot) string {
		return bot.Username()
	}
	reconnectWait = func(ctx context.Context, d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}
)

func capabilities() bus.ChannelCapabilities {
	return bus.ChannelCapabilities{
		SupportsMarkdown:      true,
		SupportsHTML:          true,
		SupportsEdit:          true,
		SupportsDelete:        true,
		SupportsAttachments:   true,
		SupportsVoice:         true,
		SupportsStreamingEdit: true,
		MaxMessageLength:      4096,
		EditRateLimitMs:       1500,
	}
}

// Channel is the Telegram adapter. One instance serves one bot token.
type Channel struct {
	*channels.BaseChannel

	bot   *telego.Bot
	media *attachments.Handler

	mu      sync.RWMutex
	cfg     *config.ChannelConfig
	botName string

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewFactory returns a channel factory that builds Telegram adapters
// sharing the given attachment handler.
func NewFactory(media *attachments.Handler) channels.Factory {
	return func(cfg *config.ChannelConfig) (channels.Channel, error) {
		return New(cfg, media)
	}
}

// New creates a Telegram channel from config. The token is validated
// lazily on Start, not here. media may be nil when attachment staging
// is disabled.
func New(cfg *config.ChannelConfig, media *attachments.Handler) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
		slog.Info("telegram using proxy", "proxy", cfg.Proxy)
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", cfg.AccountID, capabilities()),
		bot:         bot,
		media:       media,
		cfg:         cfg,
	}, nil
}

// Start begins long polling for message updates. Each message is
// dispatched on its own goroutine so a slow agent reply never stalls
// the poll loop.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)", "account", c.AccountID())

	pollCtx, cancel := context.WithCancel(ctx)
	updates, err := startPollingFn(pollCtx, c.bot, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	name := botNameFn(c.bot)
	done := make(chan struct{})
	c.mu.Lock()
	c.pollCancel = cancel
	c.pollDone = done
	c.botName = name
	c.mu.Unlock()

	c.SetState(channels.StateConnected)
	c.ResetBackoff()
	slog.Info("telegram bot connected", "username", name)

	go func() {
		defer close(done)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					if pollCtx.Err() != nil {
						return
					}
					// Fatal polling error inside telego; the stream
					// does not come back on its own.
					slog.Warn("telegram update stream died", "account", c.AccountID())
					go c.reconnect(ctx)
					return
				}
				if update.Message == nil {
					slog.Debug("telegram update skipped (no message)", "update_id", update.UpdateID)
					continue
				}
				msg := update.Message
				go c.handleMessage(pollCtx, msg)
			}
		}
	}()

	return nil
}

// reconnect restarts polling after the update stream dies, backing off
// exponentially between attempts. Once the attempt budget is spent the
// channel stays stopped until the next config-driven restart.
func (c *Channel) reconnect(ctx context.Context) {
	for {
		delay, ok := c.NextBackoff()
		if !ok {
			slog.Error("telegram reconnect attempts exhausted", "account", c.AccountID())
			c.SetState(channels.StateStopped)
			return
		}
		c.SetState(channels.StateReconnecting)
		slog.Warn("telegram reconnecting", "account", c.AccountID(), "delay", delay, "attempt", c.Attempts())

		if !reconnectWait(ctx, delay) {
			return
		}
		if c.State() != channels.StateReconnecting {
			// Stopped or restarted from outside while waiting.
			return
		}
		if err := c.Stop(ctx); err != nil {
			slog.Warn("telegram stop during reconnect failed", "account", c.AccountID(), "error", err)
		}
		if err := c.Start(ctx); err != nil {
			slog.Warn("telegram reconnect attempt failed", "account", c.AccountID(), "error", err)
			continue
		}

		slog.Info("telegram reconnected", "account", c.AccountID())
		c.NotifyReconnect()
		return
	}
}

// Stop cancels long polling and waits for the polling goroutine to
// exit so Telegram releases the getUpdates lock before a new instance
// starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot", "account", c.AccountID())
	c.SetState(channels.StateStopped)

	// Snapshot and clear under the lock; the reconnect goroutine
	// re-entering Start may be writing these fields concurrently.
	c.mu.Lock()
	cancel, done := c.pollCancel, c.pollDone
	c.pollCancel, c.pollDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
			slog.Info("telegram bot stopped")
		case <-time.After(stopGrace):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// UpdateConfig swaps filter settings without a restart. Token and
// proxy changes still require one; the manager restarts the channel
// when those fields differ.
func (c *Channel) UpdateConfig(cfg *config.ChannelConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	slog.Info("telegram config updated", "account", c.AccountID())
}

func (c *Channel) snapshot() (*config.ChannelConfig, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.botName
}

func (c *Channel) lang() string {
	cfg, _ := c.snapshot()
	if cfg != nil && cfg.Language != "" {
		return cfg.Language
	}
	return "zh"
}
