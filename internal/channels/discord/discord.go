// Package discord adapts the Discord gateway to the channel contract
// via discordgo. discordgo owns its websocket goroutines, so message
// callbacks hand off to a fresh goroutine with a bounded deadline and
// never block the read loop.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawgate/internal/attachments"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/channels/typing"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/errfmt"
	"github.com/nextlevelbuilder/clawgate/internal/streaming"
)

const (
	// handlerTimeout bounds one message's full pipeline run.
	handlerTimeout = 300 * time.Second

	// stopGrace bounds how long Stop waits on session.Close.
	stopGrace = 10 * time.Second

	// typingInterval refreshes Discord's ~10s typing hint.
	typingInterval = 8 * time.Second
)

func capabilities() bus.ChannelCapabilities {
	return bus.ChannelCapabilities{
		SupportsMarkdown:      true,
		SupportsReactions:     true,
		SupportsThreads:       true,
		SupportsEdit:          true,
		SupportsDelete:        true,
		SupportsAttachments:   true,
		SupportsStreamingEdit: true,
		MaxMessageLength:      2000,
		EditRateLimitMs:       1000,
	}
}

// Channel is the Discord adapter. One instance serves one bot token.
type Channel struct {
	*channels.BaseChannel

	session *discordgo.Session
	media   *attachments.Handler

	mu        sync.RWMutex
	cfg       *config.ChannelConfig
	botUserID string

	runCtx         context.Context
	runCancel      context.CancelFunc
	removeHandlers []func()
}

// NewFactory returns a channel factory that builds Discord adapters
// sharing the given attachment handler.
func NewFactory(media *attachments.Handler) channels.Factory {
	return func(cfg *config.ChannelConfig) (channels.Channel, error) {
		return New(cfg, media)
	}
}

// New creates a Discord channel from config.
func New(cfg *config.ChannelConfig, media *attachments.Handler) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", cfg.AccountID, capabilities()),
		session:     session,
		media:       media,
		cfg:         cfg,
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting discord bot", "account", c.AccountID())

	c.runCtx, c.runCancel = context.WithCancel(ctx)
	c.removeHandlers = []func(){
		c.session.AddHandler(c.handleMessage),
		c.session.AddHandler(c.handleReady),
		c.session.AddHandler(c.handleResumed),
		c.session.AddHandler(c.handleDisconnect),
	}

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.mu.Lock()
	c.botUserID = user.ID
	c.mu.Unlock()

	c.SetState(channels.StateConnected)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)

	return nil
}

// Stop closes the gateway connection, bounded by a grace timer so a
// wedged websocket never hangs shutdown.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot", "account", c.AccountID())
	c.SetState(channels.StateStopped)

	if c.runCancel != nil {
		c.runCancel()
	}
	for _, remove := range c.removeHandlers {
		remove()
	}
	c.removeHandlers = nil

	done := make(chan error, 1)
	go func() { done <- c.session.Close() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close discord session: %w", err)
		}
		slog.Info("discord bot stopped")
	case <-time.After(stopGrace):
		slog.Warn("discord session close timed out")
	}
	return nil
}

// UpdateConfig swaps filter settings without a restart.
func (c *Channel) UpdateConfig(cfg *config.ChannelConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	slog.Info("discord config updated", "account", c.AccountID())
}

func (c *Channel) snapshot() (*config.ChannelConfig, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg, c.botUserID
}

func (c *Channel) lang() string {
	cfg, _ := c.snapshot()
	if cfg != nil && cfg.Language != "" {
		return cfg.Language
	}
	return "zh"
}

// Connection recovery is discordgo's job; the handlers below only map
// its gateway events onto the adapter state machine and the reconnect
// counter.

func (c *Channel) handleReady(_ *discordgo.Session, _ *discordgo.Ready) {
	c.markConnected()
}

func (c *Channel) handleResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	c.markConnected()
}

// handleDisconnect marks the adapter reconnecting. A stopped adapter
// ignores the event since Close emits one too.
func (c *Channel) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	if c.State() == channels.StateStopped {
		return
	}
	slog.Warn("discord disconnected, awaiting automatic reconnect", "account", c.AccountID())
	c.SetState(channels.StateReconnecting)
}

// markConnected moves the adapter to connected and clears the backoff
// budget. Arriving from a reconnecting state counts as a recovered
// connection.
func (c *Channel) markConnected() {
	if c.State() == channels.StateReconnecting {
		slog.Info("discord reconnected", "account", c.AccountID())
		c.NotifyReconnect()
	}
	c.SetState(channels.StateConnected)
	c.ResetBackoff()
}

// handleMessage is the discordgo callback. It filters bot echo and
// hands real work to a bounded goroutine.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	c.mu.RLock()
	self := c.botUserID
	ctx := c.runCtx
	c.mu.RUnlock()

	if m.Author.ID == self || ctx == nil || ctx.Err() != nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
		defer cancel()
		c.process(ctx, m)
	}()
}

// process runs the full lifecycle for one message: gate, stage
// attachments, placeholder, typing keepalive, streamed edits, final
// delivery.
func (c *Channel) process(ctx context.Context, m *discordgo.MessageCreate) {
	cfg, self := c.snapshot()

	// User lists drop silently: a filtered user never sees a
	// placeholder, typing hint, or refusal.
	if !cfg.UserAllowed(m.Author.ID) {
		slog.Debug("discord message dropped (user filtered)", "user_id", m.Author.ID)
		return
	}

	isGroup := m.GuildID != ""

	if isGroup && !guildAllowed(cfg.AllowedGuilds, m.GuildID) {
		slog.Debug("discord message rejected (guild not allowed)",
			"guild_id", m.GuildID, "user_id", m.Author.ID)
		return
	}
	if !isGroup && !cfg.DMsAllowed() {
		slog.Debug("discord DM rejected", "user_id", m.Author.ID)
		return
	}

	content := m.Content
	if isGroup {
		if cfg.MentionRequired() && !mentionsUser(m.Mentions, self) {
			return
		}
		// The agent never needs the bot's own handle in the prompt.
		content = stripMention(content, self)
	}

	atts := c.resolveAttachments(ctx, m)
	content = strings.TrimSpace(strings.ToValidUTF8(content, ""))
	if content == "" && len(atts) == 0 {
		return
	}

	msg := &bus.InboundMessage{
		Channel:     c.Name(),
		UserID:      m.Author.ID,
		ChatID:      m.ChannelID,
		Content:     content,
		MessageID:   m.ID,
		Timestamp:   m.Timestamp.UnixMilli(),
		Attachments: atts,
		IsGroup:     isGroup,
		UserName:    resolveDisplayName(m),
		Metadata: map[string]string{
			"guild_id": m.GuildID,
			"username": m.Author.Username,
		},
	}
	if m.ReferencedMessage != nil {
		msg.ReplyToID = m.ReferencedMessage.ID
	}

	slog.Debug("discord message received",
		"channel_id", m.ChannelID,
		"guild_id", m.GuildID,
		"user_id", m.Author.ID,
		"is_group", isGroup,
	)

	placeholderID := c.sendPlaceholder(m.ChannelID, atts)

	indicator := typing.Start(ctx, typing.Options{
		Interval: typingInterval,
		Send: func(context.Context) error {
			return typingFn(c.session, m.ChannelID)
		},
	})
	defer indicator.Stop()

	streamCfg := streaming.Select(c.Capabilities(), c.Name())
	chunks := make(chan string, streamChunkBuffer)
	editorDone := make(chan struct{})
	if placeholderID != "" && streamCfg.Mode == streaming.EditMessage {
		go func() {
			defer close(editorDone)
			c.editStream(ctx, m.ChannelID, placeholderID, chunks, streamCfg)
		}()
	} else {
		go func() {
			defer close(editorDone)
			for range chunks {
			}
		}()
	}

	onChunk := func(delta string) {
		select {
		case chunks <- delta:
		case <-ctx.Done():
		}
	}

	out, err := c.Handle(ctx, msg, onChunk)
	close(chunks)
	<-editorDone

	if err != nil {
		slog.Error("discord message handling failed", "channel_id", m.ChannelID, "error", err)
		c.deliverError(m.ChannelID, placeholderID, err)
		return
	}
	if out == nil {
		if placeholderID != "" {
			_ = deleteMessageFn(c.session, m.ChannelID, placeholderID)
		}
		return
	}

	if err := c.deliver(m.ChannelID, placeholderID, out); err != nil {
		slog.Error("discord reply delivery failed", "channel_id", m.ChannelID, "error", err)
	}
}

func (c *Channel) deliverError(channelID, placeholderID string, err error) {
	text := errfmt.Format(err, c.lang())
	if placeholderID != "" {
		if _, editErr := editMessageFn(c.session, channelID, placeholderID, text); editErr == nil {
			return
		}
	}
	if _, sendErr := sendMessageFn(c.session, channelID, text); sendErr != nil {
		slog.Error("discord error notice send failed", "channel_id", channelID, "error", sendErr)
	}
}

// resolveAttachments stages message attachments through the attachment
// handler. A failed download degrades that attachment only.
func (c *Channel) resolveAttachments(ctx context.Context, m *discordgo.MessageCreate) []bus.Attachment {
	if c.media == nil || len(m.Attachments) == 0 {
		return nil
	}

	var atts []bus.Attachment
	for _, att := range m.Attachments {
		if att == nil || att.URL == "" {
			continue
		}
		path, err := c.media.DownloadFromURL(ctx, att.URL, att.Filename)
		if err != nil {
			slog.Warn("discord attachment skipped", "file", att.Filename, "error", err)
			continue
		}
		atts = append(atts, bus.Attachment{
			Type:      attachmentType(att.ContentType, att.Filename),
			URL:       att.URL,
			Filename:  att.Filename,
			MimeType:  att.ContentType,
			Size:      int64(att.Size),
			LocalPath: path,
		})
	}
	return atts
}

func mentionsUser(mentions []*discordgo.User, userID string) bool {
	for _, u := range mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

// stripMention removes <@id> and <@!id> tokens so the agent sees a
// clean prompt.
func stripMention(content, botUserID string) string {
	if botUserID == "" {
		return strings.TrimSpace(content)
	}
	content = strings.ReplaceAll(content, "<@"+botUserID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botUserID+">", "")
	return strings.TrimSpace(content)
}

func guildAllowed(allowed []int64, guildID string) bool {
	if len(allowed) == 0 {
		return true
	}
	id, err := strconv.ParseInt(guildID, 10, 64)
	if err != nil {
		return false
	}
	for _, g := range allowed {
		if g == id {
			return true
		}
	}
	return false
}

// resolveDisplayName picks the best name for a message author:
// server nickname, then global display name, then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
