package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels/typing"
	"github.com/nextlevelbuilder/clawgate/internal/errfmt"
	"github.com/nextlevelbuilder/clawgate/internal/streaming"
)

// handleMessage runs the full lifecycle for one incoming message:
// gate, stage media, placeholder, typing keepalive, streamed edits,
// final delivery. It runs on its own goroutine per message.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	// Service messages (member joined, title changed, pins) carry no
	// user content and never reach the agent.
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped",
			"chat_id", message.Chat.ID,
			"new_members", len(message.NewChatMembers),
			"left_member", message.LeftChatMember != nil,
		)
		return
	}

	user := message.From
	if user == nil {
		return
	}
	userID := fmt.Sprintf("%d", user.ID)

	cfg, botName := c.snapshot()

	// User lists drop silently: a filtered user never sees a
	// placeholder, typing hint, or refusal.
	if !cfg.UserAllowed(userID) {
		slog.Debug("telegram message dropped (user filtered)", "user_id", user.ID)
		return
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	content := messageText(message)

	if isGroup {
		// Group gate: without an @-mention (or a reply to the bot) the
		// message is ambient chatter and stays out of the pipeline.
		if cfg.MentionRequired() && !detectMention(message, botName) {
			slog.Debug("telegram group message ignored (no mention)",
				"chat_id", message.Chat.ID,
				"user_id", user.ID,
			)
			return
		}
		// The agent never needs the bot's own handle in the prompt.
		content = stripMention(content, botName)
	}

	if !isGroup && !cfg.DMsAllowed() {
		slog.Debug("telegram DM rejected", "user_id", user.ID)
		return
	}

	atts := c.resolveAttachments(ctx, message)
	if content == "" && len(atts) == 0 {
		return
	}

	chatID := message.Chat.ID
	msg := &bus.InboundMessage{
		Channel:     c.Name(),
		UserID:      userID,
		ChatID:      fmt.Sprintf("%d", chatID),
		Content:     content,
		MessageID:   fmt.Sprintf("%d", message.MessageID),
		Timestamp:   int64(message.Date) * 1000,
		Attachments: atts,
		IsGroup:     isGroup,
		UserName:    displayName(user),
		Metadata: map[string]string{
			"chat_type": message.Chat.Type,
		},
	}
	if message.ReplyToMessage != nil {
		msg.ReplyToID = fmt.Sprintf("%d", message.ReplyToMessage.MessageID)
	}

	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type,
		"chat_id", chatID,
		"is_group", isGroup,
		"user_id", user.ID,
		"username", user.Username,
	)

	placeholderID := c.sendPlaceholder(ctx, chatID, atts)

	// Keep the "typing..." hint alive while the agent works.
	indicator := typing.Start(ctx, typing.Options{
		Send: func(ctx context.Context) error {
			return sendChatActionFn(ctx, c.bot, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
		},
	})
	defer indicator.Stop()

	// Stream partial output into the placeholder while the agent runs.
	// The editor goroutine drains the chunk channel either way so the
	// pipeline's onChunk callback never blocks past the buffer.
	streamCfg := streaming.Select(c.Capabilities(), c.Name())
	chunks := make(chan string, streamChunkBuffer)
	editorDone := make(chan struct{})
	if placeholderID != 0 && streamCfg.Mode == streaming.EditMessage {
		go func() {
			defer close(editorDone)
			c.editStream(ctx, chatID, placeholderID, chunks, streamCfg)
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
		slog.Error("telegram message handling failed", "chat_id", chatID, "error", err)
		c.deliverError(ctx, chatID, placeholderID, err)
		return
	}
	if out == nil {
		// Duplicate or filtered upstream: retract the placeholder.
		if placeholderID != 0 {
			_ = deleteMessageFn(ctx, c.bot, chatID, placeholderID)
		}
		return
	}

	if err := c.deliver(ctx, chatID, placeholderID, out); err != nil {
		slog.Error("telegram reply delivery failed", "chat_id", chatID, "error", err)
	}
}

// detectMention reports whether the message addresses the bot: a
// mention entity in text or caption, an @-suffixed command, a plain
// substring, or a reply to one of the bot's own messages.
func detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	lowerBot := strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			if entity.Offset < 0 || entity.Offset+entity.Length > len(pair.text) {
				continue
			}
			segment := pair.text[entity.Offset : entity.Offset+entity.Length]
			switch entity.Type {
			case "mention":
				if strings.EqualFold(segment, "@"+botUsername) {
					return true
				}
			case "bot_command":
				if strings.Contains(strings.ToLower(segment), "@"+lowerBot) {
					return true
				}
			}
		}
	}

	if msg.Text != "" && strings.Contains(strings.ToLower(msg.Text), "@"+lowerBot) {
		return true
	}
	if msg.Caption != "" && strings.Contains(strings.ToLower(msg.Caption), "@"+lowerBot) {
		return true
	}

	// Reply to the bot counts as an implicit mention.
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		return strings.EqualFold(msg.ReplyToMessage.From.Username, botUsername)
	}

	return false
}

// stripMention removes the first @botname token so the agent sees a
// clean prompt.
func stripMention(content, botUsername string) string {
	if botUsername == "" {
		return strings.TrimSpace(content)
	}
	mention := "@" + strings.ToLower(botUsername)
	idx := strings.Index(strings.ToLower(content), mention)
	if idx < 0 {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(content[:idx] + content[idx+len(mention):])
}

// messageText merges text and caption and drops invalid UTF-8 left by
// some clients.
func messageText(msg *telego.Message) string {
	content := msg.Text
	if msg.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += msg.Caption
	}
	return strings.TrimSpace(strings.ToValidUTF8(content, ""))
}

func displayName(user *telego.User) string {
	if user.Username != "" {
		return user.Username
	}
	return user.FirstName
}

// isServiceMessage reports whether the message is a system event
// (member added/removed, title changed, pinned) rather than user
// content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}

// deliverError replaces the placeholder (or posts a new message) with
// the localized rendering of err.
func (c *Channel) deliverError(ctx context.Context, chatID int64, placeholderID int, err error) {
	text := errfmt.Format(err, c.lang())
	if placeholderID != 0 {
		if editErr := c.safeEdit(ctx, chatID, placeholderID, text, ""); editErr == nil {
			return
		}
	}
	if _, sendErr := sendMessageFn(ctx, c.bot, tu.Message(tu.ID(chatID), text)); sendErr != nil {
		slog.Error("telegram error notice send failed", "chat_id", chatID, "error", sendErr)
	}
}
