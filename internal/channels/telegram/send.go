package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/streaming"
)

const (
	// safetyMargin keeps sends clear of Telegram's 4096 limit so markers
	// never push a chunk over it.
	safetyMargin = 96

	// streamChunkBuffer bounds the delta queue between the pipeline and
	// the edit goroutine.
	streamChunkBuffer = 64

	streamCursor    = "▌"
	truncatedMarker = "...(truncated)"
)

// Bot call indirection so tests can observe API traffic without a live
// bot. Production code never swaps these.
var (
	sendMessageFn = func(ctx context.Context, bot *telego.Bot, params *telego.SendMessageParams) (*telego.Message, error) {
		return bot.SendMessage(ctx, params)
	}
	editMessageFn = func(ctx context.Context, bot *telego.Bot, params *telego.EditMessageTextParams) error {
		_, err := bot.EditMessageText(ctx, params)
		return err
	}
	deleteMessageFn = func(ctx context.Context, bot *telego.Bot, chatID int64, messageID int) error {
		return bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(chatID), MessageID: messageID})
	}
	sendPhotoFn = func(ctx context.Context, bot *telego.Bot, params *telego.SendPhotoParams) (*telego.Message, error) {
		return bot.SendPhoto(ctx, params)
	}
	sendDocumentFn = func(ctx context.Context, bot *telego.Bot, params *telego.SendDocumentParams) (*telego.Message, error) {
		return bot.SendDocument(ctx, params)
	}
	sendChatActionFn = func(ctx context.Context, bot *telego.Bot, params *telego.SendChatActionParams) error {
		return bot.SendChatAction(ctx, params)
	}
)

func placeholderText(lang string, atts []bus.Attachment) string {
	hasImage, hasFile := false, false
	for _, a := range atts {
		switch a.Type {
		case bus.TypeImage:
			hasImage = true
		case bus.TypeFile:
			hasFile = true
		}
	}
	if lang == "en" {
		switch {
		case hasImage:
			return "🖼️ Analyzing image..."
		case hasFile:
			return "📄 Processing file..."
		}
		return "🤔 Thinking..."
	}
	switch {
	case hasImage:
		return "🖼️ 正在分析图片..."
	case hasFile:
		return "📄 正在处理文件..."
	}
	return "🤔 思考中..."
}

func emptyResponseText(lang string) string {
	if lang == "en" {
		return "(no response)"
	}
	return "(无响应内容)"
}

// Send implements channels.Channel for direct, non-streamed delivery.
func (c *Channel) Send(ctx context.Context, chatID string, out *bus.OutboundMessage) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	return c.deliver(ctx, id, 0, out)
}

// SendStreaming posts a placeholder and folds the chunk stream into it,
// finishing with the complete accumulated text.
func (c *Channel) SendStreaming(ctx context.Context, chatID string, chunks <-chan string, replyToID string) error {
	_ = replyToID

	id, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	placeholder, err := sendMessageFn(ctx, c.bot, tu.Message(tu.ID(id), placeholderText(c.lang(), nil)))
	if err != nil {
		return fmt.Errorf("send placeholder: %w", err)
	}

	cfg := streaming.Select(c.Capabilities(), c.Name())
	final := c.editStream(ctx, id, placeholder.MessageID, chunks, cfg)

	out := &bus.OutboundMessage{Content: final}
	return c.deliver(ctx, id, placeholder.MessageID, out)
}

// sendPlaceholder posts the localized progress message. A failure only
// costs the progress hint, so it returns 0 instead of an error.
func (c *Channel) sendPlaceholder(ctx context.Context, chatID int64, atts []bus.Attachment) int {
	msg, err := sendMessageFn(ctx, c.bot, tu.Message(tu.ID(chatID), placeholderText(c.lang(), atts)))
	if err != nil {
		slog.Debug("telegram placeholder send failed", "chat_id", chatID, "error", err)
		return 0
	}
	return msg.MessageID
}

// editStream folds streamed deltas into the placeholder message under
// the channel's edit pacing and returns the accumulated text. It keeps
// draining the channel after truncation or cancellation so the
// producer never blocks.
func (c *Channel) editStream(ctx context.Context, chatID int64, messageID int, chunks <-chan string, cfg streaming.Config) string {
	pacer := streaming.NewPacer(cfg)
	limit := c.Capabilities().MaxMessageLength - safetyMargin

	var buf strings.Builder
	var lastSent string
	truncated := false

	for delta := range chunks {
		buf.WriteString(delta)
		if truncated || ctx.Err() != nil {
			continue
		}

		text := buf.String()
		if utf8.RuneCountInString(text) > limit {
			// The final delivery replaces this with the full text split
			// into chunks; mid-stream we pin a truncated preview.
			text = channels.Truncate(text, limit, truncatedMarker)
			truncated = true
		} else {
			if !pacer.Allow() {
				continue
			}
			text += streamCursor
		}

		if text == lastSent {
			continue
		}
		if err := c.safeEdit(ctx, chatID, messageID, text, ""); err != nil {
			slog.Debug("telegram stream edit failed", "chat_id", chatID, "error", err)
			continue
		}
		lastSent = text
	}

	slog.Debug("telegram stream finished", "chat_id", chatID, "edits", pacer.Edits())
	return buf.String()
}

// deliver writes the final reply: the first chunk lands in the
// placeholder, the rest go out as fresh messages, then attachments.
func (c *Channel) deliver(ctx context.Context, chatID int64, placeholderID int, out *bus.OutboundMessage) error {
	content := out.Content
	if strings.TrimSpace(content) == "" && len(out.Attachments) == 0 {
		content = emptyResponseText(c.lang())
	}

	limit := c.Capabilities().MaxMessageLength - safetyMargin
	mode := parseModeFor(out.ParseMode)

	var parts []string
	if strings.TrimSpace(content) != "" {
		parts = channels.SplitMessage(content, limit)
	}

	for i, part := range parts {
		if i == 0 && placeholderID != 0 {
			if err := c.safeEdit(ctx, chatID, placeholderID, part, mode); err != nil {
				if mode == "" {
					return fmt.Errorf("edit final message: %w", err)
				}
				// Markdown Telegram rejects is resent as plain text.
				if err := c.safeEdit(ctx, chatID, placeholderID, part, ""); err != nil {
					return fmt.Errorf("edit final message: %w", err)
				}
			}
			continue
		}
		if err := c.sendChunk(ctx, chatID, part, mode); err != nil {
			return err
		}
	}

	// Attachment-only replies would leave the placeholder saying
	// "thinking", so retract it.
	if len(parts) == 0 && placeholderID != 0 {
		_ = deleteMessageFn(ctx, c.bot, chatID, placeholderID)
	}

	for _, att := range out.Attachments {
		if err := c.sendAttachment(ctx, chatID, att); err != nil {
			slog.Warn("telegram attachment send failed", "file", att.Filename, "error", err)
		}
	}
	return nil
}

func (c *Channel) sendChunk(ctx context.Context, chatID int64, text, mode string) error {
	params := tu.Message(tu.ID(chatID), text)
	if mode != "" {
		params.ParseMode = mode
	}
	if _, err := sendMessageFn(ctx, c.bot, params); err != nil {
		if mode == "" {
			return fmt.Errorf("send message: %w", err)
		}
		params.ParseMode = ""
		if _, err := sendMessageFn(ctx, c.bot, params); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// safeEdit edits a message, absorbing the benign Telegram failures: an
// unchanged body counts as success, a missing target degrades to a
// fresh send, and a 429 sleeps out the advertised retry-after before a
// single retry.
func (c *Channel) safeEdit(ctx context.Context, chatID int64, messageID int, text, mode string) error {
	err := c.editOnce(ctx, chatID, messageID, text, mode)
	if err == nil || isNotModified(err) {
		return nil
	}

	if isMessageNotFound(err) {
		params := tu.Message(tu.ID(chatID), text)
		if mode != "" {
			params.ParseMode = mode
		}
		_, sendErr := sendMessageFn(ctx, c.bot, params)
		return sendErr
	}

	if delay, ok := retryAfterDelay(err); ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		retryErr := c.editOnce(ctx, chatID, messageID, text, mode)
		if retryErr == nil || isNotModified(retryErr) {
			return nil
		}
		return retryErr
	}

	return err
}

func (c *Channel) editOnce(ctx context.Context, chatID int64, messageID int, text, mode string) error {
	params := &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
	}
	if mode != "" {
		params.ParseMode = mode
	}
	return editMessageFn(ctx, c.bot, params)
}

// sendAttachment uploads one attachment. Images that Telegram rejects
// as photos are retried as documents; the input is rebuilt per attempt
// because a consumed reader cannot be resent. Large images skip the
// photo attempt entirely, the photo endpoint caps out at 10 MB.
func (c *Channel) sendAttachment(ctx context.Context, chatID int64, att bus.Attachment) error {
	if att.Type == bus.TypeImage && !att.IsLarge() {
		file, cleanup, err := attachmentInput(att)
		if err != nil {
			return err
		}
		_, photoErr := sendPhotoFn(ctx, c.bot, tu.Photo(tu.ID(chatID), file))
		cleanup()
		if photoErr == nil {
			return nil
		}
		slog.Debug("telegram photo send failed, retrying as document", "file", att.Filename, "error", photoErr)
	}

	file, cleanup, err := attachmentInput(att)
	if err != nil {
		return err
	}
	defer cleanup()
	if _, err := sendDocumentFn(ctx, c.bot, tu.Document(tu.ID(chatID), file)); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

func attachmentInput(att bus.Attachment) (telego.InputFile, func(), error) {
	switch {
	case att.LocalPath != "":
		f, err := os.Open(att.LocalPath)
		if err != nil {
			return telego.InputFile{}, nil, fmt.Errorf("open attachment: %w", err)
		}
		return tu.File(f), func() { f.Close() }, nil
	case len(att.Data) > 0:
		name := att.Filename
		if name == "" {
			name = "file"
		}
		return tu.File(tu.NameReader(bytes.NewReader(att.Data), name)), func() {}, nil
	case att.URL != "":
		return tu.FileFromURL(att.URL), func() {}, nil
	default:
		return telego.InputFile{}, nil, fmt.Errorf("attachment %q has no source", att.Filename)
	}
}

func parseModeFor(mode bus.ParseMode) string {
	switch mode {
	case bus.ParseMarkdown:
		return telego.ModeMarkdown
	case bus.ParseHTML:
		return telego.ModeHTML
	default:
		return ""
	}
}

func parseChatID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

func isMessageNotFound(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "message to edit not found") || strings.Contains(s, "message_id_invalid")
}

// retryAfterDelay parses the backoff Telegram advertises in 429
// descriptions ("Too Many Requests: retry after 5").
func retryAfterDelay(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	s := strings.ToLower(err.Error())
	idx := strings.Index(s, "retry after ")
	if idx < 0 {
		return 0, false
	}
	rest := s[idx+len("retry after "):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	secs, convErr := strconv.Atoi(rest[:end])
	if convErr != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
