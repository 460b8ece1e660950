package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/streaming"
)

const (
	// chunkLimit keeps chunks clear of Discord's 2000 limit so the
	// continuation marker never pushes one over.
	chunkLimit = 1900

	// streamChunkBuffer bounds the delta queue between the pipeline and
	// the edit goroutine.
	streamChunkBuffer = 64

	streamCursor = "▌"
)

// Session call indirection so tests can observe API traffic without a
// live gateway. Production code never swaps these.
var (
	sendMessageFn = func(s *discordgo.Session, channelID, content string) (*discordgo.Message, error) {
		return s.ChannelMessageSend(channelID, content)
	}
	editMessageFn = func(s *discordgo.Session, channelID, messageID, content string) (*discordgo.Message, error) {
		return s.ChannelMessageEdit(channelID, messageID, content)
	}
	deleteMessageFn = func(s *discordgo.Session, channelID, messageID string) error {
		return s.ChannelMessageDelete(channelID, messageID)
	}
	sendFileFn = func(s *discordgo.Session, channelID, name string, r io.Reader) (*discordgo.Message, error) {
		return s.ChannelFileSend(channelID, name, r)
	}
	typingFn = func(s *discordgo.Session, channelID string) error {
		return s.ChannelTyping(channelID)
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

func contMarker(lang string) string {
	if lang == "en" {
		return "...(cont.)"
	}
	return "...(续)"
}

// Send implements channels.Channel for direct, non-streamed delivery.
func (c *Channel) Send(_ context.Context, chatID string, out *bus.OutboundMessage) error {
	if chatID == "" {
		return fmt.Errorf("empty discord channel id")
	}
	return c.deliver(chatID, "", out)
}

// SendStreaming posts a placeholder and folds the chunk stream into it,
// finishing with the complete accumulated text.
func (c *Channel) SendStreaming(ctx context.Context, chatID string, chunks <-chan string, replyToID string) error {
	_ = replyToID

	placeholder, err := sendMessageFn(c.session, chatID, placeholderText(c.lang(), nil))
	if err != nil {
		return fmt.Errorf("send placeholder: %w", err)
	}

	cfg := streaming.Select(c.Capabilities(), c.Name())
	final := c.editStream(ctx, chatID, placeholder.ID, chunks, cfg)

	return c.deliver(chatID, placeholder.ID, &bus.OutboundMessage{Content: final})
}

// sendPlaceholder posts the localized progress message. A failure only
// costs the progress hint, so it returns "" instead of an error.
func (c *Channel) sendPlaceholder(channelID string, atts []bus.Attachment) string {
	msg, err := sendMessageFn(c.session, channelID, placeholderText(c.lang(), atts))
	if err != nil {
		slog.Debug("discord placeholder send failed", "channel_id", channelID, "error", err)
		return ""
	}
	return msg.ID
}

// editStream folds streamed deltas into the placeholder message under
// the channel's edit pacing and returns the accumulated text. It keeps
// draining the channel after truncation or cancellation so the
// producer never blocks.
func (c *Channel) editStream(ctx context.Context, channelID, messageID string, chunks <-chan string, cfg streaming.Config) string {
	pacer := streaming.NewPacer(cfg)

	var buf strings.Builder
	var lastSent string
	truncated := false

	for delta := range chunks {
		buf.WriteString(delta)
		if truncated || ctx.Err() != nil {
			continue
		}

		text := buf.String()
		if utf8.RuneCountInString(text) > chunkLimit {
			// The final delivery replaces this with the full text split
			// into chunks; mid-stream we pin a truncated preview.
			text = channels.Truncate(text, chunkLimit, contMarker(c.lang()))
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
		if _, err := editMessageFn(c.session, channelID, messageID, text); err != nil {
			slog.Debug("discord stream edit failed", "channel_id", channelID, "error", err)
			continue
		}
		lastSent = text
	}

	slog.Debug("discord stream finished", "channel_id", channelID, "edits", pacer.Edits())
	return buf.String()
}

// deliver writes the final reply: the first chunk replaces the
// placeholder, the rest go out as fresh messages, then attachments.
func (c *Channel) deliver(channelID, placeholderID string, out *bus.OutboundMessage) error {
	content := out.Content
	if strings.TrimSpace(content) == "" && len(out.Attachments) == 0 {
		content = emptyResponseText(c.lang())
	}

	var parts []string
	if strings.TrimSpace(content) != "" {
		parts = chunkContent(content, c.lang())
	}

	for i, part := range parts {
		if i == 0 && placeholderID != "" {
			if _, err := editMessageFn(c.session, channelID, placeholderID, part); err != nil {
				slog.Warn("discord placeholder edit failed, sending new message",
					"channel_id", channelID, "placeholder_id", placeholderID, "error", err)
				if _, err := sendMessageFn(c.session, channelID, part); err != nil {
					return fmt.Errorf("send discord message: %w", err)
				}
			}
			continue
		}
		if _, err := sendMessageFn(c.session, channelID, part); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}

	// Attachment-only replies would leave the placeholder saying
	// "thinking", so retract it.
	if len(parts) == 0 && placeholderID != "" {
		_ = deleteMessageFn(c.session, channelID, placeholderID)
	}

	for _, att := range out.Attachments {
		if err := c.sendAttachment(channelID, att); err != nil {
			slog.Warn("discord attachment send failed", "file", att.Filename, "error", err)
		}
	}
	return nil
}

// chunkContent splits content at the Discord-safe limit and marks every
// non-final chunk with the localized continuation marker.
func chunkContent(content, lang string) []string {
	parts := channels.SplitMessage(content, chunkLimit)
	if len(parts) <= 1 {
		return parts
	}
	marker := contMarker(lang)
	for i := 0; i < len(parts)-1; i++ {
		parts[i] += marker
	}
	return parts
}

func (c *Channel) sendAttachment(channelID string, att bus.Attachment) error {
	switch {
	case att.LocalPath != "":
		f, err := os.Open(att.LocalPath)
		if err != nil {
			return fmt.Errorf("open attachment: %w", err)
		}
		defer f.Close()
		name := att.Filename
		if name == "" {
			name = filepath.Base(att.LocalPath)
		}
		if _, err := sendFileFn(c.session, channelID, name, f); err != nil {
			return fmt.Errorf("send discord file: %w", err)
		}
		return nil
	case len(att.Data) > 0:
		name := att.Filename
		if name == "" {
			name = "file"
		}
		if _, err := sendFileFn(c.session, channelID, name, bytes.NewReader(att.Data)); err != nil {
			return fmt.Errorf("send discord file: %w", err)
		}
		return nil
	case att.URL != "":
		// A bare URL unfurls client-side; no re-upload needed.
		if _, err := sendMessageFn(c.session, channelID, att.URL); err != nil {
			return fmt.Errorf("send discord file link: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("attachment %q has no source", att.Filename)
	}
}

func attachmentType(contentType, filename string) bus.MessageType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return bus.TypeImage
	case strings.HasPrefix(ct, "audio/"):
		return bus.TypeAudio
	case strings.HasPrefix(ct, "video/"):
		return bus.TypeVideo
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return bus.TypeImage
	case ".mp3", ".ogg", ".wav", ".m4a", ".flac":
		return bus.TypeAudio
	case ".mp4", ".mov", ".webm", ".mkv":
		return bus.TypeVideo
	}
	return bus.TypeFile
}
