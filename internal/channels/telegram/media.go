package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// downloadMaxRetries is the number of GetFile retry attempts.
const downloadMaxRetries = 3

// resolveAttachments stages the message's media through the attachment
// handler and returns descriptors carrying the path the agent sees.
// A failed download degrades that attachment only; the message text
// still goes through.
func (c *Channel) resolveAttachments(ctx context.Context, msg *telego.Message) []bus.Attachment {
	if c.media == nil {
		return nil
	}

	var atts []bus.Attachment

	stage := func(fileID, filename string, typ bus.MessageType, mime string, size int64) {
		path, err := c.stageFile(ctx, fileID, filename)
		if err != nil {
			slog.Warn("telegram attachment skipped", "file", filename, "error", err)
			return
		}
		atts = append(atts, bus.Attachment{
			Type:      typ,
			Filename:  filename,
			MimeType:  mime,
			Size:      size,
			LocalPath: path,
		})
	}

	// Photo: Telegram sends several resolutions, the last is the largest.
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		stage(photo.FileID, fmt.Sprintf("photo_%d.jpg", msg.MessageID), bus.TypeImage, "image/jpeg", int64(photo.FileSize))
	}

	if msg.Document != nil {
		name := msg.Document.FileName
		if name == "" {
			name = fmt.Sprintf("document_%d", msg.MessageID)
		}
		stage(msg.Document.FileID, name, bus.TypeFile, msg.Document.MimeType, int64(msg.Document.FileSize))
	}

	if msg.Voice != nil {
		stage(msg.Voice.FileID, fmt.Sprintf("voice_%d.ogg", msg.MessageID), bus.TypeAudio, msg.Voice.MimeType, int64(msg.Voice.FileSize))
	}

	if msg.Audio != nil {
		name := msg.Audio.FileName
		if name == "" {
			name = fmt.Sprintf("audio_%d.mp3", msg.MessageID)
		}
		stage(msg.Audio.FileID, name, bus.TypeAudio, msg.Audio.MimeType, int64(msg.Audio.FileSize))
	}

	if msg.Video != nil {
		name := msg.Video.FileName
		if name == "" {
			name = fmt.Sprintf("video_%d.mp4", msg.MessageID)
		}
		stage(msg.Video.FileID, name, bus.TypeVideo, msg.Video.MimeType, int64(msg.Video.FileSize))
	}

	if msg.VideoNote != nil {
		stage(msg.VideoNote.FileID, fmt.Sprintf("video_note_%d.mp4", msg.MessageID), bus.TypeVideo, "video/mp4", int64(msg.VideoNote.FileSize))
	}

	if msg.Sticker != nil && !msg.Sticker.IsAnimated && !msg.Sticker.IsVideo {
		stage(msg.Sticker.FileID, fmt.Sprintf("sticker_%d.webp", msg.MessageID), bus.TypeImage, "image/webp", int64(msg.Sticker.FileSize))
	}

	return atts
}

// stageFile resolves a Telegram file ID to its download URL and hands
// it to the attachment handler, returning the agent-visible path.
func (c *Channel) stageFile(ctx context.Context, fileID, filename string) (string, error) {
	var (
		file *telego.File
		err  error
	)
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("retrying telegram file lookup", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}

	cfg, _ := c.snapshot()
	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", cfg.Token, file.FilePath)
	path, err := c.media.DownloadFromURL(ctx, downloadURL, filename)
	if err != nil {
		return "", fmt.Errorf("stage file: %w", err)
	}
	return path, nil
}
