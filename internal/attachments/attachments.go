// Package attachments stages inbound media on local disk so the agent
// runtime can read it by path, and expires staged files after a TTL.
package attachments

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// InternalPathPrefix is where the agent container sees the staging
// directory when the gateway runs inside Docker.
const InternalPathPrefix = "/a0/tmp/uploads"

const (
	defaultTTLHours    = 24
	downloadTimeout    = 60 * time.Second
	maxDownloadBytes   = 50 << 20
	cleanupFallbackGap = time.Hour
)

// Options tunes a Handler. Zero values mean defaults.
type Options struct {
	Dir               string // default <workdir>/tmp/uploads
	TTLHours          int    // default 24
	CleanupCron       string // empty = hourly sweep
	MaxImageDimension int    // 0 = keep images as-is
	HTTPClient        *http.Client
}

// Handler owns the staging directory.
type Handler struct {
	dir          string
	ttl          time.Duration
	cleanupCron  string
	maxDimension int
	client       *http.Client
	inContainer  bool
}

// New creates the staging directory and returns a Handler for it.
func New(opts Options) (*Handler, error) {
	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve workdir: %w", err)
		}
		dir = filepath.Join(wd, "tmp", "uploads")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	ttlHours := opts.TTLHours
	if ttlHours <= 0 {
		ttlHours = defaultTTLHours
	}

	cron := opts.CleanupCron
	if cron != "" && !gronx.New().IsValid(cron) {
		slog.Warn("invalid cleanup cron, falling back to hourly sweep", "cron", cron)
		cron = ""
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: downloadTimeout}
	}

	return &Handler{
		dir:          dir,
		ttl:          time.Duration(ttlHours) * time.Hour,
		cleanupCron:  cron,
		maxDimension: opts.MaxImageDimension,
		client:       client,
		inContainer:  os.Getenv("DOCKER_CONTAINER") == "1",
	}, nil
}

// Dir returns the local staging directory.
func (h *Handler) Dir() string { return h.dir }

// DownloadFromURL fetches a media URL into the staging directory and
// returns the path the agent runtime should use.
func (h *Handler) DownloadFromURL(ctx context.Context, rawURL, originalFilename string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download attachment: HTTP %d", resp.StatusCode)
	}

	name := newUniqueName(extFor(originalFilename, rawURL))
	if err := h.stage(io.LimitReader(resp.Body, maxDownloadBytes), name); err != nil {
		return "", err
	}
	h.normalizeImage(name)

	slog.Debug("downloaded attachment", "file", name)
	return h.agentPath(name), nil
}

// SaveFromBytes stages in-memory data and returns the path the agent
// runtime should use.
func (h *Handler) SaveFromBytes(data []byte, filename string) (string, error) {
	name := newUniqueName(extFor(filename, ""))
	if err := h.stage(bytes.NewReader(data), name); err != nil {
		return "", err
	}
	h.normalizeImage(name)
	return h.agentPath(name), nil
}

// Stage persists every attachment of an inbound message and returns the
// agent-readable paths. Failures are logged and skipped so one bad
// attachment does not drop the whole message.
func (h *Handler) Stage(ctx context.Context, atts []bus.Attachment) []string {
	var paths []string
	for _, att := range atts {
		switch {
		case att.LocalPath != "":
			paths = append(paths, att.LocalPath)
		case len(att.Data) > 0:
			p, err := h.SaveFromBytes(att.Data, att.Filename)
			if err != nil {
				slog.Warn("failed to stage attachment", "filename", att.Filename, "error", err)
				continue
			}
			paths = append(paths, p)
		case att.URL != "":
			p, err := h.DownloadFromURL(ctx, att.URL, att.Filename)
			if err != nil {
				slog.Warn("failed to stage attachment", "url", att.URL, "error", err)
				continue
			}
			paths = append(paths, p)
		}
	}
	return paths
}

// stage writes r to a temp file and renames it into place so readers
// never see a partial file.
func (h *Handler) stage(r io.Reader, name string) error {
	tmp, err := os.CreateTemp(h.dir, ".staging-*")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write attachment: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close attachment: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(h.dir, name)); err != nil {
		return fmt.Errorf("finalize attachment: %w", err)
	}
	return nil
}

// normalizeImage downscales oversized images in place when a maximum
// dimension is configured. Problems are logged, never fatal; the agent
// still gets the original file.
func (h *Handler) normalizeImage(name string) {
	if h.maxDimension <= 0 || !isResizableImage(name) {
		return
	}
	full := filepath.Join(h.dir, name)
	img, err := imaging.Open(full, imaging.AutoOrientation(true))
	if err != nil {
		slog.Warn("image normalization skipped", "file", name, "error", err)
		return
	}
	b := img.Bounds()
	if b.Dx() <= h.maxDimension && b.Dy() <= h.maxDimension {
		return
	}
	resized := imaging.Fit(img, h.maxDimension, h.maxDimension, imaging.Lanczos)
	if err := imaging.Save(resized, full); err != nil {
		slog.Warn("image normalization failed", "file", name, "error", err)
		return
	}
	slog.Debug("image downscaled",
		"file", name,
		"from", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
		"max", h.maxDimension)
}

func isResizableImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// agentPath converts a staged filename to the path the agent runtime
// sees: the container-internal prefix under Docker, the real local path
// otherwise.
func (h *Handler) agentPath(name string) string {
	if h.inContainer {
		return path.Join(InternalPathPrefix, name)
	}
	return filepath.Join(h.dir, name)
}

// LocalPath maps a container-internal path back to the real local file.
// Other paths pass through unchanged.
func (h *Handler) LocalPath(p string) string {
	if strings.HasPrefix(p, InternalPathPrefix) {
		return filepath.Join(h.dir, filepath.Base(p))
	}
	return p
}

// CleanupFile removes one staged file immediately. Container-internal
// paths are accepted.
func (h *Handler) CleanupFile(p string) {
	local := h.LocalPath(p)
	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to clean up attachment", "path", local, "error", err)
	}
}

// StartCleanup runs the TTL sweep until ctx is done. With a cron
// expression the sweep follows that schedule, otherwise it runs hourly.
func (h *Handler) StartCleanup(ctx context.Context) {
	go h.cleanupLoop(ctx)
	slog.Info("attachment cleanup started",
		"dir", h.dir,
		"ttl_hours", int(h.ttl.Hours()),
		"cron", h.cleanupCron)
}

func (h *Handler) cleanupLoop(ctx context.Context) {
	for {
		wait := cleanupFallbackGap
		if h.cleanupCron != "" {
			if next, err := gronx.NextTick(h.cleanupCron, false); err == nil {
				wait = time.Until(next)
				if wait < time.Second {
					wait = time.Second
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			h.SweepExpired()
		}
	}
}

// SweepExpired removes staged files older than the TTL and reports how
// many were removed.
func (h *Handler) SweepExpired() int {
	cutoff := time.Now().Add(-h.ttl)
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		slog.Error("attachment sweep failed", "dir", h.dir, "error", err)
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(h.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		slog.Info("cleaned up expired attachments", "count", removed)
	}
	return removed
}

// newUniqueName returns a collision-free staging filename.
func newUniqueName(ext string) string {
	id := uuid.New()
	return hex.EncodeToString(id[:]) + ext
}

// extFor picks the file extension: original filename first, then the
// URL path, then a generic fallback.
func extFor(filename, rawURL string) string {
	if filename != "" {
		if ext := filepath.Ext(sanitizeName(filename)); ext != "" {
			return ext
		}
	}
	if rawURL != "" {
		trimmed := rawURL
		if i := strings.IndexByte(trimmed, '?'); i >= 0 {
			trimmed = trimmed[:i]
		}
		if ext := filepath.Ext(trimmed); ext != "" {
			return ext
		}
	}
	return ".bin"
}

func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return filepath.Base(name)
}
