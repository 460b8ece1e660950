package attachments

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

func newTestHandler(t *testing.T, opts Options) *Handler {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	h, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func TestDownloadFromURL(t *testing.T) {
	payload := []byte("fake image bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	h := newTestHandler(t, Options{})
	got, err := h.DownloadFromURL(context.Background(), srv.URL+"/media", "photo.png")
	if err != nil {
		t.Fatalf("DownloadFromURL: %v", err)
	}
	if filepath.Ext(got) != ".png" {
		t.Errorf("extension = %q, want .png", filepath.Ext(got))
	}

	data, err := os.ReadFile(h.LocalPath(got))
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("staged content differs from served content")
	}
}

func TestDownloadExtensionFallbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	h := newTestHandler(t, Options{})

	got, err := h.DownloadFromURL(context.Background(), srv.URL+"/path/img.jpg?sig=abc", "")
	if err != nil {
		t.Fatalf("DownloadFromURL: %v", err)
	}
	if filepath.Ext(got) != ".jpg" {
		t.Errorf("URL-derived extension = %q, want .jpg", filepath.Ext(got))
	}

	got, err = h.DownloadFromURL(context.Background(), srv.URL+"/opaque", "")
	if err != nil {
		t.Fatalf("DownloadFromURL: %v", err)
	}
	if filepath.Ext(got) != ".bin" {
		t.Errorf("fallback extension = %q, want .bin", filepath.Ext(got))
	}
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	h := newTestHandler(t, Options{})
	if _, err := h.DownloadFromURL(context.Background(), srv.URL, "f.png"); err == nil {
		t.Fatal("expected error for HTTP 404")
	}
}

func TestSaveFromBytes(t *testing.T) {
	h := newTestHandler(t, Options{})
	got, err := h.SaveFromBytes([]byte("voice data"), "note.ogg")
	if err != nil {
		t.Fatalf("SaveFromBytes: %v", err)
	}
	if filepath.Ext(got) != ".ogg" {
		t.Errorf("extension = %q, want .ogg", filepath.Ext(got))
	}
	data, err := os.ReadFile(h.LocalPath(got))
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if string(data) != "voice data" {
		t.Errorf("staged content = %q", data)
	}
}

func TestUniqueNames(t *testing.T) {
	h := newTestHandler(t, Options{})
	a, err := h.SaveFromBytes([]byte("a"), "same.txt")
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.SaveFromBytes([]byte("b"), "same.txt")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two saves of the same filename must not collide")
	}
}

func TestLocalPathMapping(t *testing.T) {
	dir := t.TempDir()
	h := newTestHandler(t, Options{Dir: dir})

	internal := InternalPathPrefix + "/abcd.png"
	if got := h.LocalPath(internal); got != filepath.Join(dir, "abcd.png") {
		t.Errorf("LocalPath(%q) = %q", internal, got)
	}
	if got := h.LocalPath("/elsewhere/f.png"); got != "/elsewhere/f.png" {
		t.Errorf("non-internal path should pass through, got %q", got)
	}
}

func TestContainerPaths(t *testing.T) {
	t.Setenv("DOCKER_CONTAINER", "1")
	h := newTestHandler(t, Options{})

	got, err := h.SaveFromBytes([]byte("x"), "f.png")
	if err != nil {
		t.Fatalf("SaveFromBytes: %v", err)
	}
	if !strings.HasPrefix(got, InternalPathPrefix+"/") {
		t.Errorf("container path = %q, want %q prefix", got, InternalPathPrefix)
	}
	if _, err := os.Stat(h.LocalPath(got)); err != nil {
		t.Errorf("staged file should exist locally: %v", err)
	}
}

func TestCleanupFile(t *testing.T) {
	h := newTestHandler(t, Options{})
	p, err := h.SaveFromBytes([]byte("x"), "f.txt")
	if err != nil {
		t.Fatal(err)
	}

	h.CleanupFile(p)
	if _, err := os.Stat(h.LocalPath(p)); !os.IsNotExist(err) {
		t.Error("file should be gone after CleanupFile")
	}

	// Removing again must not panic or log fatal.
	h.CleanupFile(p)
}

func TestSweepExpired(t *testing.T) {
	dir := t.TempDir()
	h := newTestHandler(t, Options{Dir: dir, TTLHours: 24})

	fresh := filepath.Join(dir, "fresh.png")
	stale := filepath.Join(dir, "stale.png")
	for _, p := range []string{fresh, stale} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-25 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	if removed := h.SweepExpired(); removed != 1 {
		t.Errorf("SweepExpired() = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale file should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh file should survive")
	}
}

func TestStage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from url"))
	}))
	defer srv.Close()

	h := newTestHandler(t, Options{})
	atts := []bus.Attachment{
		{Type: bus.TypeImage, Data: []byte("raw"), Filename: "a.png"},
		{Type: bus.TypeFile, URL: srv.URL + "/doc.pdf"},
		{Type: bus.TypeImage, LocalPath: "/already/staged.png"},
	}

	paths := h.Stage(context.Background(), atts)
	if len(paths) != 3 {
		t.Fatalf("Stage returned %d paths, want 3", len(paths))
	}
	if paths[2] != "/already/staged.png" {
		t.Errorf("pre-staged path should pass through, got %q", paths[2])
	}
}

func TestStageSkipsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	h := newTestHandler(t, Options{})
	atts := []bus.Attachment{
		{Type: bus.TypeFile, URL: srv.URL + "/gone.pdf"},
		{Type: bus.TypeImage, Data: []byte("ok"), Filename: "b.png"},
	}

	paths := h.Stage(context.Background(), atts)
	if len(paths) != 1 {
		t.Fatalf("Stage returned %d paths, want 1 (failure skipped)", len(paths))
	}
}

func TestImageNormalization(t *testing.T) {
	h := newTestHandler(t, Options{MaxImageDimension: 4})

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 10))); err != nil {
		t.Fatal(err)
	}

	p, err := h.SaveFromBytes(buf.Bytes(), "big.png")
	if err != nil {
		t.Fatalf("SaveFromBytes: %v", err)
	}

	img, err := imaging.Open(h.LocalPath(p))
	if err != nil {
		t.Fatalf("open staged image: %v", err)
	}
	b := img.Bounds()
	if b.Dx() > 4 || b.Dy() > 4 {
		t.Errorf("image bounds = %dx%d, want both <= 4", b.Dx(), b.Dy())
	}
}

func TestImageNormalizationDisabledByDefault(t *testing.T) {
	h := newTestHandler(t, Options{})

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 10))); err != nil {
		t.Fatal(err)
	}
	p, err := h.SaveFromBytes(buf.Bytes(), "big.png")
	if err != nil {
		t.Fatal(err)
	}

	img, err := imaging.Open(h.LocalPath(p))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 10 {
		t.Errorf("image should be untouched when no max dimension is set")
	}
}
