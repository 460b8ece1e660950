package channels

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// imagePathPatterns match container staging paths in agent responses.
// The agent writes generated images under these roots; anything else in
// the response is left alone.
var imagePathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/a0/[^\s"')\]]*\.(?:jpg|jpeg|png|gif|webp|bmp)`),
	regexp.MustCompile(`(?i)/git/agent-zero/[^\s"')\]]*\.(?:jpg|jpeg|png|gif|webp|bmp)`),
	regexp.MustCompile(`(?i)/app/[^\s"')\]]*\.(?:jpg|jpeg|png|gif|webp|bmp)`),
}

var statFileFn = os.Stat

// ExtractImageAttachments scans a response for well-known staging paths
// ending in an image extension and attaches each referenced file that
// exists on disk. The response text itself is not modified; this only
// enriches channel delivery.
func ExtractImageAttachments(response string) []bus.Attachment {
	found := make(map[string]struct{})
	for _, re := range imagePathPatterns {
		for _, m := range re.FindAllString(response, -1) {
			found[m] = struct{}{}
		}
	}
	if len(found) == 0 {
		return nil
	}

	paths := make([]string, 0, len(found))
	for path := range found {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var attachments []bus.Attachment
	for _, path := range paths {
		info, err := statFileFn(path)
		if err != nil || info.IsDir() {
			continue
		}
		attachments = append(attachments, bus.Attachment{
			Type:      bus.TypeImage,
			LocalPath: path,
			Filename:  filepath.Base(path),
		})
		slog.Info("extracted image attachment", "path", path)
	}
	return attachments
}
