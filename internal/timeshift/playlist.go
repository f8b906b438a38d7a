package timeshift

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"path"
	"strings"

	"hls-timeshift/internal/platform/fsutil"
)

// BuildLivePlaylist converts a window of timeline entries (ordered by
// sequence ascending) into an HLS live playlist. Each URI is the entry's
// filename under segmentPrefix. An empty window is an error: there is no
// valid delayed playlist without segments.
func BuildLivePlaylist(entries []TimelineEntry, segmentPrefix string) (string, error) {
	if len(entries) == 0 {
		return "", ErrEmptyWindow
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(entries)))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", entries[0].Sequence))

	for _, e := range entries {
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", e.Duration))
		b.WriteString(path.Join(segmentPrefix, e.Filename))
		b.WriteString("\n")
	}
	return b.String(), nil
}

// targetDuration returns the HLS #EXT-X-TARGETDURATION value:
// the ceiling of the maximum segment duration in seconds (integer).
func targetDuration(entries []TimelineEntry) int {
	max := 0.0
	for _, e := range entries {
		if e.Duration > max {
			max = e.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}

// PlaylistPublisher renders windows and publishes them atomically.
type PlaylistPublisher struct {
	segmentPrefix string
	log           *slog.Logger
}

// NewPlaylistPublisher returns a publisher whose playlists reference segments
// under segmentPrefix, relative to the playlist location.
func NewPlaylistPublisher(segmentPrefix string, log *slog.Logger) *PlaylistPublisher {
	return &PlaylistPublisher{segmentPrefix: segmentPrefix, log: log}
}

// Publish renders entries and replaces outputPath with the result. On any
// failure the previous content of outputPath stays in place and no temp file
// is left behind.
func (p *PlaylistPublisher) Publish(outputPath string, entries []TimelineEntry) error {
	body, err := BuildLivePlaylist(entries, p.segmentPrefix)
	if err != nil {
		return err
	}
	err = fsutil.AtomicWriteFunc(outputPath, 0o644, func(w io.Writer) error {
		_, err := io.WriteString(w, body)
		return err
	})
	if err != nil {
		return &PersistenceError{Op: "publish", Path: outputPath, Err: err}
	}
	p.log.Debug("playlist published",
		slog.String("path", outputPath),
		slog.Int64("media_sequence", entries[0].Sequence),
		slog.Int("segments", len(entries)))
	return nil
}
