package timeshift

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"hls-timeshift/internal/platform/logger"
)

func entriesFrom(seq int64, n int, dur float64) []TimelineEntry {
	out := make([]TimelineEntry, 0, n)
	start := 1000.0
	for i := 0; i < n; i++ {
		s := seq + int64(i)
		out = append(out, TimelineEntry{
			Sequence:  s,
			StartTime: start,
			EndTime:   start + dur,
			Filename:  SegmentFilename(SegmentDescriptor{Sequence: s}),
			Duration:  dur,
		})
		start += dur
	}
	return out
}

func TestBuildLivePlaylist_empty(t *testing.T) {
	_, err := BuildLivePlaylist(nil, SegmentsDir)
	if !errors.Is(err, ErrEmptyWindow) {
		t.Fatalf("expected ErrEmptyWindow, got %v", err)
	}
}

func TestBuildLivePlaylist_with_segments(t *testing.T) {
	out, err := BuildLivePlaylist(entriesFrom(38, 2, 2.0), SegmentsDir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "#EXTM3U\n") {
		t.Error("expected #EXTM3U header")
	}
	if !strings.Contains(out, "#EXT-X-VERSION:3") {
		t.Error("expected version 3")
	}
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:2") {
		t.Errorf("expected TARGETDURATION 2: %s", out)
	}
	if !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:38") {
		t.Errorf("expected MEDIA-SEQUENCE 38: %s", out)
	}
	if !strings.Contains(out, "#EXTINF:2.000,") {
		t.Error("expected EXTINF with duration 2.000")
	}
	if !strings.Contains(out, "segments/seg_38.ts") || !strings.Contains(out, "segments/seg_39.ts") {
		t.Errorf("expected segment paths: %s", out)
	}
	if strings.Contains(out, "#EXT-X-ENDLIST") {
		t.Error("live playlist must not contain ENDLIST")
	}
}

func TestBuildLivePlaylist_target_duration_ceiling(t *testing.T) {
	entries := entriesFrom(1, 2, 2.0)
	entries[1].Duration = 6.006
	out, err := BuildLivePlaylist(entries, SegmentsDir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:7") {
		t.Errorf("expected TARGETDURATION 7 (ceil 6.006): %s", out)
	}
	if !strings.Contains(out, "#EXTINF:6.006,") {
		t.Errorf("expected EXTINF 6.006: %s", out)
	}
}

func TestBuildLivePlaylist_parses_as_media_playlist(t *testing.T) {
	out, err := BuildLivePlaylist(entriesFrom(7, 6, 10.0), SegmentsDir)
	if err != nil {
		t.Fatal(err)
	}
	pl, err := playlist.Unmarshal([]byte(out))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		t.Fatalf("expected media playlist, got %T", pl)
	}
	if media.MediaSequence != 7 {
		t.Errorf("expected media sequence 7, got %d", media.MediaSequence)
	}
	if len(media.Segments) != 6 {
		t.Errorf("expected 6 segments, got %d", len(media.Segments))
	}
	if media.Endlist {
		t.Error("expected a live playlist")
	}
}

func TestPlaylistPublisher_Publish(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, PlaylistName(60))
	p := NewPlaylistPublisher(SegmentsDir, logger.Discard())

	if err := p.Publish(out, entriesFrom(1, 3, 10)); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "#EXT-X-MEDIA-SEQUENCE:1") {
		t.Errorf("unexpected playlist: %s", data)
	}
}

func TestPlaylistPublisher_failure_keeps_previous(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, PlaylistName(60))
	p := NewPlaylistPublisher(SegmentsDir, logger.Discard())

	if err := p.Publish(out, entriesFrom(1, 3, 10)); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(out)

	if err := p.Publish(out, nil); !errors.Is(err, ErrEmptyWindow) {
		t.Fatalf("expected ErrEmptyWindow, got %v", err)
	}
	after, _ := os.ReadFile(out)
	if string(before) != string(after) {
		t.Error("empty window must not replace the published playlist")
	}

	// A playlist path inside a missing directory cannot be written.
	err := p.Publish(filepath.Join(dir, "missing", "p.m3u8"), entriesFrom(1, 1, 10))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the playlist in %s, found %d entries", dir, len(entries))
	}
}

func TestPlaylistPublisher_readers_never_see_partial_file(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, PlaylistName(60))
	p := NewPlaylistPublisher(SegmentsDir, logger.Discard())
	if err := p.Publish(out, entriesFrom(0, 5, 10)); err != nil {
		t.Fatal(err)
	}

	var stop atomic.Bool
	var bad atomic.Int32
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				data, err := os.ReadFile(out)
				if err != nil {
					bad.Add(1)
					continue
				}
				s := string(data)
				if !strings.HasPrefix(s, "#EXTM3U\n") || !strings.HasSuffix(s, ".ts\n") {
					bad.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if err := p.Publish(out, entriesFrom(int64(i), 5+i%7, 10)); err != nil {
			t.Fatal(err)
		}
	}
	stop.Store(true)
	wg.Wait()

	if n := bad.Load(); n > 0 {
		t.Errorf("readers observed %d partial or missing playlists", n)
	}
}
