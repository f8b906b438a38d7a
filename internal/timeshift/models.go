package timeshift

import (
	"path"
	"strconv"
	"strings"
	"time"
)

// Output directory layout shared by the capture worker, the publication
// worker, the supervisor and the HTTP handler.
const (
	SegmentsDir    = "segments"
	StoreFileName  = "segments.json"
	StateFileName  = "delays.json"
	PlaylistSuffix = ".m3u8"
)

// SegmentRecord is one captured media segment.
type SegmentRecord struct {
	Sequence         int64   `json:"sequence"`
	Filename         string  `json:"filename"`
	DurationSeconds  float64 `json:"duration"`
	CaptureTimestamp float64 `json:"timestamp"`
	SourceURL        string  `json:"url"`
}

// SegmentDescriptor is a segment as listed by the source manifest, before it
// has been downloaded.
type SegmentDescriptor struct {
	Sequence        int64
	DurationSeconds float64
	URI             string // absolute
	ProgramDateTime *time.Time
}

// DelaySpec is one requested delayed feed. DelaySeconds and BufferSeconds
// never change after creation; FirstSegmentSequence is set exactly once,
// together with Initialized. Checkpoint follows the head of the published
// window so the records before it can be evicted.
type DelaySpec struct {
	DelaySeconds         float64             `json:"delay_seconds"`
	BufferSeconds        float64             `json:"buffer_seconds"`
	PlaylistStartTime    float64             `json:"playlist_start_time"`
	FirstSegmentSequence *int64              `json:"first_segment_sequence,omitempty"`
	Initialized          bool                `json:"initialized"`
	Checkpoint           *TimelineCheckpoint `json:"checkpoint,omitempty"`
}

// TimelineCheckpoint pins one entry of a spec's timeline: the record with
// Sequence starts at StartTime. The timeline is rebuilt from here, which
// places every later entry exactly where it was placed from the anchor.
type TimelineCheckpoint struct {
	Sequence  int64   `json:"sequence"`
	StartTime float64 `json:"start_time"`
}

// NewDelaySpec returns an uninitialized spec created at startTime (epoch seconds).
func NewDelaySpec(delaySeconds, bufferSeconds, startTime float64) *DelaySpec {
	return &DelaySpec{
		DelaySeconds:      delaySeconds,
		BufferSeconds:     bufferSeconds,
		PlaylistStartTime: startTime,
	}
}

// PlaylistName is the file name of the playlist published for this spec.
func (d *DelaySpec) PlaylistName() string {
	return PlaylistName(d.DelaySeconds)
}

// threshold is the earliest capture time a spec may anchor on.
func (d *DelaySpec) threshold() float64 {
	return d.PlaylistStartTime - d.DelaySeconds - d.BufferSeconds
}

// timelineHead returns the sequence the spec's timeline starts at: the
// checkpoint when there is one, the anchor otherwise.
func (d *DelaySpec) timelineHead() (int64, bool) {
	switch {
	case !d.Initialized || d.FirstSegmentSequence == nil:
		return 0, false
	case d.Checkpoint != nil:
		return d.Checkpoint.Sequence, true
	default:
		return *d.FirstSegmentSequence, true
	}
}

// advanced reports whether the checkpoint has left the anchor.
func (d *DelaySpec) advanced() bool {
	return d.Checkpoint != nil && d.FirstSegmentSequence != nil && d.Checkpoint.Sequence != *d.FirstSegmentSequence
}

// PlaylistName returns playlist_<delay>.m3u8.
func PlaylistName(delaySeconds float64) string {
	return "playlist_" + strconv.FormatFloat(delaySeconds, 'f', -1, 64) + PlaylistSuffix
}

// TimelineEntry is a record placed on the derived broadcast timeline.
type TimelineEntry struct {
	Sequence  int64
	StartTime float64
	EndTime   float64
	Filename  string
	Duration  float64
}

// AddResult reports the outcome of SegmentStore.Add.
type AddResult int

const (
	Inserted AddResult = iota
	DuplicateIgnored
)

func (r AddResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "duplicate_ignored"
}

// SegmentFilename chooses the opaque on-disk name for a descriptor. Nothing
// downstream parses it; it only has to be unique per sequence.
func SegmentFilename(d SegmentDescriptor) string {
	ext := path.Ext(strings.SplitN(d.URI, "?", 2)[0])
	if ext == "" || len(ext) > 5 {
		ext = ".ts"
	}
	return "seg_" + strconv.FormatInt(d.Sequence, 10) + ext
}
