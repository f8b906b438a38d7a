package timeshift

import (
	"log/slog"
	"time"

	"hls-timeshift/internal/platform/clock"
)

// DefaultMinSegments is the timeline length below which Populate publishes
// every available entry instead of a windowed slice.
const DefaultMinSegments = 10

// WindowEngine decides, per DelaySpec, which segments are on air right now.
type WindowEngine struct {
	clock       clock.Clock
	lookahead   float64
	minSegments int
	log         *slog.Logger
}

// NewWindowEngine returns an engine publishing lookahead worth of segments
// past the broadcast point. If minSegments <= 0, DefaultMinSegments is used.
func NewWindowEngine(clk clock.Clock, lookahead time.Duration, minSegments int, log *slog.Logger) *WindowEngine {
	if minSegments <= 0 {
		minSegments = DefaultMinSegments
	}
	return &WindowEngine{
		clock:       clk,
		lookahead:   lookahead.Seconds(),
		minSegments: minSegments,
		log:         log,
	}
}

// Ready reports whether enough time has passed since the spec was created to
// cover its delay and buffer.
func (e *WindowEngine) Ready(spec *DelaySpec) bool {
	now := clock.EpochSeconds(e.clock.Now())
	return now >= spec.PlaylistStartTime+spec.DelaySeconds+spec.BufferSeconds
}

// Initialize anchors spec on the earliest record captured after
// PlaylistStartTime - DelaySeconds - BufferSeconds. It returns true once the
// spec is initialized. An initialized spec is never changed again; with no
// qualifying record the spec stays uninitialized for the next tick.
func (e *WindowEngine) Initialize(spec *DelaySpec, snapshot []SegmentRecord) bool {
	if spec.Initialized {
		return true
	}

	threshold := spec.threshold()
	var (
		first SegmentRecord
		found bool
	)
	for _, rec := range snapshot {
		if rec.CaptureTimestamp <= threshold {
			continue
		}
		if !found || rec.CaptureTimestamp < first.CaptureTimestamp {
			first, found = rec, true
		}
	}
	if !found {
		e.log.Debug("no segment satisfies delay threshold yet",
			slog.Float64("delay_seconds", spec.DelaySeconds),
			slog.Float64("threshold", threshold))
		return false
	}

	seq := first.Sequence
	spec.FirstSegmentSequence = &seq
	spec.Initialized = true
	e.log.Info("delay spec initialized",
		slog.Float64("delay_seconds", spec.DelaySeconds),
		slog.Int64("first_segment_sequence", seq),
		slog.Float64("anchor_timestamp", first.CaptureTimestamp))
	return true
}

// BuildTimeline places every record from the spec's timeline head onwards on
// a continuous timeline. The head is the checkpoint if one was recorded,
// otherwise the anchor at its real capture time; each later entry starts where
// the previous one ended. It returns nil when the spec is not initialized or
// the head record is no longer in the snapshot.
// snapshot must be sorted by sequence ascending.
func BuildTimeline(spec *DelaySpec, snapshot []SegmentRecord) []TimelineEntry {
	head, ok := spec.timelineHead()
	if !ok {
		return nil
	}

	var timeline []TimelineEntry
	for _, rec := range snapshot {
		if rec.Sequence < head {
			continue
		}
		var start float64
		switch {
		case timeline != nil:
			start = timeline[len(timeline)-1].EndTime
		case rec.Sequence != head:
			return nil
		case spec.Checkpoint != nil:
			start = spec.Checkpoint.StartTime
		default:
			start = rec.CaptureTimestamp
		}
		timeline = append(timeline, TimelineEntry{
			Sequence:  rec.Sequence,
			StartTime: start,
			EndTime:   start + rec.DurationSeconds,
			Filename:  rec.Filename,
			Duration:  rec.DurationSeconds,
		})
	}
	return timeline
}

// Populate returns the entries that should be on air for spec now: those
// overlapping [broadcastTime, broadcastTime+lookahead], cut at the first
// sequence gap. While the timeline since the anchor is shorter than the
// configured minimum, every entry up to the lookahead horizon is returned.
// An empty result means the caller must not publish.
func (e *WindowEngine) Populate(spec *DelaySpec, snapshot []SegmentRecord) []TimelineEntry {
	timeline := BuildTimeline(spec, snapshot)
	if len(timeline) == 0 {
		if spec.Initialized {
			e.log.Warn("timeline head missing from snapshot",
				slog.Float64("delay_seconds", spec.DelaySeconds))
		}
		return nil
	}

	now := clock.EpochSeconds(e.clock.Now())
	broadcast := now - spec.DelaySeconds - spec.BufferSeconds
	horizon := broadcast + e.lookahead

	if len(timeline) < e.minSegments && !spec.advanced() {
		end := 0
		for end < len(timeline) && timeline[end].StartTime <= horizon {
			end++
		}
		return contiguousRun(timeline[:end])
	}

	start := -1
	end := len(timeline)
	for i, entry := range timeline {
		onAir := entry.StartTime <= horizon && entry.EndTime > broadcast
		if onAir && start < 0 {
			start = i
		}
		if !onAir && start >= 0 {
			end = i
			break
		}
	}
	if start < 0 {
		return nil
	}
	return contiguousRun(timeline[start:end])
}

// AdvanceCheckpoint pins spec's timeline at the head of a populated window.
// Entries before the head have left the air for good, so their records are
// no longer needed. The checkpoint only moves forward; the result reports
// whether it moved.
func AdvanceCheckpoint(spec *DelaySpec, window []TimelineEntry) bool {
	if len(window) == 0 {
		return false
	}
	cur, ok := spec.timelineHead()
	if !ok || window[0].Sequence <= cur {
		return false
	}
	spec.Checkpoint = &TimelineCheckpoint{Sequence: window[0].Sequence, StartTime: window[0].StartTime}
	return true
}

// contiguousRun returns the leading run of entries with consecutive sequence
// numbers. A player reading MEDIA-SEQUENCE N assumes the i-th entry is N+i,
// so entries after a gap stay hidden until the window slides past it.
func contiguousRun(entries []TimelineEntry) []TimelineEntry {
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence != entries[i-1].Sequence+1 {
			return entries[:i]
		}
	}
	return entries
}
