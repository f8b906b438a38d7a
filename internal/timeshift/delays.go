package timeshift

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"hls-timeshift/internal/platform/fsutil"
)

type delayStateFile struct {
	Specs       []DelaySpec `json:"specs"`
	LastUpdated time.Time   `json:"last_updated"`
}

// LoadDelayStates reads the DelaySpecs persisted by the publication worker.
// A missing file yields an error matching fs.ErrNotExist.
func LoadDelayStates(path string) ([]DelaySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "read", Path: path, Err: err}
	}
	var f delayStateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &PersistenceError{Op: "decode", Path: path, Err: err}
	}
	return f.Specs, nil
}

// SaveDelayStates atomically writes specs so a restarted publication worker
// resumes with the same anchors.
func SaveDelayStates(path string, specs []*DelaySpec, now time.Time) error {
	f := delayStateFile{Specs: make([]DelaySpec, 0, len(specs)), LastUpdated: now.UTC()}
	for _, s := range specs {
		f.Specs = append(f.Specs, *s)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "encode", Path: path, Err: err}
	}
	if err := fsutil.AtomicWrite(path, data, 0o644); err != nil {
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// ReconcileDelaySpecs returns one spec per configured delay. A persisted spec
// with the same delay and buffer is reused as-is, so its initialization
// survives restarts; other delays get a fresh uninitialized spec created at
// startTime. Persisted specs for delays no longer configured are dropped.
func ReconcileDelaySpecs(persisted []DelaySpec, delays []int, bufferSeconds, startTime float64) []*DelaySpec {
	out := make([]*DelaySpec, 0, len(delays))
	for _, d := range delays {
		delay := float64(d)
		var spec *DelaySpec
		for i := range persisted {
			p := persisted[i]
			if p.DelaySeconds == delay && p.BufferSeconds == bufferSeconds {
				spec = &p
				break
			}
		}
		if spec == nil {
			spec = NewDelaySpec(delay, bufferSeconds, startTime)
		}
		out = append(out, spec)
	}
	return out
}

// RetentionGuard returns a Prune predicate protecting every record a spec
// may still need: for an uninitialized spec, everything it may anchor on; for
// an initialized one, everything from its timeline head onwards.
func RetentionGuard(specs []DelaySpec) func(SegmentRecord) bool {
	var (
		floor    float64
		pending  bool
		keepFrom int64
		anchored bool
	)
	for i := range specs {
		if !specs[i].Initialized {
			t := specs[i].threshold()
			if !pending || t < floor {
				floor, pending = t, true
			}
			continue
		}
		if head, ok := specs[i].timelineHead(); ok && (!anchored || head < keepFrom) {
			keepFrom, anchored = head, true
		}
	}
	if !pending && !anchored {
		return nil
	}
	return func(rec SegmentRecord) bool {
		return (pending && rec.CaptureTimestamp > floor) || (anchored && rec.Sequence >= keepFrom)
	}
}
