package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Probe finds the newest artifact a worker produced.
type Probe struct {
	Dir string
	// Match selects the files that count as output; nil matches every file.
	Match func(name string) bool
}

// Newest returns the latest modification time among matching regular files
// in Dir. ok is false when there are none or Dir cannot be read.
func (p Probe) Newest() (newest time.Time, ok bool) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return time.Time{}, false
	}
	for _, e := range entries {
		if e.IsDir() || (p.Match != nil && !p.Match(e.Name())) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mt := info.ModTime(); !ok || mt.After(newest) {
			newest, ok = mt, true
		}
	}
	return newest, ok
}

// SuffixMatch matches names ending in suffix, ignoring hidden temp files.
func SuffixMatch(suffix string) func(string) bool {
	return func(name string) bool {
		return !strings.HasPrefix(name, ".") && strings.HasSuffix(name, suffix)
	}
}

// VisibleFiles matches every name that is not a hidden temp file.
func VisibleFiles(name string) bool {
	return !strings.HasPrefix(name, ".")
}

// ProbeFor returns a probe over dir joined with sub.
func ProbeFor(dir, sub string, match func(string) bool) Probe {
	return Probe{Dir: filepath.Join(dir, sub), Match: match}
}
