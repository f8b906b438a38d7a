package timeshift

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistence matches every *PersistenceError.
	ErrPersistence = errors.New("persistence failure")

	// ErrEmptyWindow is returned when asked to render or publish a playlist
	// with no segments. Empty playlists are never published.
	ErrEmptyWindow = errors.New("empty playlist window")

	// ErrAlreadyFetched is returned by a fetcher asked to download a URL
	// that is already recorded.
	ErrAlreadyFetched = errors.New("segment already fetched")
)

// PersistenceError reports a failed write or read of a persisted artifact.
// The previously persisted artifact is left intact.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPersistence) match.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
