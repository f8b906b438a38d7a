// Package fetch acquires the source stream: it loads the live manifest and
// downloads segment bytes into the output directory, retrying transient
// failures with bounded exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/cenkalti/backoff/v4"

	"hls-timeshift/internal/platform/clock"
	"hls-timeshift/internal/platform/fsutil"
	"hls-timeshift/internal/timeshift"
)

// Default configuration values.
const (
	DefaultAttempts  = 5
	DefaultBaseDelay = time.Second
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "hls-timeshift/1.0"

	maxManifestBytes = 4 << 20
)

var (
	// ErrTransientFetch matches every *TransientFetchError.
	ErrTransientFetch = errors.New("transient fetch failure")

	// ErrCorruptManifest is returned when the manifest cannot be parsed.
	// It is not retried within a cycle.
	ErrCorruptManifest = errors.New("corrupt manifest")
)

// TransientFetchError reports a fetch that failed on every attempt.
type TransientFetchError struct {
	Op       string
	URL      string
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransientFetch) match.
func (e *TransientFetchError) Is(target error) bool { return target == ErrTransientFetch }

// statusError is a non-2xx HTTP response.
type statusError struct {
	Code int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.Code) }

// URLIndex reports whether a segment URL has already been captured.
type URLIndex interface {
	HasURL(url string) bool
}

// Config holds the retry and transport settings of a RetryingFetcher.
type Config struct {
	// Attempts is the total number of tries per request, including the first.
	Attempts int
	// BaseDelay is the wait before the second attempt; it doubles each retry.
	BaseDelay time.Duration
	// Timeout bounds each individual HTTP request.
	Timeout   time.Duration
	UserAgent string
	// BaseClient overrides the underlying http.Client (tests).
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Attempts:  DefaultAttempts,
		BaseDelay: DefaultBaseDelay,
		Timeout:   DefaultTimeout,
		UserAgent: DefaultUserAgent,
	}
}

// RetryingFetcher implements timeshift.Fetcher over HTTP.
type RetryingFetcher struct {
	cfg         Config
	client      *http.Client
	segmentsDir string
	index       URLIndex
	clock       clock.Clock
	log         *slog.Logger
}

// New returns a fetcher that stores segments in segmentsDir and skips URLs
// already present in index (which may be nil).
func New(cfg Config, segmentsDir string, index URLIndex, clk clock.Clock, log *slog.Logger) *RetryingFetcher {
	def := DefaultConfig()
	if cfg.Attempts < 1 {
		cfg.Attempts = def.Attempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	client := cfg.BaseClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &RetryingFetcher{
		cfg:         cfg,
		client:      client,
		segmentsDir: segmentsDir,
		index:       index,
		clock:       clk,
		log:         log.With(slog.String("component", "fetch")),
	}
}

// FetchManifest loads the manifest at manifestURL and lists its segments with
// absolute URIs. A multivariant manifest is followed to its highest-bandwidth
// variant.
func (f *RetryingFetcher) FetchManifest(ctx context.Context, manifestURL string) ([]timeshift.SegmentDescriptor, error) {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("parse manifest url: %w", err)
	}

	pl, err := f.loadPlaylist(ctx, base)
	if err != nil {
		return nil, err
	}
	if mv, ok := pl.(*playlist.Multivariant); ok {
		variant, err := bestVariant(mv, base)
		if err != nil {
			return nil, err
		}
		f.log.Debug("following variant playlist", slog.String("url", variant.String()))
		base = variant
		if pl, err = f.loadPlaylist(ctx, base); err != nil {
			return nil, err
		}
	}

	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("%w: nested multivariant playlist at %s", ErrCorruptManifest, base)
	}
	return descriptors(media, base)
}

// DownloadSegment stores the bytes of d as filename in the segments
// directory and returns its record. A URL already in the index yields
// timeshift.ErrAlreadyFetched without any network access; a file already on
// disk under filename is reused and never overwritten.
func (f *RetryingFetcher) DownloadSegment(ctx context.Context, d timeshift.SegmentDescriptor, filename string) (timeshift.SegmentRecord, error) {
	if f.index != nil && f.index.HasURL(d.URI) {
		return timeshift.SegmentRecord{}, timeshift.ErrAlreadyFetched
	}

	target := filepath.Join(f.segmentsDir, filename)
	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		f.log.Debug("segment file already present, reusing",
			slog.Int64("sequence", d.Sequence),
			slog.String("filename", filename))
	} else {
		err := f.retry(ctx, "download segment", d.URI, func() error {
			resp, err := f.get(ctx, d.URI)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return fsutil.AtomicWriteFunc(target, 0o644, func(w io.Writer) error {
				_, err := io.Copy(w, resp.Body)
				return err
			})
		})
		if err != nil {
			return timeshift.SegmentRecord{}, err
		}
	}

	captured := f.clock.Now()
	if d.ProgramDateTime != nil {
		captured = *d.ProgramDateTime
	}
	return timeshift.SegmentRecord{
		Sequence:         d.Sequence,
		Filename:         filename,
		DurationSeconds:  d.DurationSeconds,
		CaptureTimestamp: clock.EpochSeconds(captured),
		SourceURL:        d.URI,
	}, nil
}

func (f *RetryingFetcher) loadPlaylist(ctx context.Context, u *url.URL) (playlist.Playlist, error) {
	var body []byte
	err := f.retry(ctx, "fetch manifest", u.String(), func() error {
		resp, err := f.get(ctx, u.String())
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
		return err
	})
	if err != nil {
		return nil, err
	}

	pl, err := playlist.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptManifest, u, err)
	}
	return pl, nil
}

// get issues a GET and returns the response only for 2xx statuses. Client
// errors other than 408 and 429 are permanent and end the retry loop.
func (f *RetryingFetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	serr := &statusError{Code: resp.StatusCode}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return nil, backoff.Permanent(serr)
	}
	return nil, serr
}

// retry runs fn up to cfg.Attempts times, waiting BaseDelay, 2*BaseDelay, ...
// between attempts.
func (f *RetryingFetcher) retry(ctx context.Context, op, target string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.cfg.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = f.cfg.BaseDelay << uint(f.cfg.Attempts)
	eb.MaxElapsedTime = 0
	eb.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(f.cfg.Attempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return fn()
	}, policy, func(err error, wait time.Duration) {
		f.log.Warn("attempt failed, retrying",
			slog.String("op", op),
			slog.String("url", target),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()))
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s %s: %w", op, target, ctx.Err())
	}
	return &TransientFetchError{Op: op, URL: target, Attempts: attempts, Err: err}
}

// bestVariant resolves the URI of the highest-bandwidth variant.
func bestVariant(mv *playlist.Multivariant, base *url.URL) (*url.URL, error) {
	var best *playlist.MultivariantVariant
	for _, v := range mv.Variants {
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: multivariant playlist without variants", ErrCorruptManifest)
	}
	ref, err := url.Parse(best.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: variant uri %q: %v", ErrCorruptManifest, best.URI, err)
	}
	return base.ResolveReference(ref), nil
}

// descriptors lists the segments of a media playlist. Sequence numbers follow
// EXT-X-MEDIA-SEQUENCE; a program date time carries forward to later
// segments by accumulated duration.
func descriptors(media *playlist.Media, base *url.URL) ([]timeshift.SegmentDescriptor, error) {
	out := make([]timeshift.SegmentDescriptor, 0, len(media.Segments))
	var clockRef *time.Time
	for i, seg := range media.Segments {
		ref, err := url.Parse(seg.URI)
		if err != nil {
			return nil, fmt.Errorf("%w: segment uri %q: %v", ErrCorruptManifest, seg.URI, err)
		}
		dur := seg.Duration.Seconds()
		if dur <= 0 {
			dur = float64(media.TargetDuration)
		}

		if seg.DateTime != nil {
			t := *seg.DateTime
			clockRef = &t
		}
		var pdt *time.Time
		if clockRef != nil {
			t := *clockRef
			pdt = &t
			next := clockRef.Add(time.Duration(dur * float64(time.Second)))
			clockRef = &next
		}

		out = append(out, timeshift.SegmentDescriptor{
			Sequence:        int64(media.MediaSequence + i),
			DurationSeconds: dur,
			URI:             base.ResolveReference(ref).String(),
			ProgramDateTime: pdt,
		})
	}
	return out, nil
}
