package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	rhttp "github.com/chrisdmacrae/romulator/internal/http"
	"github.com/chrisdmacrae/romulator/internal/progress"
)

// Partial files are created next to the destination with a random name
// matching PartPattern. No valid item name starts with PartPrefix, so a
// partial never truncates a finished download.
const (
	PartPrefix  = ".romulator-"
	PartPattern = PartPrefix + "*.part"
)

// Options configures a Transfer.
type Options struct {
	// HTTP configures the underlying client.
	HTTP rhttp.Options

	// HeadRequest issues a HEAD before the GET to learn the size early.
	// A failed HEAD is ignored.
	HeadRequest bool

	// ReadSize is the size of each body read.
	// Default: 64KiB
	ReadSize int

	// ProgressInterval is the minimum time between progress samples.
	// Default: 500ms
	ProgressInterval time.Duration

	// StallTimeout aborts a stream that delivers no bytes for this long.
	// Default: 2m
	StallTimeout time.Duration

	// MinFreeSpace is the headroom required on the destination volume on
	// top of the file size. Zero disables the check.
	MinFreeSpace int64
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		HTTP:             rhttp.DefaultOptions(),
		HeadRequest:      true,
		ReadSize:         64 * 1024,
		ProgressInterval: 500 * time.Millisecond,
		StallTimeout:     2 * time.Minute,
	}
}

// Request describes one file to fetch.
type Request struct {
	URL  string
	Dest string

	// SizeHint is an advisory size used for progress only when the server
	// reports none. Zero or progress.Unknown means there is no hint.
	SizeHint int64
}

// Transfer fetches single files over HTTP.
type Transfer struct {
	client *rhttp.Client
	opts   Options
	logger zerolog.Logger

	freeSpace func(ctx context.Context, dir string) (uint64, error)
}

// New creates a Transfer.
func New(opts Options, logger zerolog.Logger) *Transfer {
	defaults := DefaultOptions()
	if opts.ReadSize <= 0 {
		opts.ReadSize = defaults.ReadSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaults.ProgressInterval
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = defaults.StallTimeout
	}

	return &Transfer{
		client:    rhttp.NewClient(opts.HTTP),
		opts:      opts,
		logger:    logger,
		freeSpace: diskFree,
	}
}

// session is the state of one in-flight transfer. It is owned by Run and
// never shared.
type session struct {
	body    io.ReadCloser
	file    *os.File
	part    string
	meter   *progress.Meter
	started time.Time
}

// abort closes everything and removes the partial file.
func (s *session) abort() {
	if s.body != nil {
		s.body.Close()
	}
	if s.file != nil {
		s.file.Close()
		os.Remove(s.part)
	}
}

// Run fetches req.URL into req.Dest and returns the number of bytes
// written. Samples are sent on events if it is non-nil; Run never closes
// events. A final sample with Done set is sent only on success.
func (t *Transfer) Run(ctx context.Context, req Request, events chan<- progress.Sample) (int64, error) {
	if req.URL == "" {
		return 0, &Error{Kind: KindMissingSource, Err: ErrMissingSource}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	logger := t.logger.With().Str("url", req.URL).Str("dest", req.Dest).Logger()

	total := progress.Unknown
	if t.opts.HeadRequest {
		total = t.headSize(ctx, logger, req.URL)
	}

	resp, err := t.client.Open(ctx, req.URL)
	if err != nil {
		return 0, classify(ctx, req.URL, err)
	}
	s := &session{body: resp.Body, started: time.Now()}

	// The GET's Content-Length wins over the HEAD size and the hint. A hint is
	// advisory only and is replaced by the real count on finish.
	hinted := false
	switch {
	case resp.ContentLength >= 0:
		total = resp.ContentLength
	case total < 0 && req.SizeHint > 0:
		total = req.SizeHint
		hinted = true
	}
	s.meter = progress.NewMeter(total, t.opts.ProgressInterval)

	logger.Debug().
		Int64("total", total).
		Int("redirects", resp.Redirects).
		Str("final_url", resp.URL).
		Msg("transfer started")

	if err := t.prepare(ctx, s, req.Dest, total); err != nil {
		s.abort()
		return 0, err
	}

	n, err := t.stream(ctx, cancel, s, events, req.URL)
	if err != nil {
		s.abort()
		return n, err
	}

	if resp.ContentLength >= 0 && n != resp.ContentLength {
		s.abort()
		return n, &Error{
			Kind: KindTruncated,
			URL:  req.URL,
			Err:  fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, n, resp.ContentLength),
		}
	}

	if err := t.finish(s, req.Dest); err != nil {
		s.abort()
		return n, err
	}

	if hinted {
		s.meter.SetTotal(n)
	}
	send(ctx, events, s.meter.Finish())
	logger.Debug().
		Int64("bytes", n).
		Dur("elapsed", time.Since(s.started)).
		Msg("transfer complete")

	return n, nil
}

// headSize returns the size reported by a HEAD request, or Unknown.
func (t *Transfer) headSize(ctx context.Context, logger zerolog.Logger, url string) int64 {
	ctx, cancel := context.WithTimeout(ctx, t.headTimeout())
	defer cancel()

	info, err := t.client.Head(ctx, url)
	if err != nil {
		logger.Debug().Err(err).Msg("HEAD size check failed")
		return progress.Unknown
	}
	if info.Size < 0 {
		return progress.Unknown
	}
	return info.Size
}

func (t *Transfer) headTimeout() time.Duration {
	if t.opts.HTTP.ConnectTimeout > 0 {
		return t.opts.HTTP.ConnectTimeout
	}
	return rhttp.DefaultOptions().ConnectTimeout
}

// prepare checks free space and opens the partial file.
func (t *Transfer) prepare(ctx context.Context, s *session, dest string, total int64) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Kind: KindIO, Err: fmt.Errorf("create directory: %w", err)}
	}

	if t.opts.MinFreeSpace > 0 && total > 0 {
		free, err := t.freeSpace(ctx, dir)
		if err != nil {
			t.logger.Warn().Err(err).Str("dir", dir).Msg("checking free space")
		} else if free < uint64(total+t.opts.MinFreeSpace) {
			return &Error{
				Kind: KindIO,
				Err: fmt.Errorf("%w: need %s, have %s",
					ErrInsufficientSpace,
					progress.FormatBytes(total+t.opts.MinFreeSpace),
					progress.FormatBytes(int64(free)),
				),
			}
		}
	}

	f, err := os.CreateTemp(dir, PartPattern)
	if err != nil {
		return &Error{Kind: KindIO, Err: fmt.Errorf("create file: %w", err)}
	}
	s.file = f
	s.part = f.Name()
	return nil
}

// RemovePartials deletes partial files left in dir by an interrupted
// process and returns how many were removed.
func RemovePartials(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, PartPattern))
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// stream copies the body to the partial file in ReadSize reads.
func (t *Transfer) stream(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	s *session,
	events chan<- progress.Sample,
	url string,
) (int64, error) {
	stall := time.AfterFunc(t.opts.StallTimeout, func() { cancel(ErrStalled) })
	defer stall.Stop()

	buf := make([]byte, t.opts.ReadSize)
	var written int64
	for {
		if ctx.Err() != nil {
			return written, classify(ctx, url, ctx.Err())
		}

		n, readErr := s.body.Read(buf)
		if n > 0 {
			stall.Reset(t.opts.StallTimeout)
			if _, err := s.file.Write(buf[:n]); err != nil {
				return written, &Error{Kind: KindIO, URL: url, Err: fmt.Errorf("write: %w", err)}
			}
			written += int64(n)
			if sample, ok := s.meter.Add(int64(n)); ok {
				send(ctx, events, sample)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, classify(ctx, url, readErr)
		}
	}
}

// finish flushes the partial file and moves it into place.
func (t *Transfer) finish(s *session, dest string) error {
	s.body.Close()
	if err := s.file.Sync(); err != nil {
		return &Error{Kind: KindIO, Err: fmt.Errorf("sync: %w", err)}
	}
	if err := s.file.Close(); err != nil {
		return &Error{Kind: KindIO, Err: fmt.Errorf("close: %w", err)}
	}
	s.file = nil
	if err := os.Rename(s.part, dest); err != nil {
		os.Remove(s.part)
		return &Error{Kind: KindIO, Err: fmt.Errorf("rename: %w", err)}
	}
	return nil
}

// send delivers a sample unless the transfer is being torn down.
func send(ctx context.Context, events chan<- progress.Sample, s progress.Sample) {
	if events == nil {
		return
	}
	select {
	case events <- s:
	case <-ctx.Done():
	}
}

func diskFree(ctx context.Context, dir string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// IsCancelled reports whether err is a cancellation or stall.
func IsCancelled(err error) bool {
	if kind, ok := KindOf(err); ok {
		return kind == KindCancelled
	}
	return errors.Is(err, ErrCancelled)
}
