package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chrisdmacrae/romulator/internal/organizer"
	"github.com/chrisdmacrae/romulator/internal/progress"
	"github.com/chrisdmacrae/romulator/internal/room"
	"github.com/chrisdmacrae/romulator/internal/transfer"
	"github.com/rs/zerolog"
)

// Transferer downloads one file.
type Transferer interface {
	Run(ctx context.Context, req transfer.Request, events chan<- progress.Sample) (int64, error)
}

// Resolver finds the download url of a named entry in a listing.
type Resolver interface {
	Resolve(ctx context.Context, parentURL, name string) (string, error)
}

// Organizer files a completed download.
type Organizer interface {
	Apply(ctx context.Context, ruleset, path string) (organizer.Result, error)
}

// ProgressPublisher receives every progress sample of the active transfer.
type ProgressPublisher interface {
	PublishProgress(name string, s progress.Sample)
}

// Config wires a Processor. Room and Transfer are required.
type Config struct {
	Room      *room.Room
	Transfer  Transferer
	Resolver  Resolver
	Organizer Organizer
	Progress  ProgressPublisher

	// DownloadDir receives the files, named after their items.
	DownloadDir string
	// Ruleset is passed to the Organizer after each success. Empty skips
	// organizing.
	Ruleset string
	// DefaultParentURL is used for items enqueued without a listing url.
	DefaultParentURL string

	Logger zerolog.Logger
}

// NewItem is one entry of an enqueue request.
type NewItem struct {
	Name        string `json:"name"`
	Size        string `json:"size,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	ParentURL   string `json:"parentUrl,omitempty"`
}

// EnqueueResult counts what Enqueue did.
type EnqueueResult struct {
	Added         int `json:"added"`
	AlreadyQueued int `json:"alreadyQueued"`
}

// Processor is the download queue worker.
type Processor struct {
	cfg    Config
	room   *room.Room
	logger zerolog.Logger

	base     context.Context
	shutdown context.CancelCauseFunc

	mu      sync.Mutex
	running bool
	idle    chan struct{}
	current string
	cancel  context.CancelCauseFunc
}

// New creates a processor. The worker starts on the first StartProcessing.
func New(cfg Config) *Processor {
	base, shutdown := context.WithCancelCause(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Processor{
		cfg:      cfg,
		room:     cfg.Room,
		logger:   cfg.Logger,
		base:     base,
		shutdown: shutdown,
		idle:     idle,
	}
}

// Snapshot returns the room snapshot.
func (p *Processor) Snapshot() room.Snapshot {
	return p.room.Snapshot()
}

// Enqueue adds items to the back of the queue. Names already available or
// downloading are counted as already queued. A name matching a finished
// item replaces it with a fresh entry at the back. Nothing is added if any
// item is invalid.
func (p *Processor) Enqueue(items []NewItem) (EnqueueResult, error) {
	var res EnqueueResult
	for _, it := range items {
		if err := validateName(it.Name); err != nil {
			return res, err
		}
	}

	err := p.room.Mutate(func(s *room.State) error {
		now := time.Now()
		for _, in := range items {
			if i := s.Find(in.Name); i >= 0 {
				if s.Items[i].Status.IsActive() {
					res.AlreadyQueued++
					continue
				}
				s.Remove(i)
			}
			parent := in.ParentURL
			if parent == "" {
				parent = p.cfg.DefaultParentURL
			}
			s.Items = append(s.Items, room.Item{
				Name:         in.Name,
				SourceURL:    strings.TrimSpace(in.DownloadURL),
				ParentURL:    parent,
				DeclaredSize: in.Size,
				SizeBytes:    progress.ParseSize(in.Size),
				Status:       room.StatusAvailable,
				AddedAt:      now,
				UpdatedAt:    now,
			})
			res.Added++
		}
		return nil
	})
	if err != nil {
		return EnqueueResult{}, err
	}

	p.logger.Info().Int("added", res.Added).Int("already_queued", res.AlreadyQueued).Msg("enqueued items")
	if res.Added > 0 {
		p.StartProcessing()
	}
	return res, nil
}

// StartProcessing starts the worker unless it is already running or the
// processor is closed.
func (p *Processor) StartProcessing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.base.Err() != nil {
		return
	}
	p.running = true
	p.idle = make(chan struct{})
	go p.loop()
}

// Cancel stops the named item. A downloading item is aborted and marked
// failed by the worker; an available item is marked failed directly.
// Cancelling a finished item does nothing.
func (p *Processor) Cancel(name string) error {
	p.mu.Lock()
	if p.current == name && p.cancel != nil {
		p.cancel(transfer.ErrCancelled)
		p.mu.Unlock()
		p.logger.Info().Str("item", name).Msg("cancelling active transfer")
		return nil
	}
	p.mu.Unlock()

	return p.room.Mutate(func(s *room.State) error {
		it := s.Item(name)
		if it == nil {
			return ErrNotFound
		}
		if it.Status != room.StatusAvailable {
			return nil
		}
		now := time.Now()
		it.Status = room.StatusFailed
		it.Error = transfer.ErrCancelled.Error()
		it.UpdatedAt = now
		s.Record(name, it.Status, it.Error, now)
		return nil
	})
}

// Retry puts a failed, corrupted or needs-resolve item back at the end of
// the queue. A needs-resolve item is only re-queued once its source url
// resolves.
func (p *Processor) Retry(ctx context.Context, name string) error {
	snap := p.room.Snapshot()
	i := snap.Find(name)
	if i < 0 {
		return ErrNotFound
	}
	it := snap.Items[i]
	if !it.Status.Retryable() {
		return fmt.Errorf("%w: cannot retry %q while %s", ErrInvalidState, name, it.Status)
	}

	url := it.SourceURL
	if it.Status == room.StatusNeedsResolve || url == "" {
		resolved, err := p.resolve(ctx, it)
		if err != nil {
			return err
		}
		url = resolved
	}

	err := p.room.Mutate(func(s *room.State) error {
		if !requeue(s, name, it.Status, url, time.Now()) {
			return fmt.Errorf("%w: %q changed while retrying", ErrInvalidState, name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.Info().Str("item", name).Msg("retrying item")
	p.StartProcessing()
	return nil
}

// RetryAllFailed re-queues every failed and corrupted item, and every
// needs-resolve item whose source url resolves, keeping their queue order.
func (p *Processor) RetryAllFailed(ctx context.Context) (int, error) {
	type retry struct {
		name   string
		status room.Status
		url    string
	}
	var batch []retry
	for _, it := range p.room.Snapshot().Items {
		if !it.Status.Retryable() {
			continue
		}
		url := it.SourceURL
		if it.Status == room.StatusNeedsResolve || url == "" {
			resolved, err := p.resolve(ctx, it)
			if err != nil {
				p.logger.Debug().Str("item", it.Name).Err(err).Msg("skipping unresolved item")
				continue
			}
			url = resolved
		}
		batch = append(batch, retry{name: it.Name, status: it.Status, url: url})
	}
	if len(batch) == 0 {
		return 0, nil
	}

	retried := 0
	err := p.room.Mutate(func(s *room.State) error {
		now := time.Now()
		for _, r := range batch {
			if requeue(s, r.name, r.status, r.url, now) {
				retried++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	p.logger.Info().Int("retried", retried).Msg("retrying failed items")
	if retried > 0 {
		p.StartProcessing()
	}
	return retried, nil
}

// Remove deletes an item that is not downloading.
func (p *Processor) Remove(name string) error {
	p.mu.Lock()
	active := p.current == name
	p.mu.Unlock()

	return p.room.Mutate(func(s *room.State) error {
		i := s.Find(name)
		if i < 0 {
			return ErrNotFound
		}
		st := s.Items[i].Status
		if st == room.StatusDownloading || (active && st == room.StatusAvailable) {
			return fmt.Errorf("%w: cancel %q before removing it", ErrInvalidState, name)
		}
		s.Remove(i)
		return nil
	})
}

// Wait blocks until the worker is idle or ctx is done.
func (p *Processor) Wait(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker. An interrupted transfer puts its item back to
// available so it is picked up again after a restart.
func (p *Processor) Close(ctx context.Context) error {
	p.shutdown(ErrClosed)
	return p.Wait(ctx)
}

func validateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty name", ErrInvalidItem)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidItem, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidItem, name)
	case strings.HasPrefix(name, transfer.PartPrefix) || strings.HasPrefix(name, organizer.StagingPrefix):
		return fmt.Errorf("%w: %q uses a reserved prefix", ErrInvalidItem, name)
	}
	return nil
}

// requeue moves a retryable item to the back as available. It reports false
// if the item is gone or its status moved on.
func requeue(s *room.State, name string, from room.Status, url string, now time.Time) bool {
	i := s.Find(name)
	if i < 0 || s.Items[i].Status != from {
		return false
	}
	it := s.Items[i]
	s.Remove(i)
	it.Status = room.StatusAvailable
	it.SourceURL = url
	it.Error = ""
	it.OrganizeError = ""
	it.MovedFiles = nil
	it.UpdatedAt = now
	s.Items = append(s.Items, it)
	return true
}

func (p *Processor) resolve(ctx context.Context, it room.Item) (string, error) {
	if p.cfg.Resolver == nil {
		return "", fmt.Errorf("%w: no catalog configured", ErrUnresolved)
	}
	url, err := p.cfg.Resolver.Resolve(ctx, it.ParentURL, it.Name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnresolved, err)
	}
	return url, nil
}

func destPath(dir, name string) string {
	return filepath.Join(dir, name)
}

var errNoWork = errors.New("no available items")
