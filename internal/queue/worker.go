package queue

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/chrisdmacrae/romulator/internal/progress"
	"github.com/chrisdmacrae/romulator/internal/room"
	"github.com/chrisdmacrae/romulator/internal/transfer"
)

// progressBuffer decouples the transfer from slow progress subscribers.
const progressBuffer = 16

func (p *Processor) loop() {
	p.logger.Debug().Msg("queue worker started")
	for {
		it, ctx, err := p.next()
		if err != nil {
			p.logger.Debug().Err(err).Msg("queue worker stopped")
			return
		}
		p.process(ctx, it)
		p.clearCurrent()
	}
}

// next picks the earliest available item and arms its cancel func. When
// nothing is left it marks the worker stopped under the same lock that
// StartProcessing takes, so a concurrent enqueue always restarts it.
func (p *Processor) next() (room.Item, context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stop := func(err error) (room.Item, context.Context, error) {
		p.running = false
		close(p.idle)
		return room.Item{}, nil, err
	}
	if err := p.base.Err(); err != nil {
		return stop(context.Cause(p.base))
	}
	snap := p.room.Snapshot()
	for _, it := range snap.Items {
		if it.Status != room.StatusAvailable {
			continue
		}
		ctx, cancel := context.WithCancelCause(p.base)
		p.current = it.Name
		p.cancel = cancel
		return it, ctx, nil
	}
	return stop(errNoWork)
}

func (p *Processor) clearCurrent() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel(nil)
	}
	p.current = ""
	p.cancel = nil
	p.mu.Unlock()
}

func (p *Processor) process(ctx context.Context, it room.Item) {
	log := p.logger.With().Str("item", it.Name).Logger()

	if it.SourceURL == "" {
		url, err := p.resolve(ctx, it)
		if err != nil {
			p.finishFailed(ctx, it.Name, err)
			return
		}
		it.SourceURL = url
		log.Info().Str("url", url).Msg("resolved source url")
	}

	err := p.room.Mutate(func(s *room.State) error {
		cur := s.Item(it.Name)
		if cur == nil || cur.Status != room.StatusAvailable {
			return ErrInvalidState
		}
		cur.SourceURL = it.SourceURL
		cur.Status = room.StatusDownloading
		cur.Error = ""
		cur.UpdatedAt = time.Now()
		s.CurrentItemName = it.Name
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Msg("item changed before start, skipping")
		return
	}

	log.Info().Str("url", it.SourceURL).Msg("starting transfer")
	dest := destPath(p.cfg.DownloadDir, it.Name)
	n, err := p.run(ctx, transfer.Request{URL: it.SourceURL, Dest: dest, SizeHint: it.SizeBytes}, it.Name)
	if err != nil {
		p.finishFailed(ctx, it.Name, err)
		return
	}

	p.finishSuccess(it.Name, dest, n)
	p.organize(it.Name, dest)
}

// run forwards every sample to the progress publisher and returns once the
// last one was delivered.
func (p *Processor) run(ctx context.Context, req transfer.Request, name string) (int64, error) {
	events := make(chan progress.Sample, progressBuffer)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for s := range events {
			if p.cfg.Progress != nil {
				p.cfg.Progress.PublishProgress(name, s)
			}
		}
	}()

	n, err := p.cfg.Transfer.Run(ctx, req, events)
	close(events)
	<-forwarded
	return n, err
}

func (p *Processor) finishSuccess(name, dest string, n int64) {
	err := p.room.Mutate(func(s *room.State) error {
		now := time.Now()
		if it := s.Item(name); it != nil {
			it.Status = room.StatusSuccess
			it.Path = dest
			it.Bytes = n
			it.Error = ""
			it.UpdatedAt = now
		}
		s.CurrentItemName = ""
		s.Record(name, room.StatusSuccess, "", now)
		return nil
	})
	if err != nil {
		p.logger.Error().Err(err).Str("item", name).Msg("failed to record success")
		return
	}
	p.logger.Info().Str("item", name).Int64("bytes", n).Str("path", dest).Msg("transfer complete")
}

func (p *Processor) finishFailed(ctx context.Context, name string, cause error) {
	// Shutdown is not a failure: the item runs again after a restart.
	if errors.Is(context.Cause(ctx), ErrClosed) {
		err := p.room.Mutate(func(s *room.State) error {
			if it := s.Item(name); it != nil && it.Status == room.StatusDownloading {
				it.Status = room.StatusAvailable
				it.UpdatedAt = time.Now()
			}
			s.CurrentItemName = ""
			return nil
		})
		if err != nil {
			p.logger.Error().Err(err).Str("item", name).Msg("failed to requeue interrupted item")
		}
		p.logger.Info().Str("item", name).Msg("transfer interrupted by shutdown")
		return
	}

	status := Classify(cause)
	if errors.Is(context.Cause(ctx), transfer.ErrCancelled) {
		status = room.StatusFailed
		if !transfer.IsCancelled(cause) {
			cause = transfer.ErrCancelled
		}
	}

	err := p.room.Mutate(func(s *room.State) error {
		now := time.Now()
		if it := s.Item(name); it != nil {
			it.Status = status
			it.Error = cause.Error()
			it.UpdatedAt = now
		}
		s.CurrentItemName = ""
		s.Record(name, status, cause.Error(), now)
		return nil
	})
	if err != nil {
		p.logger.Error().Err(err).Str("item", name).Msg("failed to record failure")
		return
	}

	ev := p.logger.Warn()
	if transfer.IsCancelled(cause) {
		ev = p.logger.Info()
	}
	ev.Str("item", name).Str("status", status.String()).Err(cause).Msg("transfer did not complete")
}

// organize runs the configured ruleset. Its outcome is attached to the item
// but never changes the item's status.
func (p *Processor) organize(name, path string) {
	if p.cfg.Organizer == nil || p.cfg.Ruleset == "" {
		return
	}
	res, err := p.cfg.Organizer.Apply(p.base, p.cfg.Ruleset, path)
	if err != nil {
		p.logger.Warn().Str("item", name).Err(err).Msg("organizer reported errors")
	}
	newPath := organizedPath(path, res.MovedFiles)
	merr := p.room.Mutate(func(s *room.State) error {
		it := s.Item(name)
		if it == nil {
			return nil
		}
		it.Path = newPath
		it.MovedFiles = res.MovedFiles
		if err != nil {
			it.OrganizeError = err.Error()
		}
		return nil
	})
	if merr != nil {
		p.logger.Error().Err(merr).Str("item", name).Msg("failed to record organizer result")
	}
}

// organizedPath is where the download lives after organizing: unchanged if
// the file is still in place, the single moved file, or empty when an
// archive was unpacked into several files listed in MovedFiles.
func organizedPath(path string, moved []string) string {
	if _, err := os.Stat(path); err == nil {
		return path
	}
	if len(moved) == 1 {
		return moved[0]
	}
	return ""
}
