package room

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHistoryLimit caps the history when no limit is configured.
const DefaultHistoryLimit = 500

// Publisher receives every committed snapshot. It is called with the room
// lock held and must not block or call back into the room.
type Publisher func(Snapshot)

// Option configures a Room.
type Option func(*Room)

// WithPublisher sets the snapshot publisher.
func WithPublisher(p Publisher) Option {
	return func(r *Room) { r.publish = p }
}

// WithHistoryLimit caps the number of history entries kept. Zero or less
// keeps the default.
func WithHistoryLimit(n int) Option {
	return func(r *Room) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Room) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Room) { r.logger = l }
}

// Room is the single owner of a State.
type Room struct {
	mu           sync.Mutex
	state        State
	historyLimit int
	publish      Publisher
	now          func() time.Time
	logger       zerolog.Logger
}

// New creates an empty room.
func New(opts ...Option) *Room {
	r := &Room{
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.state.LastActivity = r.now()
	return r
}

// Snapshot returns a copy of the current state with its derived fields.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.snapshot()
}

// Mutate applies fn to a copy of the state. If fn returns an error, or the
// result breaks an invariant, nothing is committed and the error is
// returned. Otherwise the copy replaces the state, LastActivity is bumped
// and the snapshot is published.
func (r *Room) Mutate(fn func(*State) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.state.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := next.validate(); err != nil {
		r.logger.Error().Err(err).Msg("rejected room mutation")
		return err
	}
	if over := len(next.History) - r.historyLimit; over > 0 {
		next.History = append([]HistoryEntry(nil), next.History[over:]...)
	}
	next.LastActivity = r.now()
	r.commit(next)
	return nil
}

// Restore replaces the state with a persisted one. Items left downloading
// by a previous process go back to available. Queued items without a source
// url become needs-resolve.
func (r *Room) Restore(s State) error {
	next := s.clone()
	next.CurrentItemName = ""
	now := r.now()
	for i := range next.Items {
		it := &next.Items[i]
		if it.Status == StatusDownloading {
			it.Status = StatusAvailable
			it.UpdatedAt = now
		}
		if it.Status == StatusAvailable && it.SourceURL == "" {
			it.Status = StatusNeedsResolve
			it.Error = "no source url"
			it.UpdatedAt = now
		}
	}
	if err := next.validate(); err != nil {
		return err
	}
	if next.LastActivity.IsZero() {
		next.LastActivity = now
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.commit(next)
	r.logger.Info().Int("items", len(next.Items)).Int("history", len(next.History)).Msg("restored room state")
	return nil
}

// IdleSweep clears the room when nothing is downloading and the last
// mutation is older than threshold. It reports whether the room was cleared.
func (r *Room) IdleSweep(threshold time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status() == RoomDownloading || r.state.CurrentItemName != "" {
		return false
	}
	if len(r.state.Items) == 0 && len(r.state.History) == 0 {
		return false
	}
	now := r.now()
	if now.Sub(r.state.LastActivity) <= threshold {
		return false
	}
	r.logger.Info().
		Int("items", len(r.state.Items)).
		Dur("idle", now.Sub(r.state.LastActivity)).
		Msg("clearing idle room")
	r.commit(State{LastActivity: now})
	return true
}

// RunSweeper calls IdleSweep every interval until ctx is done.
func (r *Room) RunSweeper(ctx context.Context, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.IdleSweep(threshold)
		}
	}
}

func (r *Room) commit(next State) {
	r.state = next
	if r.publish != nil {
		r.publish(r.state.snapshot())
	}
}
