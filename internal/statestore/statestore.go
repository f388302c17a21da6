// Package statestore persists room state to blob storage.
//
// The state is stored as one JSON object. Any gocloud bucket URL works
// (file://, mem://, s3://, gs://); a bare path is opened as a local
// directory.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chrisdmacrae/romulator/internal/room"
	"github.com/rs/zerolog"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// DefaultKey is the object name used when none is configured.
const DefaultKey = "romulator/state.json"

const formatVersion = 1

// document is the stored envelope.
type document struct {
	Version int        `json:"version"`
	SavedAt time.Time  `json:"savedAt"`
	State   room.State `json:"state"`
}

// Store reads and writes one state object.
type Store struct {
	bucket *blob.Bucket
	key    string
	logger zerolog.Logger
	owned  bool
}

// Open opens the bucket at bucketURL. The store owns the bucket and closes
// it on Close.
func Open(ctx context.Context, bucketURL, key string, logger zerolog.Logger) (*Store, error) {
	var (
		bkt *blob.Bucket
		err error
	)
	if strings.Contains(bucketURL, "://") {
		bkt, err = blob.OpenBucket(ctx, bucketURL)
	} else {
		bkt, err = fileblob.OpenBucket(bucketURL, &fileblob.Options{CreateDir: true})
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: open bucket: %w", err)
	}
	s := New(bkt, key, logger)
	s.owned = true
	return s, nil
}

// New wraps an open bucket. The caller keeps ownership of it.
func New(bucket *blob.Bucket, key string, logger zerolog.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{bucket: bucket, key: key, logger: logger}
}

// Load reads the stored state. A missing object is not an error: it
// returns false.
func (s *Store) Load(ctx context.Context) (room.State, bool, error) {
	data, err := s.bucket.ReadAll(ctx, s.key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return room.State{}, false, nil
		}
		return room.State{}, false, fmt.Errorf("statestore: read %s: %w", s.key, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return room.State{}, false, fmt.Errorf("statestore: unmarshal %s: %w", s.key, err)
	}
	if doc.Version != formatVersion {
		return room.State{}, false, fmt.Errorf("statestore: unsupported version %d in %s", doc.Version, s.key)
	}
	return doc.State, true, nil
}

// Save writes the state.
func (s *Store) Save(ctx context.Context, state room.State) error {
	data, err := json.MarshalIndent(document{
		Version: formatVersion,
		SavedAt: time.Now().UTC(),
		State:   state,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, s.key, data, opts); err != nil {
		return fmt.Errorf("statestore: write %s: %w", s.key, err)
	}
	return nil
}

// Restore loads the stored state into r. It reports whether anything was
// found.
func (s *Store) Restore(ctx context.Context, r *room.Room) (bool, error) {
	state, ok, err := s.Load(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := r.Restore(state); err != nil {
		return false, fmt.Errorf("statestore: restore: %w", err)
	}
	return true, nil
}

// Run saves r every interval while it changes, and once more when ctx is
// done.
func (s *Store) Run(ctx context.Context, r *room.Room, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var saved time.Time
	save := func(ctx context.Context) {
		snap := r.Snapshot()
		if snap.LastActivity.Equal(saved) {
			return
		}
		if err := s.Save(ctx, snap.State); err != nil {
			s.logger.Error().Err(err).Msg("failed to save state")
			return
		}
		saved = snap.LastActivity
		s.logger.Debug().Int("items", len(snap.Items)).Msg("saved state")
	}

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			save(final)
			cancel()
			return
		case <-ticker.C:
			save(ctx)
		}
	}
}

// Close closes the bucket if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.bucket.Close()
}
