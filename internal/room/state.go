package room

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrInvariant is returned by Mutate when a change would break the room's
// invariants. The change is not committed.
var ErrInvariant = errors.New("room: invariant violated")

// DerivedStatus is the aggregate status of the room.
type DerivedStatus string

const (
	RoomIdle        DerivedStatus = "idle"
	RoomDownloading DerivedStatus = "downloading"
	RoomReady       DerivedStatus = "ready"
	RoomComplete    DerivedStatus = "complete"
)

// State is the mutable record behind a Room.
type State struct {
	Items           []Item         `json:"items"`
	CurrentItemName string         `json:"currentItemName"`
	History         []HistoryEntry `json:"history"`
	LastActivity    time.Time      `json:"lastActivity"`
}

// Stats counts items per status.
type Stats struct {
	Total           int   `json:"total"`
	Available       int   `json:"available"`
	Downloading     int   `json:"downloading"`
	Success         int   `json:"success"`
	Failed          int   `json:"failed"`
	NeedsResolve    int   `json:"needsResolve"`
	Corrupted       int   `json:"corrupted"`
	BytesDownloaded int64 `json:"bytesDownloaded"`
}

// Snapshot is an immutable copy of the state with its derived fields.
type Snapshot struct {
	State
	Status DerivedStatus `json:"status"`
	Stats  Stats         `json:"stats"`
}

// Find returns the index of the item called name, or -1.
func (s *State) Find(name string) int {
	for i := range s.Items {
		if s.Items[i].Name == name {
			return i
		}
	}
	return -1
}

// Item returns a pointer to the item called name, or nil.
func (s *State) Item(name string) *Item {
	if i := s.Find(name); i >= 0 {
		return &s.Items[i]
	}
	return nil
}

// Remove deletes the item at index i, keeping queue order.
func (s *State) Remove(i int) {
	s.Items = append(s.Items[:i], s.Items[i+1:]...)
}

// Record appends a terminal transition to the history.
func (s *State) Record(name string, status Status, errMsg string, at time.Time) {
	s.History = append(s.History, HistoryEntry{
		ID:     ulid.Make().String(),
		Name:   name,
		Status: status,
		Error:  errMsg,
		At:     at,
	})
}

// Status computes the aggregate status from the items.
func (s *State) Status() DerivedStatus {
	if len(s.Items) == 0 {
		return RoomIdle
	}
	ready := false
	for i := range s.Items {
		switch s.Items[i].Status {
		case StatusDownloading:
			return RoomDownloading
		case StatusAvailable:
			ready = true
		}
	}
	if ready {
		return RoomReady
	}
	return RoomComplete
}

// Stats counts the items per status.
func (s *State) Stats() Stats {
	st := Stats{Total: len(s.Items)}
	for i := range s.Items {
		switch s.Items[i].Status {
		case StatusAvailable:
			st.Available++
		case StatusDownloading:
			st.Downloading++
		case StatusSuccess:
			st.Success++
			st.BytesDownloaded += s.Items[i].Bytes
		case StatusFailed:
			st.Failed++
		case StatusNeedsResolve:
			st.NeedsResolve++
		case StatusCorrupted:
			st.Corrupted++
		}
	}
	return st
}

func (s *State) clone() State {
	c := State{
		CurrentItemName: s.CurrentItemName,
		LastActivity:    s.LastActivity,
		Items:           make([]Item, len(s.Items)),
		History:         make([]HistoryEntry, len(s.History)),
	}
	for i := range s.Items {
		c.Items[i] = s.Items[i].clone()
	}
	copy(c.History, s.History)
	return c
}

func (s *State) validate() error {
	seen := make(map[string]struct{}, len(s.Items))
	downloading := ""
	for i := range s.Items {
		it := &s.Items[i]
		if it.Name == "" {
			return fmt.Errorf("%w: item %d has no name", ErrInvariant, i)
		}
		if _, dup := seen[it.Name]; dup {
			return fmt.Errorf("%w: duplicate item %q", ErrInvariant, it.Name)
		}
		seen[it.Name] = struct{}{}

		if _, err := ParseStatus(string(it.Status)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		if it.Status != StatusDownloading {
			continue
		}
		if downloading != "" {
			return fmt.Errorf("%w: %q and %q both downloading", ErrInvariant, downloading, it.Name)
		}
		if it.SourceURL == "" {
			return fmt.Errorf("%w: %q downloading without a source url", ErrInvariant, it.Name)
		}
		downloading = it.Name
	}
	if downloading != s.CurrentItemName {
		return fmt.Errorf("%w: current item %q but %q downloading", ErrInvariant, s.CurrentItemName, downloading)
	}
	return nil
}

func (s *State) snapshot() Snapshot {
	c := s.clone()
	return Snapshot{State: c, Status: c.Status(), Stats: c.Stats()}
}
