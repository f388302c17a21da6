package room

import (
	"fmt"
	"time"
)

// Status is the state of one queued item.
type Status string

const (
	StatusAvailable    Status = "available"
	StatusDownloading  Status = "downloading"
	StatusSuccess      Status = "success"
	StatusFailed       Status = "failed"
	StatusNeedsResolve Status = "needs-resolve"
	StatusCorrupted    Status = "corrupted"
)

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// IsActive reports whether the item is queued or transferring.
func (s Status) IsActive() bool {
	return s == StatusAvailable || s == StatusDownloading
}

// Retryable reports whether a user retry may re-queue the item.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusCorrupted || s == StatusNeedsResolve
}

// ParseStatus validates a persisted status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusAvailable, StatusDownloading, StatusSuccess,
		StatusFailed, StatusNeedsResolve, StatusCorrupted:
		return st, nil
	default:
		return "", fmt.Errorf("room: unknown status %q", s)
	}
}

// Item is one requested file.
type Item struct {
	Name         string `json:"name"`
	SourceURL    string `json:"sourceUrl,omitempty"`
	ParentURL    string `json:"parentUrl,omitempty"`
	DeclaredSize string `json:"declaredSize,omitempty"`

	// SizeBytes is DeclaredSize parsed, or -1. It is advisory.
	SizeBytes int64  `json:"sizeBytes"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`

	// Set after a successful transfer. Path follows the file when the
	// organizer moves it and is cleared when an archive was unpacked into
	// MovedFiles.
	Path          string   `json:"path,omitempty"`
	Bytes         int64    `json:"bytes,omitempty"`
	MovedFiles    []string `json:"movedFiles,omitempty"`
	OrganizeError string   `json:"organizeError,omitempty"`

	AddedAt   time.Time `json:"addedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HistoryEntry records one terminal transition.
type HistoryEntry struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Status Status    `json:"status"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

func (it Item) clone() Item {
	if it.MovedFiles != nil {
		it.MovedFiles = append([]string(nil), it.MovedFiles...)
	}
	return it
}
