package queue

import (
	"errors"

	"github.com/chrisdmacrae/romulator/internal/room"
	"github.com/chrisdmacrae/romulator/internal/transfer"
)

var (
	// ErrNotFound means no item has the given name.
	ErrNotFound = errors.New("queue: item not found")
	// ErrInvalidState means the operation is not allowed in the item's
	// current status.
	ErrInvalidState = errors.New("queue: invalid item state")
	// ErrInvalidItem means an enqueued item cannot be stored.
	ErrInvalidItem = errors.New("queue: invalid item")
	// ErrUnresolved means the source url of an item could not be found.
	ErrUnresolved = errors.New("queue: source url could not be resolved")
	// ErrClosed is the cause attached to transfers interrupted by Close.
	ErrClosed = errors.New("queue: processor closed")
)

// Classify maps the outcome of one attempt to the item's next status.
func Classify(err error) room.Status {
	if err == nil {
		return room.StatusSuccess
	}
	if errors.Is(err, ErrUnresolved) || errors.Is(err, transfer.ErrMissingSource) {
		return room.StatusNeedsResolve
	}
	if kind, ok := transfer.KindOf(err); ok {
		switch kind {
		case transfer.KindMissingSource:
			return room.StatusNeedsResolve
		case transfer.KindTruncated:
			return room.StatusCorrupted
		}
	}
	return room.StatusFailed
}
