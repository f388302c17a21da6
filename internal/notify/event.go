package notify

import (
	"github.com/chrisdmacrae/romulator/internal/progress"
	"github.com/chrisdmacrae/romulator/internal/room"
)

// EventType names the kind of Event.
type EventType string

const (
	EventRoomUpdate   EventType = "roomUpdate"
	EventFileProgress EventType = "fileProgress"
)

// FileProgress is one transfer progress sample for a named item.
type FileProgress struct {
	Name string `json:"name"`
	progress.Sample
}

// Event is the frame sent to observers. Exactly one of Room and Progress is
// set, matching Type.
type Event struct {
	Type     EventType      `json:"type"`
	Room     *room.Snapshot `json:"room,omitempty"`
	Progress *FileProgress  `json:"progress,omitempty"`
}

// RoomUpdate wraps a snapshot.
func RoomUpdate(s room.Snapshot) Event {
	return Event{Type: EventRoomUpdate, Room: &s}
}

// Progress wraps a progress sample for item name.
func Progress(name string, s progress.Sample) Event {
	return Event{Type: EventFileProgress, Progress: &FileProgress{Name: name, Sample: s}}
}
