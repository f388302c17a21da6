package notify

import (
	"github.com/chrisdmacrae/romulator/internal/room"
)

// View is an observer's picture of the room built from an event stream.
// A roomUpdate replaces everything. Progress is kept only for the current
// item; late samples for other items and samples older than the last one
// seen are discarded.
type View struct {
	Room     room.Snapshot
	Progress *FileProgress
}

// Apply folds e into the view and reports whether anything changed.
func (v *View) Apply(e Event) bool {
	switch e.Type {
	case EventRoomUpdate:
		if e.Room == nil {
			return false
		}
		v.Room = *e.Room
		if v.Progress != nil && v.Progress.Name != v.Room.CurrentItemName {
			v.Progress = nil
		}
		return true
	case EventFileProgress:
		p := e.Progress
		if p == nil || p.Name == "" || p.Name != v.Room.CurrentItemName {
			return false
		}
		if v.Progress != nil && v.Progress.Name == p.Name && !p.Done && p.Downloaded < v.Progress.Downloaded {
			return false
		}
		cp := *p
		v.Progress = &cp
		return true
	default:
		return false
	}
}
