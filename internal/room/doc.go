// Package room holds the shared download queue state.
//
// A [Room] owns one [State]: the ordered items, the name of the item being
// transferred, an append-only history of terminal transitions and the time
// of the last mutation. All writes go through [Room.Mutate], which applies
// the change to a copy, checks the invariants, commits, bumps LastActivity
// and publishes the new [Snapshot], all under one lock. Subscribers therefore
// see mutations in the order they were committed.
//
// The aggregate status of the room is computed from the items on every read
// and is never stored.
package room
