// Package notify fans room snapshots and transfer progress out to
// observers.
//
// A [Hub] keeps one bounded channel per subscriber. Publishing never
// blocks: when a subscriber falls behind, its oldest pending event is
// dropped. [Handler] serves the hub over a websocket and sends a full room
// snapshot as the first frame. [View] applies the stream the way an
// observer should.
package notify
