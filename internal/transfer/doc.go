// Package transfer streams one remote file to local disk.
//
// A [Transfer] performs a single GET (after an optional best-effort HEAD),
// follows redirects, writes the body to "<dest>.part" in fixed-size reads and
// renames it to dest once the stream is complete. Progress samples are sent on
// a caller-owned channel at a throttled rate, followed by one final sample
// with Done set.
//
// On cancellation, stall, network or disk errors the partial file is removed
// and an [*Error] is returned whose [Kind] tells the caller how to classify
// the failure. A truncated body is never renamed into place.
//
// Cancellation is cooperative: the context is checked between reads, and
// cancelling it also aborts the in-flight request.
package transfer
