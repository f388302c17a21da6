// Package queue runs the download queue.
//
// A [Processor] owns a single worker goroutine that takes the earliest
// available item from the room, resolves its source url if needed, runs one
// transfer at a time and files the result. The worker stops when nothing is
// left to do and is restarted by [Processor.StartProcessing], which every
// enqueue and retry calls.
//
// Raw errors are mapped to item statuses by [Classify] alone.
package queue
