// Package progress carries run progress events from workers to pluggable
// sinks. Emit never blocks; a background goroutine batches events and hands
// each batch to every sink.
package progress
