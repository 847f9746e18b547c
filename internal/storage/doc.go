// Package storage keeps an optional journal of dispatched batches so the
// status endpoint can show recent traffic across restarts.
//
// Backends:
//   - file: JSON Lines, compacted to the retained tail
//   - sqlite: modernc.org/sqlite (pure Go, no cgo)
package storage
