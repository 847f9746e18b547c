package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

const defaultRetain = 1000

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain bounds how many dispatches are kept; 0 means 1000.
	Retain int
}

func (c Config) retain() int {
	if c.Retain <= 0 {
		return defaultRetain
	}
	return c.Retain
}

// DispatchEntry records one dispatched batch. Keep it compact and
// schema-stable: the file backend persists these tags.
type DispatchEntry struct {
	At         time.Time `json:"at"`
	BatchID    string    `json:"batch_id"`
	Namespace  string    `json:"namespace"`
	Endpoint   string    `json:"endpoint"`
	Items      int       `json:"items"`
	Failed     int       `json:"failed"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}
