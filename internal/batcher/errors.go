package batcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSuperseded: a newer request with the same fingerprint replaced this
	// one before dispatch. A normal coalescing outcome.
	ErrSuperseded    = errors.New("request superseded")
	ErrTimeout       = errors.New("request timed out")
	ErrClosed        = errors.New("batcher closed")
	ErrQueueCleared  = errors.New("queue cleared")
	ErrInvalidParams = errors.New("invalid request params")
)

// ClearedError is returned to every pending request on Clear.
type ClearedError struct{ Reason string }

func (e *ClearedError) Error() string { return "queue cleared: " + e.Reason }
func (e *ClearedError) Unwrap() error { return ErrQueueCleared }

// DispatchError is a transport failure of a whole batch.
type DispatchError struct {
	Endpoint   string
	BatchID    string
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "batch %s to %s failed", e.BatchID, e.Endpoint)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DispatchError) Unwrap() error { return e.Err }

// ItemError is a per-item failure inside a successful batch response.
type ItemError struct {
	ID      string
	Message string
	Raw     json.RawMessage
}

func (e *ItemError) Error() string {
	if e.Message == "" {
		return "item " + e.ID + " failed"
	}
	return "item " + e.ID + " failed: " + e.Message
}

// statusCoder is implemented by transport errors that carry an HTTP status.
type statusCoder interface{ HTTPStatus() int }

func statusOf(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}
