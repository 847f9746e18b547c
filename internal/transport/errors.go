package transport

import (
	"errors"
	"fmt"
)

var (
	ErrCircuitOpen = errors.New("endpoint circuit open")
	ErrNoBaseURL   = errors.New("transport base_url required")
)

// StatusError is a non-2xx batch response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// HTTPStatus lets the batcher report the status code on its DispatchError.
func (e *StatusError) HTTPStatus() int { return e.Code }

// countsAsFailure reports whether a response should move the endpoint's
// circuit toward open. Client errors other than 429 are the caller's fault.
func (e *StatusError) countsAsFailure() bool {
	return e.Code >= 500 || e.Code == 429
}
