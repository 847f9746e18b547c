package poller

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid polling config")
	ErrNilCallback   = errors.New("poller callback is nil")
	ErrEmptyDataType = errors.New("data type required")
	ErrClosed        = errors.New("poller registry closed")
)
