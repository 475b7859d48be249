package stream

import "errors"

// ErrClosed is returned when a stream completes before the awaited value.
var ErrClosed = errors.New("stream closed")
