// Error kinds shared across the ingest pipeline

package main

import (
	"errors"
	"fmt"
	"io"
)

// Terminal error kinds. A session that hits one of these is closed and its
// stream entry is removed from the registry before the error is logged.
var (
	ErrProtocolViolation = errors.New("rtmp protocol violation")
	ErrFlvParse          = errors.New("malformed flv tag")
	ErrUnsupportedCodec  = errors.New("unsupported codec")
)

// ErrNeedMoreData is internal to the parameter-set extractor: SPS/PPS have
// not been seen yet. The current payload is dropped and ingest continues.
var ErrNeedMoreData = errors.New("need more data")

// ErrEndOfStream is raised on queue consumers once the producer has closed
// and the consumer backlog is drained.
var ErrEndOfStream = io.EOF

// LaggedError is delivered to a single slow consumer whose backlog bound
// forced the queue to evict frames. The consumer may keep reading after it.
type LaggedError struct {
	Count uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("lagged by %d frames", e.Count)
}
