// Package transport provides the byte streams the bus runs over: a
// hardware serial port and an in-memory mock for tests.
package transport

import (
	"io"
	"time"
)

// Transport is a half-duplex byte stream shared by every controller on
// the link. Read may return (0, nil) when the read timeout expires.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout sets how long Read blocks before returning (0, nil).
	// Zero blocks until data arrives or the stream closes.
	SetReadTimeout(timeout time.Duration) error

	// Flush discards any buffered input.
	Flush() error
}
