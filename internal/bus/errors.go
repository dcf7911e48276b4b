package bus

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDevice = errors.New("device not registered")
	ErrReadTimeout   = errors.New("read timeout")
	ErrCancelled     = errors.New("request cancelled")
	ErrBusClosed     = errors.New("bus closed")
)

// DeviceError ties a failure to the controller and operation it
// happened on.
type DeviceError struct {
	ID  byte
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device 0x%02X %s: %v", e.ID, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
