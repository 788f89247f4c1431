package influxdb

import (
	"errors"
	"fmt"
)

var (
	// ErrDisabled is returned by Connect when metrics are turned off.
	ErrDisabled = errors.New("influxdb: metrics disabled")

	// ErrConnectionFailed wraps the reason the startup ping failed.
	ErrConnectionFailed = errors.New("influxdb: cannot reach server")

	// ErrNotConnected is returned after Close.
	ErrNotConnected = errors.New("influxdb: client closed")

	// ErrUnhealthy means the server answered the ping but reported itself
	// not ready.
	ErrUnhealthy = errors.New("influxdb: server not healthy")
)

// WriteError is passed to the SetOnError callback when a batch of event
// points could not be written.
type WriteError struct {
	Org    string
	Bucket string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("influxdb: writing to %s/%s: %v", e.Org, e.Bucket, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
