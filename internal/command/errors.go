package command

import "errors"

// Sentinel errors for direct method invocation.
var (
	// ErrInvalidRequest is returned for a request without device or method,
	// or with a payload that is not valid JSON.
	ErrInvalidRequest = errors.New("command: invalid request")

	// ErrTimeout is returned when the device does not answer in time.
	ErrTimeout = errors.New("command: response timeout")

	// ErrNotStarted is returned by Invoke before Start has subscribed to responses.
	ErrNotStarted = errors.New("command: invoker not started")

	// ErrStopped is returned to callers still waiting when the invoker stops.
	ErrStopped = errors.New("command: invoker stopped")
)
