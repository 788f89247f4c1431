package twin

import "errors"

// Domain errors for the twin package.
var (
	// ErrTwinNotFound is returned when a device ID has no twin.
	ErrTwinNotFound = errors.New("twin: not found")

	// ErrETagMismatch is returned when an update presents a stale ETag.
	ErrETagMismatch = errors.New("twin: etag mismatch")

	// ErrInvalidTwin is returned when a twin is missing required fields.
	ErrInvalidTwin = errors.New("twin: invalid")
)
