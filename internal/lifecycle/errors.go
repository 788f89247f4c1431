package lifecycle

import "errors"

var (
	// ErrMalformedEvent is returned when a body is not an event or an array of events.
	ErrMalformedEvent = errors.New("malformed lifecycle event")

	// ErrMissingDeviceID is reported for device events without a device ID.
	ErrMissingDeviceID = errors.New("event data has no deviceId")
)
