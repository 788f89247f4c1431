package provisioning

import (
	"errors"
	"fmt"
)

// Sentinel errors for allocation requests. All of them are caller errors.
var (
	// ErrMalformedRequest is returned when the body is not a JSON object.
	ErrMalformedRequest = errors.New("malformed allocation request")

	// ErrMissingRegistrationID is returned when neither the device runtime
	// context nor the enrollment group carries a registration ID.
	ErrMissingRegistrationID = errors.New("Missing Registration ID") //nolint:revive,staticcheck // message is returned to the provisioning service verbatim

	// ErrNoLinkedHubs is returned when the enrollment has no linked hubs.
	ErrNoLinkedHubs = errors.New("No linked hubs for this enrollment.") //nolint:revive,staticcheck // message is returned to the provisioning service verbatim
)

// ValidationError reports which request field failed validation.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
