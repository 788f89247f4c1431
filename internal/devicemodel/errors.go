package devicemodel

import (
	"errors"
	"fmt"
)

// Domain-specific errors for model resolution.
var (
	// ErrNoModel is returned when a device announced no model ID.
	ErrNoModel = errors.New("devicemodel: no model id")

	// ErrInvalidModelID is returned for a string that is not a valid DTMI.
	ErrInvalidModelID = errors.New("devicemodel: invalid model id")

	// ErrModelNotFound is returned when no configured source has the model.
	ErrModelNotFound = errors.New("devicemodel: model not found")

	// ErrUnauthorized is returned when a private source rejects the token.
	ErrUnauthorized = errors.New("devicemodel: repository rejected credentials")

	// ErrDependencyDepth is returned when dependencies nest deeper than allowed.
	ErrDependencyDepth = errors.New("devicemodel: dependency depth exceeded")
)

// FetchError reports a failure to retrieve a model document.
type FetchError struct {
	ModelID    string
	Source     string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("devicemodel: fetching %s from %s: status %d: %v", e.ModelID, e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("devicemodel: fetching %s from %s: %v", e.ModelID, e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a model document that is not valid DTDL.
type ParseError struct {
	ModelID string
	// Element is the ID or name of the offending element, if known.
	Element string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Element != "" {
		return fmt.Sprintf("devicemodel: parsing %s at %s: %v", e.ModelID, e.Element, e.Err)
	}
	return fmt.Sprintf("devicemodel: parsing %s: %v", e.ModelID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
