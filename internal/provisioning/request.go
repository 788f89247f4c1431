package provisioning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// AllocationRequest is the body the provisioning service posts to the
// custom allocation webhook. Only the fields the policy reads are typed.
type AllocationRequest struct {
	EnrollmentGroup      *EnrollmentGroup      `json:"enrollmentGroup,omitempty"`
	IndividualEnrollment *IndividualEnrollment `json:"individualEnrollment,omitempty"`
	DeviceRuntimeContext DeviceRuntimeContext  `json:"deviceRuntimeContext"`
	LinkedHubs           []string              `json:"linkedHubs"`
}

// EnrollmentGroup is the group enrollment the device registered under.
type EnrollmentGroup struct {
	EnrollmentGroupID string   `json:"enrollmentGroupId"`
	AllocationPolicy  string   `json:"allocationPolicy,omitempty"`
	IoTHubs           []string `json:"iotHubs,omitempty"`
}

// IndividualEnrollment is the individual enrollment the device registered under.
type IndividualEnrollment struct {
	RegistrationID   string `json:"registrationId"`
	AllocationPolicy string `json:"allocationPolicy,omitempty"`
}

// DeviceRuntimeContext describes the registering device.
type DeviceRuntimeContext struct {
	RegistrationID string          `json:"registrationId"`
	Payload        *RuntimePayload `json:"payload,omitempty"`
}

// RuntimePayload is the custom payload a device sends with its registration.
// Plug and Play devices announce their model ID here.
type RuntimePayload struct {
	ModelID string `json:"modelId,omitempty"`
}

// ParseAllocationRequest decodes and validates a request body.
func ParseAllocationRequest(body []byte) (*AllocationRequest, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrMalformedRequest)
	}
	var req AllocationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks the fields the allocation policy depends on.
func (r *AllocationRequest) Validate() error {
	if r.RegistrationID() == "" {
		return &ValidationError{Field: "deviceRuntimeContext.registrationId", Err: ErrMissingRegistrationID}
	}
	if len(r.hubs()) == 0 {
		return &ValidationError{Field: "linkedHubs", Err: ErrNoLinkedHubs}
	}
	return nil
}

// RegistrationID returns the device's registration ID, taken from the
// first non-empty of:
//
//  1. deviceRuntimeContext.registrationId
//  2. individualEnrollment.registrationId
//  3. enrollmentGroup.enrollmentGroupId
//
// The runtime ID wins even for group enrollments, so each device of a
// group gets its own twin. Callers that key by enrollment must use the
// group ID explicitly.
func (r *AllocationRequest) RegistrationID() string {
	if id := strings.TrimSpace(r.DeviceRuntimeContext.RegistrationID); id != "" {
		return id
	}
	if r.IndividualEnrollment != nil {
		if id := strings.TrimSpace(r.IndividualEnrollment.RegistrationID); id != "" {
			return id
		}
	}
	if r.EnrollmentGroup != nil {
		return strings.TrimSpace(r.EnrollmentGroup.EnrollmentGroupID)
	}
	return ""
}

// IsGroupEnrollment reports whether the device registered through a group.
func (r *AllocationRequest) IsGroupEnrollment() bool {
	return r.EnrollmentGroup != nil
}

// ModelID returns the model ID the device announced, or "".
func (r *AllocationRequest) ModelID() string {
	if r.DeviceRuntimeContext.Payload == nil {
		return ""
	}
	return strings.TrimSpace(r.DeviceRuntimeContext.Payload.ModelID)
}

// hubs returns the linked hubs without blank entries.
func (r *AllocationRequest) hubs() []string {
	out := make([]string, 0, len(r.LinkedHubs))
	for _, h := range r.LinkedHubs {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// AllocationResponse tells the provisioning service where to put the
// device and what its twin starts with.
type AllocationResponse struct {
	IoTHubHostName string       `json:"iotHubHostName"`
	InitialTwin    *InitialTwin `json:"initialTwin,omitempty"`
}

// InitialTwin is the twin state applied when the device is created on the hub.
type InitialTwin struct {
	Tags       map[string]any `json:"tags"`
	Properties TwinProperties `json:"properties"`
}

// TwinProperties holds the desired properties of the initial twin.
type TwinProperties struct {
	Desired map[string]any `json:"desired"`
}
