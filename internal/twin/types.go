package twin

import "time"

// Status is the provisioning status of a twin.
type Status string

const (
	// StatusAssigned means the allocation webhook chose a hub for the device.
	StatusAssigned Status = "assigned"

	// StatusCreated means the hub reported the device identity as created.
	StatusCreated Status = "created"
)

// ConnectionState mirrors the hub's view of the device connection.
type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

// ConnectionEvent is one observed connect or disconnect.
type ConnectionEvent struct {
	State ConnectionState
	At    time.Time

	// Sequence is the hub's per-device ordering key, when the event
	// carried one. Sequences order events that share a timestamp.
	Sequence string
}

// After reports whether e happened after a previously recorded event
// with the given sequence and time. Sequences are compared when both
// sides have one; otherwise the timestamps are.
func (e ConnectionEvent) After(sequence string, at *time.Time) bool {
	if e.Sequence != "" && sequence != "" {
		return sequenceLess(sequence, e.Sequence)
	}
	return at == nil || !e.At.Before(*at)
}

// sequenceLess orders numeric strings of any width, shorter first.
func sequenceLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// Twin is the local record of a device twin: where the device was
// provisioned, the model it announced, and the tags and desired
// properties this service set for it.
type Twin struct {
	DeviceID        string          `json:"device_id"`
	RegistrationID  string          `json:"registration_id"`
	HubName         string          `json:"hub_name"`
	ModelID         string          `json:"model_id,omitempty"`
	Status          Status          `json:"status"`
	ConnectionState ConnectionState `json:"connection_state"`
	Tags            map[string]any  `json:"tags"`
	Desired         map[string]any  `json:"desired"`

	// ETag changes whenever tags, desired properties or the model ID
	// change. Tag updates must present the current value (or "*").
	ETag string `json:"etag"`

	LastActivityAt     *time.Time `json:"last_activity_at,omitempty"`
	ConnectionSequence string     `json:"connection_sequence,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// AnyETag matches any current ETag.
const AnyETag = "*"

// DeepCopy returns an independent copy of the twin.
func (t *Twin) DeepCopy() *Twin {
	if t == nil {
		return nil
	}
	cpy := *t
	cpy.Tags = deepCopyMap(t.Tags)
	cpy.Desired = deepCopyMap(t.Desired)
	if t.LastActivityAt != nil {
		at := *t.LastActivityAt
		cpy.LastActivityAt = &at
	}
	return &cpy
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}
