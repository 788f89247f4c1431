package lifecycle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types.
const (
	EventDeviceConnected        = "Microsoft.Devices.DeviceConnected"
	EventDeviceDisconnected     = "Microsoft.Devices.DeviceDisconnected"
	EventDeviceCreated          = "Microsoft.Devices.DeviceCreated"
	EventDeviceDeleted          = "Microsoft.Devices.DeviceDeleted"
	EventSubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"

	devicesPrefix = "Microsoft.Devices."
)

// Event is one event in the Event Grid schema.
type Event struct {
	ID              string          `json:"id"`
	Topic           string          `json:"topic,omitempty"`
	Subject         string          `json:"subject,omitempty"`
	EventType       string          `json:"eventType"`
	EventTime       time.Time       `json:"eventTime"`
	Data            json.RawMessage `json:"data"`
	DataVersion     string          `json:"dataVersion,omitempty"`
	MetadataVersion string          `json:"metadataVersion,omitempty"`
}

// ShortType returns the event type without the Microsoft.Devices. prefix.
func (e Event) ShortType() string {
	return shortType(e.EventType)
}

// DeviceData is the data of an IoT hub device event.
type DeviceData struct {
	DeviceID string `json:"deviceId"`
	ModuleID string `json:"moduleId,omitempty"`
	HubName  string `json:"hubName"`

	// ModelID is set by gateways that forward events over MQTT.
	ModelID string `json:"modelId,omitempty"`

	ConnectionState *ConnectionStateInfo `json:"deviceConnectionStateEventInfo,omitempty"`

	// Twin is present on DeviceCreated and DeviceDeleted.
	Twin *TwinData `json:"twin,omitempty"`
}

// ConnectionStateInfo orders connection events for one device.
type ConnectionStateInfo struct {
	SequenceNumber string `json:"sequenceNumber"`
}

// TwinData is the part of the hub twin carried by DeviceCreated.
type TwinData struct {
	ETag    string `json:"etag"`
	ModelID string `json:"modelId,omitempty"`
}

// Model returns the model ID carried by the event, if any.
func (d *DeviceData) Model() string {
	if d.ModelID != "" {
		return d.ModelID
	}
	if d.Twin != nil {
		return d.Twin.ModelID
	}
	return ""
}

// ValidationData is the data of a subscription validation event.
type ValidationData struct {
	ValidationCode string `json:"validationCode"`
	ValidationURL  string `json:"validationUrl,omitempty"`
}

// ValidationResponse answers a subscription validation event.
type ValidationResponse struct {
	ValidationResponse string `json:"validationResponse"`
}

// ParseEvents decodes a single event or an array of events.
func ParseEvents(body []byte) ([]Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedEvent)
	}

	var events []Event
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
	case '{':
		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		events = []Event{ev}
	default:
		return nil, fmt.Errorf("%w: body must be a JSON object or array", ErrMalformedEvent)
	}
	return events, nil
}

// deviceData decodes e.Data as device event data.
func (e Event) deviceData() (*DeviceData, error) {
	var d DeviceData
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil, fmt.Errorf("%w: event data is empty", ErrMalformedEvent)
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	d.DeviceID = strings.TrimSpace(d.DeviceID)
	if d.DeviceID == "" {
		return nil, ErrMissingDeviceID
	}
	return &d, nil
}
