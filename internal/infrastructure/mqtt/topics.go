package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// TopicPrefix is the root of every topic the service publishes or consumes.
//
// Device-facing topics mirror the IoT Hub direct method convention so a
// device gateway can bridge them one to one:
//
//	pnphooks/devices/{id}/methods/POST/{method}/?$rid={rid}   request
//	pnphooks/devices/{id}/methods/res/{status}/?$rid={rid}    response
const TopicPrefix = "pnphooks"

// ridMarker separates the request ID from the rest of a method topic.
const ridMarker = "?$rid="

// Topics provides builders for the service's MQTT topics.
//
//	topics := mqtt.Topics{}
//	req := topics.MethodRequest("reader-01", "R700*Presets", rid)
type Topics struct{}

// SystemStatus returns the retained online/offline status topic.
//
// Example: pnphooks/system/status
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// DeviceEvent returns the topic on which a lifecycle event of the given
// type is ingested. Event types are sent in their short form.
//
// Example: pnphooks/event/DeviceConnected
func (Topics) DeviceEvent(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, eventType)
}

// AllDeviceEvents matches every lifecycle event topic.
//
// Pattern: pnphooks/event/+
func (Topics) AllDeviceEvents() string {
	return TopicPrefix + "/event/+"
}

// MethodRequest returns the topic a direct method invocation is published on.
//
// Example: pnphooks/devices/reader-01/methods/POST/R700*Presets/?$rid=42
func (Topics) MethodRequest(deviceID, method, rid string) string {
	return fmt.Sprintf("%s/devices/%s/methods/POST/%s/%s%s", TopicPrefix, deviceID, method, ridMarker, rid)
}

// MethodResponse returns the topic a device answers a direct method on.
//
// Example: pnphooks/devices/reader-01/methods/res/200/?$rid=42
func (Topics) MethodResponse(deviceID string, status int, rid string) string {
	return fmt.Sprintf("%s/devices/%s/methods/res/%d/%s%s", TopicPrefix, deviceID, status, ridMarker, rid)
}

// AllMethodResponses matches every direct method response.
//
// Pattern: pnphooks/devices/+/methods/res/#
func (Topics) AllMethodResponses() string {
	return TopicPrefix + "/devices/+/methods/res/#"
}

// ParseMethodResponse extracts the device ID, status and request ID from
// a method response topic. ok is false for any other topic.
func (Topics) ParseMethodResponse(topic string) (deviceID string, status int, rid string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefix+"/devices/")
	if !found {
		return "", 0, "", false
	}
	// {id}/methods/res/{status}/?$rid={rid}
	parts := strings.SplitN(rest, "/", 5)
	if len(parts) != 5 || parts[1] != "methods" || parts[2] != "res" {
		return "", 0, "", false
	}
	status, err := strconv.Atoi(parts[3])
	if err != nil {
		return "", 0, "", false
	}
	rid, found = strings.CutPrefix(parts[4], ridMarker)
	if !found || rid == "" || parts[0] == "" {
		return "", 0, "", false
	}
	return parts[0], status, rid, true
}

// ParseDeviceEvent returns the event type of a lifecycle event topic.
func (Topics) ParseDeviceEvent(topic string) (eventType string, ok bool) {
	eventType, found := strings.CutPrefix(topic, TopicPrefix+"/event/")
	if !found || eventType == "" || strings.Contains(eventType, "/") {
		return "", false
	}
	return eventType, true
}
