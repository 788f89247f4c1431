package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementAllocation = "provisioning_allocations"
	MeasurementLifecycle  = "lifecycle_events"
	MeasurementCommand    = "direct_methods"
)

// WriteAllocation records one custom allocation decision.
//
// Parameters:
//   - hub: The IoT hub host name the device was assigned to
//   - modelID: The DTMI the device announced, empty if none
//   - modelResolved: Whether the model could be resolved
//   - presets: Number of model-driven desired properties applied
func (c *Client) WriteAllocation(hub, modelID string, modelResolved bool, presets int) {
	c.WritePoint(MeasurementAllocation,
		map[string]string{
			"hub":      hub,
			"model_id": modelTag(modelID),
		},
		map[string]any{
			"count":          1,
			"model_resolved": modelResolved,
			"presets":        presets,
		})
}

// WriteLifecycleEvent records the handling of one device lifecycle event.
func (c *Client) WriteLifecycleEvent(eventType, hub string, handled bool) {
	c.WritePoint(MeasurementLifecycle,
		map[string]string{
			"event_type": eventType,
			"hub":        hub,
		},
		map[string]any{
			"count":   1,
			"handled": handled,
		})
}

// WriteCommandResult records a direct method invocation.
// status is the device's response status, or 0 when no response arrived.
func (c *Client) WriteCommandResult(method string, status int, latency time.Duration) {
	c.WritePoint(MeasurementCommand,
		map[string]string{
			"method": method,
		},
		map[string]any{
			"status":     status,
			"latency_ms": latency.Milliseconds(),
			"timed_out":  status == 0,
		})
}

// WritePoint writes a point stamped with the current time.
// Device IDs belong in fields, not tags, to keep series cardinality low.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

// modelTag keeps the tag present for devices without a model.
func modelTag(modelID string) string {
	if modelID == "" {
		return "none"
	}
	return modelID
}
