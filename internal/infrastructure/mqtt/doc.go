// Package mqtt provides the MQTT client used by pnp-hooks.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing direct method requests to device gateways
//   - Subscriptions for method responses and lifecycle events
//   - Last Will and Testament on pnphooks/system/status
//
// # Topics
//
// Direct method topics follow the IoT Hub device convention, prefixed by
// the device ID so one broker can serve many gateways:
//
//	pnphooks/devices/{id}/methods/POST/{method}/?$rid={rid}
//	pnphooks/devices/{id}/methods/res/{status}/?$rid={rid}
//
// Lifecycle events that arrive over MQTT use pnphooks/event/{type}.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllMethodResponses(), 1,
//	    func(topic string, payload []byte) error {
//	        deviceID, status, rid, ok := mqtt.Topics{}.ParseMethodResponse(topic)
//	        ...
//	    })
package mqtt
