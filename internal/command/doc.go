// Package command invokes direct methods on devices over MQTT.
//
// A request is published on the device's method topic with a fresh request
// ID and the invoker waits for the matching response:
//
//	pnphooks/devices/{id}/methods/POST/{method}/?$rid={rid}   request
//	pnphooks/devices/{id}/methods/res/{status}/?$rid={rid}    response
//
// Responses are correlated by request ID only, so one subscription to
// pnphooks/devices/+/methods/res/# serves every in-flight invocation.
// A response that arrives after its caller gave up is dropped.
//
// Usage:
//
//	inv, err := command.NewInvoker(command.Options{MQTTClient: mqttClient})
//	if err := inv.Start(); err != nil { ... }
//	defer inv.Stop()
//
//	res, err := inv.Invoke(ctx, command.Request{
//	    DeviceID: "reader-01",
//	    Method:   "R700*Presets",
//	})
package command
