// Package lifecycle handles IoT hub device lifecycle events.
//
// Events arrive in the Event Grid schema, either from the Event Grid webhook
// or on the MQTT topic pnphooks/event/{type}. Four event types are acted on:
//
//	DeviceConnected     record the connection, then invoke the command the
//	                    device's model calls for (see CommandRule)
//	DeviceDisconnected  record the disconnection
//	DeviceCreated       tag the twin, using its ETag
//	DeviceDeleted       remove the twin
//
// Anything else is ignored. Handling one event never fails the batch: each
// event yields an Outcome, and the webhook still answers 200.
package lifecycle
