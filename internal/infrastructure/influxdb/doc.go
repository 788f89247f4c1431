// Package influxdb records webhook activity as InfluxDB time series.
//
// It wraps influxdb-client-go v2 with connection management, health checks
// and typed write helpers for the three things worth graphing:
//   - provisioning_allocations: which hub devices land on, and whether
//     their model resolved
//   - lifecycle_events: connect, disconnect, create and delete handling
//   - direct_methods: command status and latency
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteAllocation("hub-a.azure-devices.net", "dtmi:impinj:R700;1", true, 1)
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking; batch
// failures are delivered to the SetOnError callback. Writes on a nil or
// closed Client are dropped.
package influxdb
