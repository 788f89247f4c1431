// Package provisioning implements the custom allocation policy called by the
// device provisioning service when a device registers.
//
// For each request the Allocator:
//
//  1. validates the request (registration ID and linked hubs are required)
//  2. picks the IoT hub the device is assigned to
//  3. builds the initial twin from configured tags and desired properties
//  4. resolves the device model, when the device announced one, and adds
//     desired values for configured writable properties the model declares
//
// Model resolution never fails a request. A device whose model cannot be
// fetched or parsed is allocated with the static twin only.
package provisioning
