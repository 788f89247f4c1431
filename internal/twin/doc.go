// Package twin keeps the local registry of device twins.
//
// A twin is created when the allocation webhook assigns a device to a hub
// and is updated by lifecycle events: connection state, the model ID the
// device announces, and tags written by event handlers.
//
// The Registry caches twins in memory over a Repository (SQLite in
// production). Tag updates use optimistic concurrency: the caller passes
// the ETag it read, and the update fails with ErrETagMismatch if another
// writer got there first.
package twin
