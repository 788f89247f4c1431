// Package audit records what the service decided and why.
//
// Every allocation decision and every handled lifecycle event leaves one
// Entry in the audit_logs table. Entries are append-only; the admin API
// lists them newest first.
//
// Handlers write through a Trail, which never fails the caller: a storage
// error is logged and the webhook response is unaffected.
package audit
