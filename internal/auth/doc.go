// Package auth guards the service's HTTP surface.
//
// Two mechanisms are used:
//   - Webhook routes called by the provisioning service and Event Grid carry
//     a shared function key, either in the "code" query parameter or the
//     x-functions-key header.
//   - Admin routes take an HS256 JWT bearer token whose role claim maps to a
//     static permission set (viewer, operator, admin).
//
// Tokens are validated by signature and expiry only; there is no session
// store. Mint tokens for operators with `pnphooks token`.
package auth
