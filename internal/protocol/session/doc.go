// Package session owns client session policy shared by the connection state machine.
//
// Ownership boundary:
// - reliability defaults (timeouts, keepalive, reconnect buffer)
// - retry/backoff primitives
// - transport security validation and tls.Config assembly
package session
