// Package transport provides the duplex byte streams a connection runs over.
//
// Ownership boundary:
// - endpoint parsing (scheme, host:port, userinfo)
// - raw dialing (TCP, WebSocket, in-memory pipe)
// - in-place TLS upgrade after the server greeting
//
// Streams are plain net.Conn values; framing lives in internal/protocol.
package transport
