// Package conn owns one logical connection to a message server.
//
// A single owner goroutine holds the transport: it performs the handshake,
// is the only writer, answers keepalive, and runs the reconnect loop. A
// reader goroutine decodes inbound bytes and hands deliveries to the
// Handler. Callers talk to the owner through a bounded command queue, so
// every public method is safe for concurrent use.
//
// After every successful handshake the Handler's Resubscribe frames are
// written before the reader starts, so no delivery can race a replayed
// subscription. Publishes issued while reconnecting are buffered up to
// ReconnectBufSize bytes and flushed right after the replay.
package conn
