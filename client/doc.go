// Package client is the public pub/sub API: subscriptions routed by sid,
// per-subscription backpressure, request/reply over unique inboxes, and
// publishing with optional server acknowledgement. Connection management,
// keepalive and reconnects are handled by internal/conn underneath.
package client
