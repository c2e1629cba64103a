package conn

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgebus/internal/protocol"
)

var (
	ErrClosed                  = errors.New("conn: connection closed")
	ErrNotConnected            = errors.New("conn: not connected")
	ErrAlreadyConnected        = errors.New("conn: connect already called")
	ErrNoServers               = errors.New("conn: no servers available")
	ErrReconnectBufferExceeded = errors.New("conn: reconnect buffer exceeded")
	ErrStaleConnection         = errors.New("conn: stale connection")
	ErrConnectionLost          = errors.New("conn: connection lost")
	ErrSecureConnRequired      = errors.New("conn: secure connection required")
	ErrUnexpectedFrame         = errors.New("conn: unexpected frame during handshake")
)

// TransportError wraps an I/O failure on the underlying stream.
type TransportError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("conn: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandshakeError reports a rejected or malformed handshake.
type HandshakeError struct {
	Endpoint string
	Err      error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("conn: handshake %s: %v", e.Endpoint, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Retryable is false for authorization rejections and TLS policy mismatches,
// which another attempt against the same endpoint cannot fix.
func (e *HandshakeError) Retryable() bool {
	var se *protocol.ServerError
	if errors.As(e.Err, &se) && se.IsAuth() {
		return false
	}
	return !errors.Is(e.Err, ErrSecureConnRequired)
}

func isRetryable(err error) bool {
	var he *HandshakeError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	return true
}
