package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownOp          = errors.New("protocol: unknown op")
	ErrMalformed          = errors.New("protocol: malformed frame")
	ErrControlLineTooLong = errors.New("protocol: control line too long")
	ErrPayloadTooLarge    = errors.New("protocol: payload too large")
	ErrInvalidArgument    = errors.New("protocol: invalid argument")
	ErrNilFrame           = errors.New("protocol: nil frame")
)

// ProtocolError reports a frame the decoder could not accept. It is fatal to the
// connection that produced it.
type ProtocolError struct {
	Err  error
	Line string
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %q", e.Err, e.Line)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErr(err error, line []byte) error {
	const maxEcho = 64
	s := string(line)
	if len(s) > maxEcho {
		s = s[:maxEcho] + "..."
	}
	return &ProtocolError{Err: err, Line: s}
}

// ServerError is an -ERR frame surfaced verbatim.
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string {
	return "server: " + e.Reason
}

// Server error reasons the protocol defines as fatal to the connection.
const (
	ReasonAuthorization   = "authorization violation"
	ReasonAuthTimeout     = "authentication timeout"
	ReasonAuthExpired     = "user authentication expired"
	ReasonStaleConnection = "stale connection"
	ReasonSlowConsumer    = "slow consumer"
	ReasonMaxConnections  = "maximum connections exceeded"
	ReasonMaxPayload      = "maximum payload violation"
	ReasonPermissions     = "permissions violation"
)

// IsAuth reports whether the server rejected the credentials.
func (e *ServerError) IsAuth() bool {
	r := e.normalized()
	return strings.HasPrefix(r, ReasonAuthorization) ||
		strings.HasPrefix(r, ReasonAuthTimeout) ||
		strings.HasPrefix(r, ReasonAuthExpired)
}

// IsFatal reports whether the server closes the connection after sending this error.
func (e *ServerError) IsFatal() bool {
	if e.IsAuth() {
		return true
	}
	r := e.normalized()
	switch {
	case strings.HasPrefix(r, ReasonStaleConnection),
		strings.HasPrefix(r, ReasonSlowConsumer),
		strings.HasPrefix(r, ReasonMaxConnections),
		strings.HasPrefix(r, ReasonMaxPayload):
		return true
	}
	return false
}

func (e *ServerError) normalized() string {
	r := strings.TrimSpace(e.Reason)
	r = strings.Trim(r, "'")
	return strings.ToLower(r)
}
