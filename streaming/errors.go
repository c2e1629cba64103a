package streaming

import (
	"errors"
	"fmt"
)

var (
	ErrAckTimeout         = errors.New("streaming: timed out waiting for publish ack")
	ErrConnectReqTimeout  = errors.New("streaming: connect request timeout")
	ErrCloseReqTimeout    = errors.New("streaming: close request timeout")
	ErrSubReqTimeout      = errors.New("streaming: subscribe request timeout")
	ErrConnectionClosed   = errors.New("streaming: connection closed")
	ErrBadSubscription    = errors.New("streaming: invalid subscription")
	ErrMissingClusterID   = errors.New("streaming: cluster id required")
	ErrInvalidClientID    = errors.New("streaming: client id must be a single subject token")
	ErrNoServerSupport    = errors.New("streaming: operation not supported by server")
	ErrManualAckRequired  = errors.New("streaming: message ack is automatic for this subscription")
	ErrInvalidOption      = errors.New("streaming: invalid option")
	ErrNilConnection      = errors.New("streaming: nil client connection")
	ErrPublishAckDeclined = errors.New("streaming: server rejected publish")
)

// ServerError carries an error string returned inside a response envelope.
type ServerError struct {
	Op     string
	Reason string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("streaming: %s: %s", e.Op, e.Reason)
}
