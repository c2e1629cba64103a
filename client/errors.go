package client

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgebus/internal/conn"
	"github.com/danmuck/edgebus/internal/protocol"
)

var (
	ErrTimeout         = errors.New("client: timeout")
	ErrBadSubscription = errors.New("client: invalid subscription")
	ErrSlowConsumer    = errors.New("client: slow consumer, messages dropped")
	ErrMsgNoReply      = errors.New("client: message has no reply subject")
	ErrInvalidOption   = errors.New("client: invalid option")

	ErrConnectionClosed        = conn.ErrClosed
	ErrNotConnected            = conn.ErrNotConnected
	ErrReconnectBufferExceeded = conn.ErrReconnectBufferExceeded
	ErrPayloadTooLarge         = protocol.ErrPayloadTooLarge
)

// SlowConsumerError reports that a subscription's pending queue overflowed
// and its oldest messages were discarded.
type SlowConsumerError struct {
	Subject string
	SID     uint64
	Dropped uint64
}

func (e *SlowConsumerError) Error() string {
	return fmt.Sprintf("client: slow consumer on %s sid=%d dropped=%d", e.Subject, e.SID, e.Dropped)
}

func (e *SlowConsumerError) Unwrap() error {
	return ErrSlowConsumer
}
