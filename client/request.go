package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/edgebus/internal/observability"
)

// Request publishes data with a fresh inbox as reply subject and waits for
// the first response. The inbox subscription is removed in every outcome.
func (c *Client) Request(ctx context.Context, subject string, data []byte) (*Msg, error) {
	start := time.Now()
	m, err := c.request(ctx, subject, data)
	observability.RecordRequest(c.conn.Label(), requestOutcome(err), time.Since(start))
	return m, err
}

// RequestTimeout is Request bounded by timeout.
func (c *Client) RequestTimeout(subject string, data []byte, timeout time.Duration) (*Msg, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Request(ctx, subject, data)
}

func (c *Client) request(ctx context.Context, subject string, data []byte) (*Msg, error) {
	inbox := NewInbox()
	sub, err := c.subscribe(inbox, "", WithMaxMessages(1), WithPendingLimit(1))
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := c.PublishContext(ctx, subject, inbox, data); err != nil {
		return nil, err
	}
	select {
	case m, ok := <-sub.C():
		if !ok {
			return nil, ErrConnectionClosed
		}
		return m, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func requestOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
