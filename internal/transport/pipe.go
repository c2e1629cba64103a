package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
)

var ErrPipeClosed = errors.New("transport: pipe dialer closed")

// PipeDialer connects to an in-process peer over net.Pipe. Each Dial hands
// the far end to Accept.
type PipeDialer struct {
	Accept func(server net.Conn)

	mu     sync.Mutex
	closed bool
	dials  int
}

func NewPipeDialer(accept func(server net.Conn)) *PipeDialer {
	return &PipeDialer{Accept: accept}
}

func (d *PipeDialer) Dial(ctx context.Context, _ Endpoint, _ *tls.Config) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrPipeClosed
	}
	d.dials++
	d.mu.Unlock()

	client, server := net.Pipe()
	go d.Accept(server)
	return client, nil
}

func (d *PipeDialer) Upgrade(context.Context, net.Conn, *tls.Config) (net.Conn, error) {
	return nil, ErrUpgradeUnsupported
}

// Dials reports how many streams were opened.
func (d *PipeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Close makes further dials fail.
func (d *PipeDialer) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}
