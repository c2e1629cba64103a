package conn

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgebus/internal/auth"
	logs "github.com/danmuck/edgebus/internal/logging"
	"github.com/danmuck/edgebus/internal/protocol"
	"github.com/danmuck/edgebus/internal/protocol/session"
	"github.com/danmuck/edgebus/internal/transport"
)

// Handler receives everything the connection does not resolve itself.
// Deliver runs on the reader goroutine and must not block. The remaining
// callbacks run on the owner goroutine and must not call back into Conn
// synchronously.
type Handler interface {
	Deliver(m *protocol.Msg)
	// Resubscribe returns the frames that restore server-side interest
	// after a (re)connect.
	Resubscribe() []protocol.Frame
	ServerError(err error)
	StateChanged(old, new State)
	Discovered(urls []string)
}

type Stats struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

type cmdKind uint8

const (
	cmdWrite cmdKind = iota
	cmdFlush
)

type command struct {
	kind     cmdKind
	op       protocol.Op
	data     []byte
	size     int
	reserved int
	done     chan error
}

type Conn struct {
	cfg    session.Config
	dialer transport.Dialer
	h      Handler
	label  string
	creds  auth.Credentials
	rng    *rand.Rand

	state atomic.Int32
	info  atomic.Pointer[protocol.ServerInfo]

	poolMu sync.Mutex
	pool   *pool

	cmds     chan command
	reserved atomic.Int64

	// owner-only
	pending []command

	lifeMu    sync.Mutex
	started   bool
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	inMsgs, outMsgs, inBytes, outBytes, reconnects atomic.Uint64
}

// New validates cfg and prepares an unconnected Conn. A nil dialer selects
// the default scheme-routing dialer.
func New(cfg session.Config, dialer transport.Dialer, h Handler) (*Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	p, err := newPool(cfg.Servers, !cfg.NoRandomize, rng)
	if err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = transport.NewDialer(cfg.ConnectTimeout)
	}
	if h == nil {
		h = nopHandler{}
	}
	label := cfg.Name
	if label == "" {
		label = "default"
	}
	return &Conn{
		cfg:     cfg,
		dialer:  dialer,
		h:       h,
		label:   label,
		creds:   auth.Credentials{Token: cfg.Token, User: cfg.User, Password: cfg.Password},
		rng:     rng,
		pool:    p,
		cmds:    make(chan command, cfg.WriteQueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Connect tries every endpoint once. On success the owner goroutine takes
// over and later faults are handled by reconnecting.
func (c *Conn) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return ErrAlreadyConnected
	}
	c.h.StateChanged(Disconnected, Connecting)

	var lastErr error
	for _, ep := range c.endpoints() {
		s, err := c.handshake(ctx, ep)
		if err == nil {
			err = c.establish(s)
			if err == nil {
				return c.start(s)
			}
			_ = s.conn.Close()
		}
		if c.isClosing() {
			return ErrClosed
		}
		lastErr = err
		logs.Warnf("conn.Connect attempt endpoint=%s err=%v", ep, err)
		c.setState(Connecting)
		if !isRetryable(err) {
			c.setState(Disconnected)
			return err
		}
		if ctx.Err() != nil {
			break
		}
	}
	c.setState(Disconnected)
	if lastErr == nil {
		return ErrNoServers
	}
	return fmt.Errorf("%w: %w", ErrNoServers, lastErr)
}

func (c *Conn) start(s *link) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	select {
	case <-c.closing:
		_ = s.conn.Close()
		return ErrClosed
	default:
	}
	c.started = true
	go c.run(s)
	return nil
}

// Close flushes queued frames, closes the transport and moves to Closed.
// It is idempotent and waits for the owner goroutine to exit.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.lifeMu.Lock()
		close(c.closing)
		if !c.started {
			c.setState(Closed)
			close(c.done)
		}
		c.lifeMu.Unlock()
	})
	<-c.done
	return nil
}

// Done is closed once the connection reaches Closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) IsConnected() bool {
	return c.State() == Connected
}

// ServerInfo returns the most recent INFO document.
func (c *Conn) ServerInfo() protocol.ServerInfo {
	if info := c.info.Load(); info != nil {
		return *info
	}
	return protocol.ServerInfo{}
}

// ConnectedURL returns the endpoint of the live session, or "".
func (c *Conn) ConnectedURL() string {
	if c.State() != Connected {
		return ""
	}
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if c.pool.current == nil {
		return ""
	}
	return c.pool.current.String()
}

// Servers lists the known endpoints, including discovered ones.
func (c *Conn) Servers() []string {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	return c.pool.urls()
}

func (c *Conn) Stats() Stats {
	return Stats{
		InMsgs:     c.inMsgs.Load(),
		OutMsgs:    c.outMsgs.Load(),
		InBytes:    c.inBytes.Load(),
		OutBytes:   c.outBytes.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// Verbose reports whether the server acknowledges each operation.
func (c *Conn) Verbose() bool {
	return c.cfg.Verbose
}

// Label names this connection in logs and metrics.
func (c *Conn) Label() string {
	return c.label
}

// Send queues f for the writer. It blocks only while the queue is full.
func (c *Conn) Send(ctx context.Context, f protocol.Frame) error {
	cmd, err := c.prepare(f)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, cmd)
}

// TrySend queues f without blocking and reports whether it was accepted.
func (c *Conn) TrySend(f protocol.Frame) (bool, error) {
	cmd, err := c.prepare(f)
	if err != nil {
		return false, err
	}
	select {
	case <-c.closing:
		c.release(cmd)
		return false, ErrClosed
	default:
	}
	select {
	case c.cmds <- cmd:
		return true, nil
	default:
		c.release(cmd)
		return false, nil
	}
}

// SendAck queues f and, in verbose mode, waits for the server's +OK or -ERR.
func (c *Conn) SendAck(ctx context.Context, f protocol.Frame) error {
	if !c.cfg.Verbose {
		return c.Send(ctx, f)
	}
	cmd, err := c.prepare(f)
	if err != nil {
		return err
	}
	cmd.done = make(chan error, 1)
	if err := c.enqueue(ctx, cmd); err != nil {
		return err
	}
	return c.wait(ctx, cmd.done)
}

// Flush writes everything queued so far and waits for the server to answer
// a PING, which proves all prior frames were processed.
func (c *Conn) Flush(ctx context.Context) error {
	switch c.State() {
	case Closed:
		return ErrClosed
	case Connected:
	default:
		return ErrNotConnected
	}
	cmd := command{kind: cmdFlush, op: protocol.OpPing, done: make(chan error, 1)}
	if err := c.enqueue(ctx, cmd); err != nil {
		return err
	}
	return c.wait(ctx, cmd.done)
}

// RTT measures one PING/PONG round trip.
func (c *Conn) RTT(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.Flush(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Conn) prepare(f protocol.Frame) (command, error) {
	switch c.State() {
	case Closed:
		return command{}, ErrClosed
	case Disconnected:
		return command{}, ErrNotConnected
	}
	var max int64
	if info := c.info.Load(); info != nil {
		max = info.MaxPayload
	}
	data, err := protocol.Encoder{MaxPayload: max}.Append(nil, f)
	if err != nil {
		return command{}, err
	}
	cmd := command{kind: cmdWrite, op: f.Op(), data: data}
	if p, ok := f.(*protocol.Pub); ok {
		cmd.size = len(p.Payload)
	}
	if cmd.op == protocol.OpPub && c.State() != Connected {
		if !c.reserve(len(data)) {
			return command{}, ErrReconnectBufferExceeded
		}
		cmd.reserved = len(data)
	}
	return cmd, nil
}

func (c *Conn) enqueue(ctx context.Context, cmd command) error {
	select {
	case <-c.closing:
		c.release(cmd)
		return ErrClosed
	default:
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-ctx.Done():
		c.release(cmd)
		return ctx.Err()
	case <-c.done:
		c.release(cmd)
		return ErrClosed
	}
}

func (c *Conn) wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-done:
			return err
		default:
			return ErrClosed
		}
	}
}

func (c *Conn) reserve(n int) bool {
	limit := int64(c.cfg.ReconnectBufSize)
	if limit < 0 {
		return false
	}
	if c.reserved.Add(int64(n)) > limit {
		c.reserved.Add(-int64(n))
		return false
	}
	return true
}

func (c *Conn) release(cmd command) {
	if cmd.reserved > 0 {
		c.reserved.Add(-int64(cmd.reserved))
	}
}

func (c *Conn) setState(next State) {
	prev := State(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	logs.Debugf("conn state name=%s %s -> %s", c.label, prev, next)
	c.h.StateChanged(prev, next)
}

func (c *Conn) endpoints() []*endpoint {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	return c.pool.order()
}

func (c *Conn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func resolve(done chan error, err error) {
	if done != nil {
		done <- err
	}
}

type nopHandler struct{}

func (nopHandler) Deliver(*protocol.Msg)         {}
func (nopHandler) Resubscribe() []protocol.Frame { return nil }
func (nopHandler) ServerError(error)             {}
func (nopHandler) StateChanged(State, State)     {}
func (nopHandler) Discovered([]string)           {}
