package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/edgebus/internal/conn"
	logs "github.com/danmuck/edgebus/internal/logging"
	"github.com/danmuck/edgebus/internal/protocol"
)

// Status is the connection lifecycle phase as seen by callers.
type Status = conn.State

const (
	StatusDisconnected = conn.Disconnected
	StatusConnecting   = conn.Connecting
	StatusAwaitingInfo = conn.AwaitingInfo
	StatusHandshaking  = conn.Handshaking
	StatusConnected    = conn.Connected
	StatusReconnecting = conn.Reconnecting
	StatusClosed       = conn.Closed
)

type Stats = conn.Stats

const InboxPrefix = "_INBOX."

// Client is a connected pub/sub session. It is safe for concurrent use.
type Client struct {
	opts Options
	conn *conn.Conn
	subs *registry
	ev   *dispatcher

	connectedOnce atomic.Bool
	closeOnce     sync.Once
}

// Connect dials url, a comma separated list of server URLs, and completes
// the handshake. An empty url keeps the servers from the options.
func Connect(url string, opts ...Option) (*Client, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectBudget(o))
	defer cancel()
	return ConnectContext(ctx, url, o)
}

// ConnectContext is Connect with a caller-controlled deadline and fully
// formed Options.
func ConnectContext(ctx context.Context, url string, o Options) (*Client, error) {
	if servers := splitServers(url); len(servers) > 0 {
		o.Session.Servers = servers
	}
	o = o.withDefaults()

	c := &Client{opts: o, ev: newDispatcher()}
	c.subs = newRegistry(c)
	cn, err := conn.New(o.Session, o.Dialer, handler{c})
	if err != nil {
		c.ev.stop()
		<-c.ev.done
		return nil, err
	}
	c.conn = cn
	if err := cn.Connect(ctx); err != nil {
		_ = cn.Close()
		<-c.ev.done
		return nil, err
	}
	logs.Infof("client connected name=%s url=%s", cn.Label(), cn.ConnectedURL())
	return c, nil
}

func connectBudget(o Options) time.Duration {
	n := len(splitServers(strings.Join(o.Session.Servers, ",")))
	if n == 0 {
		n = 1
	}
	per := o.Session.ConnectTimeout + o.Session.HandshakeTimeout
	if per <= 0 {
		per = 4 * time.Second
	}
	return time.Duration(n) * per
}

func splitServers(url string) []string {
	var out []string
	for _, s := range strings.Split(url, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Publish sends data to subject. In verbose mode it waits for the server's
// acknowledgement and returns a *protocol.ServerError on -ERR.
func (c *Client) Publish(subject string, data []byte) error {
	return c.publish(subject, "", data)
}

// PublishRequest publishes with a reply subject for the responder.
func (c *Client) PublishRequest(subject, reply string, data []byte) error {
	return c.publish(subject, reply, data)
}

func (c *Client) PublishMsg(m *Msg) error {
	if m == nil {
		return ErrInvalidOption
	}
	return c.publish(m.Subject, m.Reply, m.Data)
}

func (c *Client) publish(subject, reply string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Session.WriteTimeout)
	defer cancel()
	return c.PublishContext(ctx, subject, reply, data)
}

// PublishContext is PublishRequest bounded by ctx. An empty reply publishes
// without one.
func (c *Client) PublishContext(ctx context.Context, subject, reply string, data []byte) error {
	err := c.conn.SendAck(ctx, &protocol.Pub{Subject: subject, Reply: reply, Payload: data})
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}

// Flush round-trips a PING so that everything published before it has been
// processed by the server.
func (c *Client) Flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Session.WriteTimeout)
	defer cancel()
	return c.FlushContext(ctx)
}

func (c *Client) FlushContext(ctx context.Context) error {
	return c.conn.Flush(ctx)
}

func (c *Client) RTT() (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Session.WriteTimeout)
	defer cancel()
	return c.conn.RTT(ctx)
}

// Close flushes pending writes, closes every subscription and the transport.
// It is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		c.subs.closeAll()
		c.ev.stop()
		<-c.ev.done
	})
}

func (c *Client) Status() Status {
	return c.conn.State()
}

func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

func (c *Client) IsClosed() bool {
	return c.conn.State() == StatusClosed
}

func (c *Client) ConnectedURL() string {
	return c.conn.ConnectedURL()
}

// Servers lists configured and discovered server URLs.
func (c *Client) Servers() []string {
	return c.conn.Servers()
}

func (c *Client) Stats() Stats {
	return c.conn.Stats()
}

func (c *Client) ServerInfo() protocol.ServerInfo {
	return c.conn.ServerInfo()
}

// MaxPayload is the largest payload the connected server accepts.
func (c *Client) MaxPayload() int64 {
	return c.conn.ServerInfo().MaxPayload
}

func (c *Client) Options() Options {
	return c.opts
}

// NewInbox returns a subject unique to this process for reply routing.
func NewInbox() string {
	return InboxPrefix + uuid.NewString()
}

func (c *Client) reportErr(err error) {
	if err == nil {
		return
	}
	fn := c.opts.ErrorHandler
	if fn == nil {
		logs.Warnf("client async error name=%s err=%v", c.conn.Label(), err)
		return
	}
	c.ev.post(func() { fn(c, err) })
}

// handler adapts Client to conn.Handler.
type handler struct {
	c *Client
}

func (h handler) Deliver(m *protocol.Msg) {
	h.c.subs.deliver(m)
}

func (h handler) Resubscribe() []protocol.Frame {
	return h.c.subs.frames()
}

func (h handler) ServerError(err error) {
	h.c.reportErr(err)
}

func (h handler) Discovered(urls []string) {
	if fn := h.c.opts.DiscoveredServersHandler; fn != nil {
		h.c.ev.post(func() { fn(h.c, urls) })
	}
}

func (h handler) StateChanged(old, next conn.State) {
	c := h.c
	o := c.opts
	switch {
	case next == conn.Connected:
		if c.connectedOnce.Swap(true) && o.ReconnectedHandler != nil {
			c.ev.post(func() { o.ReconnectedHandler(c) })
		}
	case old == conn.Connected:
		if o.DisconnectedHandler != nil {
			c.ev.post(func() { o.DisconnectedHandler(c) })
		}
	}
	if next == conn.Closed {
		c.subs.closeAll()
		if o.ClosedHandler != nil && c.connectedOnce.Load() {
			c.ev.post(func() { o.ClosedHandler(c) })
		}
		c.ev.stop()
	}
}

const eventQueueSize = 1024

// dispatcher runs user callbacks on one goroutine so they never block the
// connection.
type dispatcher struct {
	mu      sync.Mutex
	stopped bool
	queue   chan func()
	done    chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		queue: make(chan func(), eventQueueSize),
		done:  make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for fn := range d.queue {
		fn()
	}
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	select {
	case d.queue <- fn:
	default:
		logs.Warnf("client event queue full, callback dropped")
	}
}

func (d *dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	close(d.queue)
}
