package conn

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	logs "github.com/danmuck/edgebus/internal/logging"
	"github.com/danmuck/edgebus/internal/observability"
	"github.com/danmuck/edgebus/internal/protocol"
	"github.com/danmuck/edgebus/internal/protocol/session"
)

const controlQueueSize = 1024

var pingFrame = []byte("PING\r\n")
var pongFrame = []byte("PONG\r\n")

// run is the owner goroutine.
func (c *Conn) run(s *link) {
	defer close(c.done)
	for {
		err := c.serve(s)
		if c.isClosing() {
			c.shutdown()
			return
		}
		var se *protocol.ServerError
		if !errors.As(err, &se) {
			c.h.ServerError(err)
		}
		logs.Warnf("conn session ended name=%s endpoint=%s err=%v", c.label, s.ep, err)
		if !c.cfg.AllowReconnect {
			c.shutdown()
			return
		}
		if s = c.reconnect(); s == nil {
			c.shutdown()
			return
		}
	}
}

// establish replays subscriptions, flushes the outage buffer, then marks the
// session Connected. The reader is not running yet.
func (c *Conn) establish(s *link) error {
	info := s.info
	c.info.Store(&info)
	c.poolMu.Lock()
	c.pool.current = s.ep
	added := c.pool.merge(info.ConnectURLs)
	c.poolMu.Unlock()
	if len(added) > 0 {
		c.h.Discovered(added)
	}

	enc := protocol.Encoder{MaxPayload: info.MaxPayload}
	for _, f := range c.h.Resubscribe() {
		data, err := enc.Append(nil, f)
		if err != nil {
			logs.Warnf("conn resubscribe skipped name=%s op=%s err=%v", c.label, f.Op(), err)
			continue
		}
		if _, err := s.bw.Write(data); err != nil {
			return &TransportError{Op: "write", Endpoint: s.ep.String(), Err: err}
		}
		if c.expectsOK(f.Op()) {
			s.acks = append(s.acks, nil)
		}
	}
	for _, cmd := range c.pending {
		if _, err := s.bw.Write(cmd.data); err != nil {
			return &TransportError{Op: "write", Endpoint: s.ep.String(), Err: err}
		}
		c.track(s, cmd)
	}
	if err := c.flush(s); err != nil {
		return err
	}
	for _, cmd := range c.pending {
		c.release(cmd)
		c.countOut(cmd)
	}
	if n := len(c.pending); n > 0 {
		logs.Debugf("conn flushed outage buffer name=%s frames=%d", c.label, n)
	}
	c.pending = nil
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.isClosing() {
		return ErrClosed
	}
	c.setState(Connected)
	return nil
}

// serve runs the reader and writer until either fails. The transport is
// closed only after the group has recorded the first error.
func (c *Conn) serve(s *link) error {
	g, ctx := errgroup.WithContext(context.Background())
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()
	ctrl := make(chan protocol.Frame, controlQueueSize)
	g.Go(func() error { return c.readLoop(ctx, s, ctrl) })
	g.Go(func() error { return c.writeLoop(ctx, s, ctrl) })
	err := g.Wait()
	_ = s.conn.Close()
	if s.fatal != nil {
		return s.fatal
	}
	return err
}

func (c *Conn) readLoop(ctx context.Context, s *link, ctrl chan<- protocol.Frame) error {
	buf := make([]byte, c.cfg.ReadBufferSize)
	var readErr error
	for {
		for {
			f, err := s.dec.Next()
			if err != nil {
				return err
			}
			if f == nil {
				break
			}
			if m, ok := f.(*protocol.Msg); ok {
				c.inMsgs.Add(1)
				c.inBytes.Add(uint64(len(m.Payload)))
				observability.RecordMessage(c.label, observability.DirectionIn, len(m.Payload))
				c.h.Deliver(m)
				continue
			}
			select {
			case ctrl <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if readErr != nil {
			return readErr
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.dec.Feed(buf[:n])
		}
		if err != nil {
			readErr = &TransportError{Op: "read", Endpoint: s.ep.String(), Err: err}
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context, s *link, ctrl <-chan protocol.Frame) (err error) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		lost := ErrConnectionLost
		if c.isClosing() {
			lost = ErrClosed
		}
		for _, ch := range s.acks {
			resolve(ch, lost)
		}
		for _, ch := range s.pongs {
			resolve(ch, lost)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.fatal = c.drainControl(s, ctrl)
			return ctx.Err()
		case <-c.closing:
			c.drain(s)
			if err := c.flush(s); err != nil {
				logs.Debugf("conn final flush name=%s err=%v", c.label, err)
			}
			return ErrClosed
		case f := <-ctrl:
			if err := c.control(s, f); err != nil {
				var se *protocol.ServerError
				if errors.As(err, &se) {
					s.fatal = err
				}
				return err
			}
		case cmd := <-c.cmds:
			if err := c.apply(s, cmd); err != nil {
				return err
			}
		case <-ticker.C:
			s.pingsOut++
			if s.pingsOut > c.cfg.MaxPingsOut {
				return ErrStaleConnection
			}
			if _, err := s.bw.Write(pingFrame); err != nil {
				return &TransportError{Op: "write", Endpoint: s.ep.String(), Err: err}
			}
			s.pongs = append(s.pongs, nil)
		}
		if s.bw.Buffered() > 0 && len(c.cmds) == 0 {
			if err := c.flush(s); err != nil {
				return err
			}
		}
	}
}

// drainControl surfaces server errors that arrived just before the reader
// failed and returns the first fatal one, typically the reason for the close.
func (c *Conn) drainControl(s *link, ctrl <-chan protocol.Frame) error {
	var fatal error
	for {
		select {
		case f := <-ctrl:
			if _, ok := f.(*protocol.Err); !ok {
				continue
			}
			if err := c.control(s, f); err != nil && fatal == nil {
				fatal = err
			}
		default:
			return fatal
		}
	}
}

// drain writes whatever is already queued so Close does not lose it.
func (c *Conn) drain(s *link) {
	for {
		select {
		case cmd := <-c.cmds:
			if err := c.apply(s, cmd); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) apply(s *link, cmd command) error {
	c.release(cmd)
	switch cmd.kind {
	case cmdFlush:
		if _, err := s.bw.Write(pingFrame); err != nil {
			resolve(cmd.done, err)
			return &TransportError{Op: "write", Endpoint: s.ep.String(), Err: err}
		}
		s.pongs = append(s.pongs, cmd.done)
	default:
		if _, err := s.bw.Write(cmd.data); err != nil {
			resolve(cmd.done, ErrConnectionLost)
			return &TransportError{Op: "write", Endpoint: s.ep.String(), Err: err}
		}
		c.track(s, cmd)
		c.countOut(cmd)
	}
	return nil
}

func (c *Conn) track(s *link, cmd command) {
	if c.expectsOK(cmd.op) {
		s.acks = append(s.acks, cmd.done)
		return
	}
	resolve(cmd.done, nil)
}

func (c *Conn) countOut(cmd command) {
	if cmd.op != protocol.OpPub {
		return
	}
	c.outMsgs.Add(1)
	c.outBytes.Add(uint64(cmd.size))
	observability.RecordMessage(c.label, observability.DirectionOut, cmd.size)
}

func (c *Conn) expectsOK(op protocol.Op) bool {
	if !c.cfg.Verbose {
		return false
	}
	switch op {
	case protocol.OpPub, protocol.OpSub, protocol.OpUnsub:
		return true
	default:
		return false
	}
}

func (c *Conn) flush(s *link) error {
	if s.bw.Buffered() == 0 {
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := s.bw.Flush(); err != nil {
		return &TransportError{Op: "write", Endpoint: s.ep.String(), Err: err}
	}
	return nil
}

func (c *Conn) control(s *link, f protocol.Frame) error {
	switch v := f.(type) {
	case *protocol.Ping:
		if _, err := s.bw.Write(pongFrame); err != nil {
			return &TransportError{Op: "write", Endpoint: s.ep.String(), Err: err}
		}
	case *protocol.Pong:
		s.pingsOut = 0
		if len(s.pongs) > 0 {
			resolve(s.pongs[0], nil)
			s.pongs = s.pongs[1:]
		}
	case *protocol.OK:
		if len(s.acks) > 0 {
			resolve(s.acks[0], nil)
			s.acks = s.acks[1:]
		}
	case *protocol.Err:
		se := v.AsError()
		if c.cfg.Verbose && len(s.acks) > 0 {
			waiter := s.acks[0]
			s.acks = s.acks[1:]
			if waiter != nil {
				waiter <- se
			} else {
				c.h.ServerError(se)
			}
		} else {
			c.h.ServerError(se)
		}
		if se.IsFatal() {
			return se
		}
	case *protocol.Info:
		info := v.Server
		c.info.Store(&info)
		c.poolMu.Lock()
		added := c.pool.merge(info.ConnectURLs)
		c.poolMu.Unlock()
		if len(added) > 0 {
			logs.Infof("conn discovered name=%s urls=%v", c.label, added)
			c.h.Discovered(added)
		}
		if info.LameDuckMode {
			logs.Warnf("conn server entering lame duck mode name=%s endpoint=%s", c.label, s.ep)
		}
	default:
		logs.Debugf("conn ignoring frame name=%s op=%s", c.label, f.Op())
	}
	return nil
}

// reconnect returns a live, established session or nil once the connection
// is closing or out of attempts.
func (c *Conn) reconnect() *link {
	c.setState(Reconnecting)
	for round := 1; ; round++ {
		if c.cfg.MaxReconnects >= 0 && round > c.cfg.MaxReconnects {
			logs.Warnf("conn giving up name=%s rounds=%d", c.label, round-1)
			return nil
		}
		eps := c.endpoints()
		if len(eps) == 0 {
			return nil
		}
		for _, ep := range eps {
			s, err := c.attempt(ep)
			if c.isClosing() {
				if s != nil {
					_ = s.conn.Close()
				}
				return nil
			}
			if err == nil {
				if err = c.establish(s); err == nil {
					c.reconnects.Add(1)
					observability.RecordReconnect(c.label)
					logs.Infof("conn reconnected name=%s endpoint=%s round=%d", c.label, ep, round)
					return s
				}
				_ = s.conn.Close()
				if c.isClosing() {
					return nil
				}
			}
			logs.Warnf("conn reconnect attempt name=%s endpoint=%s round=%d err=%v", c.label, ep, round, err)
			c.setState(Reconnecting)
			if !isRetryable(err) {
				c.h.ServerError(err)
				c.poolMu.Lock()
				c.pool.remove(ep)
				c.poolMu.Unlock()
			}
		}
		delay := session.NextBackoffDelay(c.cfg.Backoff, round, c.rng)
		if !c.pause(delay) {
			return nil
		}
	}
}

type attemptResult struct {
	s   *link
	err error
}

// attempt runs one handshake while still buffering caller commands.
func (c *Conn) attempt(ep *endpoint) (*link, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := make(chan attemptResult, 1)
	go func() {
		s, err := c.handshake(ctx, ep)
		res <- attemptResult{s: s, err: err}
	}()
	for {
		select {
		case r := <-res:
			return r.s, r.err
		case cmd := <-c.cmds:
			c.buffer(cmd)
		case <-c.closing:
			cancel()
			r := <-res
			return r.s, ErrClosed
		}
	}
}

// pause sleeps for d while buffering commands; false means closing.
func (c *Conn) pause(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case cmd := <-c.cmds:
			c.buffer(cmd)
		case <-c.closing:
			return false
		}
	}
}

func (c *Conn) buffer(cmd command) {
	if cmd.kind == cmdFlush {
		resolve(cmd.done, ErrNotConnected)
		return
	}
	if cmd.op != protocol.OpPub {
		resolve(cmd.done, nil)
		return
	}
	if cmd.reserved == 0 {
		if !c.reserve(len(cmd.data)) {
			resolve(cmd.done, ErrReconnectBufferExceeded)
			c.h.ServerError(ErrReconnectBufferExceeded)
			return
		}
		cmd.reserved = len(cmd.data)
	}
	c.pending = append(c.pending, cmd)
}

func (c *Conn) shutdown() {
	for _, cmd := range c.pending {
		c.release(cmd)
		resolve(cmd.done, ErrClosed)
	}
	c.pending = nil
	for {
		select {
		case cmd := <-c.cmds:
			c.release(cmd)
			resolve(cmd.done, ErrClosed)
		default:
			c.setState(Closed)
			return
		}
	}
}
