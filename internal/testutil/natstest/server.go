// Package natstest runs an in-process protocol server for tests.
//
// It implements enough of the server side to exercise a client end to end:
// handshake with optional token/user auth and TLS, verbose acks, PING/PONG,
// SUB/UNSUB with auto-unsubscribe, queue groups, * and > wildcards, echo
// suppression and max_payload enforcement. Hooks let a test kill clients,
// stall keepalive replies, push INFO or -ERR, and inspect every inbound frame.
package natstest

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/danmuck/edgebus/internal/auth"
	logs "github.com/danmuck/edgebus/internal/logging"
	"github.com/danmuck/edgebus/internal/protocol"
	"github.com/danmuck/edgebus/internal/transport"
)

type Options struct {
	ServerName  string
	MaxPayload  int64
	Auth        auth.Validator
	TLS         *tls.Config
	WebSocket   bool
	ConnectURLs []string
}

// Received is one inbound client frame.
type Received struct {
	Client uint64
	Frame  protocol.Frame
}

type Server struct {
	opts Options
	addr string

	mu       sync.Mutex
	ln       net.Listener
	http     *http.Server
	clients  map[uint64]*client
	frames   []Received
	closed   bool
	nextCID  uint64
	rr       uint64
	accepted int

	stall atomic.Bool
	wg    sync.WaitGroup
}

type client struct {
	id   uint64
	srv  *Server
	conn net.Conn

	wmu sync.Mutex

	mu      sync.Mutex
	opts    protocol.ConnectInfo
	subs    map[string]*subscription
	closing bool
}

type subscription struct {
	client    *client
	subject   string
	queue     string
	sid       string
	max       int
	delivered int
}

// Run starts a server on 127.0.0.1 and registers shutdown with t.Cleanup.
func Run(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = 1024 * 1024
	}
	if opts.ServerName == "" {
		opts.ServerName = "natstest"
	}
	s := &Server{opts: opts, clients: make(map[uint64]*client)}
	if err := s.listen("127.0.0.1:0"); err != nil {
		t.Fatalf("natstest listen: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func (s *Server) listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.addr = ln.Addr().String()
	s.closed = false
	s.mu.Unlock()

	if s.opts.WebSocket {
		upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		hs := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = raw.Close()
				return
			}
			s.wg.Add(1)
			s.mu.Unlock()
			go s.serve(transport.NewWebSocketConn(raw, false))
		})}
		s.mu.Lock()
		s.http = hs
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = hs.Serve(ln)
		}()
		return nil
	}

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serve(c)
	}
}

// URL returns the endpoint clients should dial.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.WebSocket {
		return "ws://" + s.addr
	}
	return "nats://" + s.addr
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop closes the listener and every client connection.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln, hs := s.ln, s.http
	s.mu.Unlock()
	if hs != nil {
		_ = hs.Close()
	} else if ln != nil {
		_ = ln.Close()
	}
	s.KillClients()
}

// Restart listens again on the same address after Stop.
func (s *Server) Restart() error {
	s.mu.Lock()
	addr := s.addr
	s.mu.Unlock()
	var err error
	for i := 0; i < 50; i++ {
		if err = s.listen(addr); err == nil {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return err
}

func (s *Server) Shutdown() {
	s.Stop()
	s.wg.Wait()
}

// KillClients drops every client connection while the listener stays up.
func (s *Server) KillClients() {
	s.mu.Lock()
	list := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		list = append(list, c)
	}
	s.mu.Unlock()
	for _, c := range list {
		c.close()
	}
}

// SetStall stops answering client PINGs while true.
func (s *Server) SetStall(v bool) {
	s.stall.Store(v)
}

func (s *Server) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Accepted counts connections that completed CONNECT.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Frames returns a copy of every inbound client frame in arrival order.
func (s *Server) Frames() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Received, len(s.frames))
	copy(out, s.frames)
	return out
}

// Count returns how many inbound frames carried op.
func (s *Server) Count(op protocol.Op) int {
	n := 0
	for _, r := range s.Frames() {
		if r.Frame.Op() == op {
			n++
		}
	}
	return n
}

// Connects returns every CONNECT document received.
func (s *Server) Connects() []protocol.ConnectInfo {
	var out []protocol.ConnectInfo
	for _, r := range s.Frames() {
		if c, ok := r.Frame.(*protocol.Connect); ok {
			out = append(out, c.Options)
		}
	}
	return out
}

// Interest counts live subscriptions on exactly subject, optionally limited to
// one queue group.
func (s *Server) Interest(subject, queue string) int {
	n := 0
	for _, c := range s.snapshotClients() {
		c.mu.Lock()
		for _, sub := range c.subs {
			if sub.subject == subject && (queue == "" || sub.queue == queue) {
				n++
			}
		}
		c.mu.Unlock()
	}
	return n
}

// Publish injects a message as if a peer had published it.
func (s *Server) Publish(subject, reply string, data []byte) {
	s.route(nil, &protocol.Pub{Subject: subject, Reply: reply, Payload: data})
}

// SendErr writes -ERR to every client. Fatal reasons also close them.
func (s *Server) SendErr(reason string) {
	fatal := (&protocol.ServerError{Reason: reason}).IsFatal()
	for _, c := range s.snapshotClients() {
		c.write(&protocol.Err{Reason: reason})
		if fatal {
			c.close()
		}
	}
}

// SendInfo pushes an asynchronous INFO advertising urls.
func (s *Server) SendInfo(urls []string) {
	for _, c := range s.snapshotClients() {
		info := s.info(c.id)
		info.ConnectURLs = urls
		c.write(&protocol.Info{Server: info})
	}
}

func (s *Server) snapshotClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) info(cid uint64) protocol.ServerInfo {
	host, port := "127.0.0.1", 0
	if h, p, err := net.SplitHostPort(s.Addr()); err == nil {
		host = h
		port, _ = strconv.Atoi(p)
	}
	return protocol.ServerInfo{
		ServerID:     "NATSTEST",
		ServerName:   s.opts.ServerName,
		Version:      "2.10.0-test",
		Proto:        1,
		Go:           "go",
		Host:         host,
		Port:         port,
		MaxPayload:   s.opts.MaxPayload,
		ClientID:     cid,
		AuthRequired: s.opts.Auth != nil,
		TLSRequired:  s.opts.TLS != nil,
		ConnectURLs:  s.opts.ConnectURLs,
	}
}

func (s *Server) record(cid uint64, f protocol.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, Received{Client: cid, Frame: f})
	s.mu.Unlock()
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.nextCID++
	c := &client{id: s.nextCID, srv: s, conn: conn, subs: make(map[string]*subscription)}
	s.clients[c.id] = c
	s.mu.Unlock()

	defer func() {
		c.close()
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
	}()

	c.write(&protocol.Info{Server: s.info(c.id)})
	if s.opts.TLS != nil {
		tc := tls.Server(conn, s.opts.TLS)
		_ = tc.SetDeadline(time.Now().Add(5 * time.Second))
		if err := tc.Handshake(); err != nil {
			logs.Debugf("natstest cid=%d tls handshake err=%v", c.id, err)
			return
		}
		_ = tc.SetDeadline(time.Time{})
		c.wmu.Lock()
		c.conn = tc
		c.wmu.Unlock()
	}

	dec := protocol.NewDecoder(s.opts.MaxPayload * 2)
	buf := make([]byte, 32*1024)
	connected := false
	for {
		n, err := c.reader().Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				f, derr := dec.Next()
				if derr != nil {
					c.write(&protocol.Err{Reason: "Unknown Protocol Operation"})
					return
				}
				if f == nil {
					break
				}
				s.record(c.id, f)
				if !connected {
					cf, ok := f.(*protocol.Connect)
					if !ok {
						c.write(&protocol.Err{Reason: "Authorization Violation"})
						return
					}
					if !s.accept(c, cf) {
						return
					}
					connected = true
					continue
				}
				if !s.handle(c, f) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *client) reader() net.Conn {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn
}

func (s *Server) accept(c *client, cf *protocol.Connect) bool {
	if s.opts.Auth != nil {
		creds := auth.Credentials{Token: cf.Options.AuthToken, User: cf.Options.User, Password: cf.Options.Pass}
		if err := s.opts.Auth.Validate(creds); err != nil {
			c.write(&protocol.Err{Reason: "Authorization Violation"})
			return false
		}
	}
	c.mu.Lock()
	c.opts = cf.Options
	c.mu.Unlock()
	s.mu.Lock()
	s.accepted++
	s.mu.Unlock()
	c.ok()
	return true
}

func (s *Server) handle(c *client, f protocol.Frame) bool {
	switch v := f.(type) {
	case *protocol.Ping:
		if !s.stall.Load() {
			c.write(&protocol.Pong{})
		}
	case *protocol.Pong:
	case *protocol.Pub:
		if int64(len(v.Payload)) > s.opts.MaxPayload {
			c.write(&protocol.Err{Reason: "Maximum Payload Violation"})
			return false
		}
		c.ok()
		s.route(c, v)
	case *protocol.Sub:
		c.mu.Lock()
		c.subs[v.SID] = &subscription{client: c, subject: v.Subject, queue: v.Queue, sid: v.SID}
		c.mu.Unlock()
		c.ok()
	case *protocol.Unsub:
		c.mu.Lock()
		if sub, ok := c.subs[v.SID]; ok {
			if v.Max > 0 && sub.delivered < v.Max {
				sub.max = v.Max
			} else {
				delete(c.subs, v.SID)
			}
		}
		c.mu.Unlock()
		c.ok()
	case *protocol.Connect:
		c.ok()
	default:
		c.write(&protocol.Err{Reason: "Unknown Protocol Operation"})
		return false
	}
	return true
}

func (s *Server) route(from *client, p *protocol.Pub) {
	var direct []*subscription
	groups := make(map[string][]*subscription)
	for _, c := range s.snapshotClients() {
		c.mu.Lock()
		skip := c == from && !c.opts.Echo
		if !skip {
			for _, sub := range c.subs {
				if !Match(sub.subject, p.Subject) {
					continue
				}
				if sub.queue == "" {
					direct = append(direct, sub)
				} else {
					groups[sub.queue] = append(groups[sub.queue], sub)
				}
			}
		}
		c.mu.Unlock()
	}
	for _, members := range groups {
		n := atomic.AddUint64(&s.rr, 1)
		direct = append(direct, members[int(n%uint64(len(members)))])
	}
	for _, sub := range direct {
		sub.deliver(p)
	}
}

func (sub *subscription) deliver(p *protocol.Pub) {
	c := sub.client
	c.mu.Lock()
	if c.subs[sub.sid] != sub {
		c.mu.Unlock()
		return
	}
	sub.delivered++
	if sub.max > 0 && sub.delivered >= sub.max {
		delete(c.subs, sub.sid)
	}
	c.mu.Unlock()
	c.write(&protocol.Msg{Subject: p.Subject, SID: sub.sid, Reply: p.Reply, Payload: p.Payload})
}

func (c *client) ok() {
	c.mu.Lock()
	verbose := c.opts.Verbose
	c.mu.Unlock()
	if verbose {
		c.write(&protocol.OK{})
	}
}

func (c *client) write(f protocol.Frame) {
	b, err := protocol.Encode(f)
	if err != nil {
		logs.Warnf("natstest cid=%d encode %s err=%v", c.id, f.Op(), err)
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write(b); err != nil && !errors.Is(err, net.ErrClosed) {
		logs.Debugf("natstest cid=%d write %s err=%v", c.id, f.Op(), err)
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()
	c.wmu.Lock()
	_ = c.conn.Close()
	c.wmu.Unlock()
}

// Match reports whether subject matches pattern, where * matches one token
// and a trailing > matches one or more.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
