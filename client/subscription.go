package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/danmuck/edgebus/internal/conn"
	logs "github.com/danmuck/edgebus/internal/logging"
	"github.com/danmuck/edgebus/internal/observability"
	"github.com/danmuck/edgebus/internal/protocol"
)

// SubOption configures one subscription.
type SubOption func(*subConfig) error

type subConfig struct {
	max     uint64
	pending int
	handler func(*Msg)
}

// WithMaxMessages expires the subscription after n deliveries.
func WithMaxMessages(n uint64) SubOption {
	return func(sc *subConfig) error {
		sc.max = n
		return nil
	}
}

// WithPendingLimit overrides the client's default queue length.
func WithPendingLimit(n int) SubOption {
	return func(sc *subConfig) error {
		if n <= 0 {
			return fmt.Errorf("%w: pending limit must be positive", ErrInvalidOption)
		}
		sc.pending = n
		return nil
	}
}

// WithHandler runs fn on a dedicated goroutine for every message. Do not
// also read C or call Next on the same subscription.
func WithHandler(fn func(*Msg)) SubOption {
	return func(sc *subConfig) error {
		sc.handler = fn
		return nil
	}
}

// Subscription is a registered interest. Messages queue in a bounded channel;
// when it is full the oldest message is discarded.
type Subscription struct {
	c       *Client
	sid     uint64
	subject string
	queue   string

	mu        sync.Mutex
	ch        chan *Msg
	closed    bool
	max       uint64
	delivered uint64
	dropped   uint64
	slow      bool
	report    *rate.Sometimes
}

// Subscribe registers interest in subject, which may contain wildcards.
func (c *Client) Subscribe(subject string, opts ...SubOption) (*Subscription, error) {
	return c.subscribe(subject, "", opts...)
}

// QueueSubscribe joins queue; each message goes to one member of the group.
func (c *Client) QueueSubscribe(subject, queue string, opts ...SubOption) (*Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("%w: empty queue group", protocol.ErrInvalidArgument)
	}
	if err := protocol.CheckQueue(queue); err != nil {
		return nil, err
	}
	return c.subscribe(subject, queue, opts...)
}

func (c *Client) subscribe(subject, queue string, opts ...SubOption) (*Subscription, error) {
	if err := protocol.CheckSubject(subject); err != nil {
		return nil, err
	}
	sc := subConfig{pending: c.opts.PendingLimit}
	for _, opt := range opts {
		if err := opt(&sc); err != nil {
			return nil, err
		}
	}
	if c.conn.State() == conn.Closed {
		return nil, ErrConnectionClosed
	}
	sub := &Subscription{
		c:       c,
		subject: subject,
		queue:   queue,
		ch:      make(chan *Msg, sc.pending),
		max:     sc.max,
		report:  &rate.Sometimes{First: 1, Interval: c.opts.SlowConsumerReportInterval},
	}
	c.subs.add(sub)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Session.WriteTimeout)
	defer cancel()
	err := c.conn.SendAck(ctx, &protocol.Sub{Subject: subject, Queue: queue, SID: sub.sidString()})
	if err != nil && !errors.Is(err, conn.ErrNotConnected) {
		c.subs.remove(sub.sid)
		sub.closeQueue()
		return nil, err
	}
	if sc.handler != nil {
		go sub.run(sc.handler)
	}
	return sub, nil
}

func (s *Subscription) run(fn func(*Msg)) {
	for m := range s.ch {
		fn(m)
	}
}

// Next blocks for the next message. It returns ErrBadSubscription once the
// subscription is closed and drained.
func (s *Subscription) Next(ctx context.Context) (*Msg, error) {
	select {
	case m, ok := <-s.ch:
		if !ok {
			return nil, ErrBadSubscription
		}
		s.afterReceive()
		return m, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// NextTimeout is Next bounded by d.
func (s *Subscription) NextTimeout(d time.Duration) (*Msg, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Next(ctx)
}

// C exposes the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan *Msg {
	return s.ch
}

// Unsubscribe removes the subscription before returning. Queued messages
// are discarded, nothing is delivered to it afterwards and the server is
// told to drop the interest.
func (s *Subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrBadSubscription
	}
	s.closed = true
	close(s.ch)
	for range s.ch {
	}
	s.mu.Unlock()

	s.c.subs.remove(s.sid)
	ctx, cancel := context.WithTimeout(context.Background(), s.c.opts.Session.WriteTimeout)
	defer cancel()
	err := s.c.conn.SendAck(ctx, &protocol.Unsub{SID: s.sidString()})
	if errors.Is(err, conn.ErrNotConnected) || errors.Is(err, conn.ErrClosed) {
		return nil
	}
	return err
}

// AutoUnsubscribe expires the subscription after max total deliveries. A
// max already reached unsubscribes immediately.
func (s *Subscription) AutoUnsubscribe(max uint64) error {
	if max == 0 {
		return fmt.Errorf("%w: max must be positive", ErrInvalidOption)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrBadSubscription
	}
	if s.delivered >= max {
		s.mu.Unlock()
		return s.Unsubscribe()
	}
	s.max = max
	s.mu.Unlock()
	return nil
}

func (s *Subscription) Delivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Dropped counts messages discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Pending() int {
	return len(s.ch)
}

func (s *Subscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Subscription) Subject() string { return s.subject }
func (s *Subscription) Queue() string   { return s.queue }
func (s *Subscription) ID() uint64      { return s.sid }

func (s *Subscription) sidString() string {
	return strconv.FormatUint(s.sid, 10)
}

// push runs on the connection reader and never blocks. It reports whether
// the subscription has just reached its delivery limit.
func (s *Subscription) push(m *Msg) (accepted, exhausted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	s.delivered++
	exhausted = s.max > 0 && s.delivered >= s.max
	if exhausted {
		s.closed = true
		s.c.subs.expire(s)
	}

	select {
	case s.ch <- m:
	default:
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
		s.ch <- m
		s.markSlow()
	}
	if s.slow && len(s.ch) < cap(s.ch)/2 {
		s.slow = false
	}
	if exhausted {
		close(s.ch)
	}
	return true, exhausted
}

func (s *Subscription) markSlow() {
	s.slow = true
	observability.RecordDrop(s.c.conn.Label(), observability.DropSlowConsumer)
	dropped := s.dropped
	s.report.Do(func() {
		s.c.reportErr(&SlowConsumerError{Subject: s.subject, SID: s.sid, Dropped: dropped})
	})
}

func (s *Subscription) afterReceive() {
	s.mu.Lock()
	if s.slow && len(s.ch) < cap(s.ch)/2 {
		s.slow = false
	}
	s.mu.Unlock()
}

// closeQueue ends delivery without telling the server, used when the whole
// connection is going away.
func (s *Subscription) closeQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// registry maps sids to live subscriptions. Sids come from a counter and
// are never reused within one Client.
type registry struct {
	c    *Client
	mu   sync.Mutex
	next uint64
	subs map[uint64]*Subscription
}

func newRegistry(c *Client) *registry {
	return &registry{c: c, subs: make(map[uint64]*Subscription)}
}

func (r *registry) add(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	sub.sid = r.next
	r.subs[sub.sid] = sub
}

func (r *registry) remove(sid uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, sid)
}

func (r *registry) lookup(sid uint64) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[sid]
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// expire removes an exhausted subscription and queues its single UNSUB
// ahead of the message that exhausted it. Called with sub.mu held.
func (r *registry) expire(sub *Subscription) {
	r.remove(sub.sid)
	unsub := &protocol.Unsub{SID: sub.sidString()}
	ok, err := r.c.conn.TrySend(unsub)
	if err != nil || ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.c.opts.Session.WriteTimeout)
		defer cancel()
		if err := r.c.conn.Send(ctx, unsub); err != nil {
			logs.Debugf("client unsub after expiry sid=%d err=%v", sub.sid, err)
		}
	}()
}

func (r *registry) deliver(pm *protocol.Msg) {
	sid, err := strconv.ParseUint(pm.SID, 10, 64)
	var sub *Subscription
	if err == nil {
		sub = r.lookup(sid)
	}
	if sub == nil {
		observability.RecordDrop(r.c.conn.Label(), observability.DropUnknownSID)
		logs.Tracef("client dropped message for unknown sid=%s subject=%s", pm.SID, pm.Subject)
		return
	}
	m := &Msg{Subject: pm.Subject, Reply: pm.Reply, Data: pm.Payload, Sub: sub}
	if accepted, _ := sub.push(m); !accepted {
		observability.RecordDrop(r.c.conn.Label(), observability.DropUnknownSID)
	}
}

// frames returns one SUB per live subscription in sid order.
func (r *registry) frames() []protocol.Frame {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].sid < subs[j].sid })

	out := make([]protocol.Frame, 0, len(subs))
	for _, sub := range subs {
		out = append(out, &protocol.Sub{Subject: sub.subject, Queue: sub.queue, SID: sub.sidString()})
	}
	return out
}

func (r *registry) closeAll() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for sid, sub := range r.subs {
		subs = append(subs, sub)
		delete(r.subs, sid)
	}
	r.mu.Unlock()
	for _, sub := range subs {
		sub.closeQueue()
	}
}
