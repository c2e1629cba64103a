package streaming

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/edgebus/client"
	logs "github.com/danmuck/edgebus/internal/logging"
	"github.com/danmuck/edgebus/internal/protocol"
)

// Msg is one sequenced delivery.
type Msg struct {
	MsgProto
	Sub *Subscription
}

// Ack acknowledges the message to the server and advances a durable
// subscription's stored position. Messages on an auto-ack subscription are
// acknowledged once queued for the reader and return ErrManualAckRequired.
func (m *Msg) Ack(ctx context.Context) error {
	if m.Sub == nil {
		return ErrBadSubscription
	}
	if !m.Sub.opts.ManualAcks {
		return ErrManualAckRequired
	}
	return m.Sub.ack(ctx, m.Sequence)
}

// Subscription receives MsgProto envelopes on a private inbox.
type Subscription struct {
	sc      *Conn
	subject string
	inbox   string
	opts    SubscriptionOptions
	nsub    *client.Subscription

	ready    chan struct{}
	ackInbox string
	durable  string

	ch   chan *Msg
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	unacked  map[uint64]*Msg
	lastAck  uint64
	received uint64
}

// Subscribe asks the server for a new subscription on subject.
func (sc *Conn) Subscribe(ctx context.Context, subject string, opts ...SubOption) (*Subscription, error) {
	if err := protocol.CheckSubject(subject); err != nil {
		return nil, err
	}
	so := SubscriptionOptions{
		MaxInFlight: sc.opts.DefaultMaxInFlight,
		AckWait:     sc.opts.DefaultAckWait,
	}
	for _, opt := range opts {
		if err := opt(&so); err != nil {
			return nil, err
		}
	}
	if so.MaxInFlight <= 0 {
		so.MaxInFlight = DefaultOptions().DefaultMaxInFlight
	}
	if so.AckWait < time.Second {
		so.AckWait = DefaultOptions().DefaultAckWait
	}

	sub := &Subscription{
		sc:      sc,
		subject: subject,
		inbox:   client.NewInbox(),
		opts:    so,
		ready:   make(chan struct{}),
		ch:      make(chan *Msg, so.MaxInFlight),
		done:    make(chan struct{}),
		unacked: make(map[uint64]*Msg),
	}
	if so.DurableName != "" {
		sub.durable = DurableKey(sc.clientID, so.DurableName, subject)
		if err := sub.resumePosition(); err != nil {
			return nil, err
		}
	}
	if err := sc.track(sub); err != nil {
		return nil, err
	}

	nsub, err := sc.nc.Subscribe(sub.inbox, client.WithHandler(sub.process))
	if err != nil {
		sc.untrack(sub)
		return nil, err
	}
	sub.mu.Lock()
	sub.nsub = nsub
	closed := sub.closed
	sub.mu.Unlock()
	if closed {
		_ = nsub.Unsubscribe()
		return nil, ErrConnectionClosed
	}
	if err := sub.request(ctx); err != nil {
		sc.untrack(sub)
		sub.shutdown()
		return nil, err
	}
	close(sub.ready)
	logs.Debugf("streaming subscribed client=%s subject=%s start=%s durable=%q",
		sc.clientID, subject, sub.opts.StartAt, so.DurableName)
	return sub, nil
}

// resumePosition starts a durable subscription after its stored position.
func (s *Subscription) resumePosition() error {
	store := s.sc.opts.Store
	if store == nil {
		return nil
	}
	seq, ok, err := store.Load(s.durable)
	if err != nil {
		return err
	}
	if ok {
		s.opts.StartAt = StartSequence
		s.opts.StartSequence = seq + 1
		s.lastAck = seq
	}
	return nil
}

func (s *Subscription) request(ctx context.Context) error {
	req := &SubscriptionRequest{
		ClientID:      s.sc.clientID,
		Subject:       s.subject,
		QGroup:        s.opts.QueueGroup,
		Inbox:         s.inbox,
		MaxInFlight:   int32(s.opts.MaxInFlight),
		AckWaitInSecs: int32(s.opts.AckWait / time.Second),
		DurableName:   s.opts.DurableName,
		StartPosition: s.opts.StartAt,
	}
	switch s.opts.StartAt {
	case StartSequence:
		req.StartSequence = s.opts.StartSequence
	case StartTimeDelta:
		req.StartTimeDelta = int64(s.opts.StartTimeDelta)
	}
	ctx, cancel := context.WithTimeout(ctx, s.sc.opts.ConnectWait)
	defer cancel()
	reply, err := s.sc.nc.Request(ctx, s.sc.info.SubRequests, req.Marshal())
	if err != nil {
		if errors.Is(err, client.ErrTimeout) {
			return fmt.Errorf("%w: %w", ErrSubReqTimeout, err)
		}
		return err
	}
	var resp SubscriptionResponse
	if err := resp.Unmarshal(reply.Data); err != nil {
		return err
	}
	if resp.Error != "" {
		return &ServerError{Op: "subscribe", Reason: resp.Error}
	}
	s.ackInbox = resp.AckInbox
	return nil
}

// process runs on the inbox handler goroutine, one message at a time.
func (s *Subscription) process(m *client.Msg) {
	select {
	case <-s.ready:
	case <-s.done:
		return
	}
	var env MsgProto
	if err := env.Unmarshal(m.Data); err != nil {
		logs.Warnf("streaming bad message subject=%s err=%v", s.subject, err)
		return
	}
	msg := &Msg{MsgProto: env, Sub: s}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.received++
	if s.opts.ManualAcks {
		s.unacked[env.Sequence] = msg
	}
	s.mu.Unlock()

	if err := s.deliver(context.Background(), msg); err != nil {
		return
	}
	if !s.opts.ManualAcks {
		ctx, cancel := context.WithTimeout(context.Background(), s.sc.opts.PubAckWait)
		if err := s.ack(ctx, env.Sequence); err != nil {
			logs.Warnf("streaming auto ack subject=%s seq=%d err=%v", s.subject, env.Sequence, err)
		}
		cancel()
	}
}

func (s *Subscription) deliver(ctx context.Context, msg *Msg) error {
	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return ErrBadSubscription
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ack publishes the Ack first. Local state only moves once the server has
// been told, so a failed ack stays available to Redeliver.
func (s *Subscription) ack(ctx context.Context, seq uint64) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrBadSubscription
	}

	a := &Ack{Subject: s.subject, Sequence: seq}
	if err := s.sc.nc.PublishContext(ctx, s.ackInbox, "", a.Marshal()); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.unacked, seq)
	if seq > s.lastAck {
		s.lastAck = seq
	}
	s.mu.Unlock()
	if s.durable != "" && s.sc.opts.Store != nil {
		return s.sc.opts.Store.Save(s.durable, seq)
	}
	return nil
}

// Next blocks for the next message. Messages still queued when the
// subscription ends are discarded.
func (s *Subscription) Next(ctx context.Context) (*Msg, error) {
	select {
	case <-s.done:
		return nil, ErrBadSubscription
	default:
	}
	select {
	case m := <-s.ch:
		return m, nil
	case <-s.done:
		return nil, ErrBadSubscription
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// C exposes the delivery channel. It is never closed; select on Done too.
func (s *Subscription) C() <-chan *Msg { return s.ch }

// Done is closed once the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unacked lists delivered messages not yet acknowledged, in sequence order.
// It is always empty for auto-ack subscriptions.
func (s *Subscription) Unacked() []*Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Msg, 0, len(s.unacked))
	for _, m := range s.unacked {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Redeliver queues every unacknowledged message for local delivery again,
// marked redelivered. It only runs when called.
func (s *Subscription) Redeliver(ctx context.Context) (int, error) {
	n := 0
	for _, m := range s.Unacked() {
		again := &Msg{MsgProto: m.MsgProto, Sub: s}
		again.Redelivered = true
		again.RedeliveryCount++
		s.mu.Lock()
		if _, ok := s.unacked[m.Sequence]; ok {
			s.unacked[m.Sequence] = again
		}
		s.mu.Unlock()
		if err := s.deliver(ctx, again); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// LastAcked is the highest sequence acknowledged through this subscription
// or resumed from the durable store.
func (s *Subscription) LastAcked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

func (s *Subscription) Received() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *Subscription) Subject() string { return s.subject }

// Unsubscribe removes the interest on the server, durable state included,
// and deletes the stored position.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if err := s.end(ctx, s.sc.info.UnsubRequests); err != nil {
		return err
	}
	if s.durable != "" && s.sc.opts.Store != nil {
		return s.sc.opts.Store.Delete(s.durable)
	}
	return nil
}

// Close stops delivery but keeps durable interest so a later subscription
// with the same durable name resumes.
func (s *Subscription) Close(ctx context.Context) error {
	if s.sc.info.SubCloseRequests == "" {
		return ErrNoServerSupport
	}
	return s.end(ctx, s.sc.info.SubCloseRequests)
}

func (s *Subscription) end(ctx context.Context, subject string) error {
	if !s.shutdown() {
		return ErrBadSubscription
	}
	s.sc.untrack(s)

	req := &UnsubscribeRequest{
		ClientID:    s.sc.clientID,
		Subject:     s.subject,
		Inbox:       s.ackInbox,
		DurableName: s.opts.DurableName,
	}
	ctx, cancel := context.WithTimeout(ctx, s.sc.opts.ConnectWait)
	defer cancel()
	reply, err := s.sc.nc.Request(ctx, subject, req.Marshal())
	if err != nil {
		return err
	}
	var resp SubscriptionResponse
	if err := resp.Unmarshal(reply.Data); err != nil {
		return err
	}
	if resp.Error != "" {
		return &ServerError{Op: "unsubscribe", Reason: resp.Error}
	}
	return nil
}

// shutdown stops local delivery and drops the inbox subscription. It
// reports false when already stopped.
func (s *Subscription) shutdown() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	close(s.done)
	nsub := s.nsub
	s.mu.Unlock()
	if nsub != nil {
		_ = nsub.Unsubscribe()
	}
	return true
}
