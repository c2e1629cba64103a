package streaming

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/edgebus/client"
	logs "github.com/danmuck/edgebus/internal/logging"
	"github.com/danmuck/edgebus/internal/observability"
	"github.com/danmuck/edgebus/internal/protocol"
)

// Conn is a registered streaming session over a pub/sub client. The client
// stays owned by the caller and must outlive the Conn.
type Conn struct {
	nc        *client.Client
	clusterID string
	clientID  string
	connID    []byte
	opts      Options
	ownStore  bool

	info       ConnectResponse
	hbSub      *client.Subscription
	ackSub     *client.Subscription
	ackSubject string

	pubs     *outbox
	seq      atomic.Uint64
	inflight chan struct{}

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// Connect registers clientID with the streaming cluster reachable over nc.
func Connect(ctx context.Context, nc *client.Client, clusterID, clientID string, opts ...Option) (*Conn, error) {
	if nc == nil {
		return nil, ErrNilConnection
	}
	if strings.TrimSpace(clusterID) == "" {
		return nil, ErrMissingClusterID
	}
	if err := protocol.CheckSubject(clientID); err != nil || strings.Contains(clientID, ".") {
		return nil, ErrInvalidClientID
	}
	o := DefaultOptions()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.MaxPubAcksInFlight <= 0 || o.PubAckWait <= 0 || o.ConnectWait <= 0 {
		return nil, fmt.Errorf("%w: waits and in-flight limit must be positive", ErrInvalidOption)
	}

	sc := &Conn{
		nc:         nc,
		clusterID:  clusterID,
		clientID:   clientID,
		connID:     []byte(uuid.NewString()),
		opts:       o,
		ackSubject: AckPrefix + "." + uuid.NewString(),
		pubs:       newOutbox(),
		inflight:   make(chan struct{}, o.MaxPubAcksInFlight),
		subs:       make(map[*Subscription]struct{}),
		closing:    make(chan struct{}),
	}
	if o.Store == nil && o.StorePath != "" {
		store, err := OpenLevelDBStore(o.StorePath)
		if err != nil {
			return nil, err
		}
		sc.opts.Store = store
		sc.ownStore = true
	}
	if err := sc.register(ctx); err != nil {
		sc.teardown()
		return nil, err
	}
	logs.Infof("streaming connected cluster=%s client=%s pub_prefix=%s", clusterID, clientID, sc.info.PubPrefix)
	return sc, nil
}

func (sc *Conn) register(ctx context.Context) error {
	hbInbox := client.NewInbox()
	var err error
	sc.hbSub, err = sc.nc.Subscribe(hbInbox, client.WithHandler(func(m *client.Msg) {
		if err := m.Respond(nil); err != nil {
			logs.Debugf("streaming heartbeat reply client=%s err=%v", sc.clientID, err)
		}
	}))
	if err != nil {
		return err
	}
	sc.ackSub, err = sc.nc.Subscribe(sc.ackSubject, client.WithHandler(sc.processAck))
	if err != nil {
		return err
	}

	req := &ConnectRequest{
		ClientID:       sc.clientID,
		HeartbeatInbox: hbInbox,
		Protocol:       ProtocolOne,
		ConnID:         sc.connID,
	}
	ctx, cancel := context.WithTimeout(ctx, sc.opts.ConnectWait)
	defer cancel()
	reply, err := sc.nc.Request(ctx, DiscoverPrefix+"."+sc.clusterID, req.Marshal())
	if err != nil {
		if errors.Is(err, client.ErrTimeout) {
			return fmt.Errorf("%w: %w", ErrConnectReqTimeout, err)
		}
		return err
	}
	var resp ConnectResponse
	if err := resp.Unmarshal(reply.Data); err != nil {
		return err
	}
	if resp.Error != "" {
		return &ServerError{Op: "connect", Reason: resp.Error}
	}
	sc.info = resp
	return nil
}

func (sc *Conn) ClientID() string { return sc.clientID }

func (sc *Conn) ClusterID() string { return sc.clusterID }

// Client returns the underlying pub/sub client.
func (sc *Conn) Client() *client.Client { return sc.nc }

// Publish sends data on subject and blocks until the server acknowledges it.
func (sc *Conn) Publish(ctx context.Context, subject string, data []byte) error {
	item, err := sc.send(ctx, subject, data)
	if err != nil {
		return err
	}
	return sc.await(ctx, item)
}

// PublishAsync sends data and returns immediately with the envelope guid and
// a channel that receives the outcome exactly once.
func (sc *Conn) PublishAsync(ctx context.Context, subject string, data []byte) (string, <-chan error, error) {
	item, err := sc.send(ctx, subject, data)
	if err != nil {
		return "", nil, err
	}
	result := make(chan error, 1)
	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		result <- sc.await(context.Background(), item)
	}()
	return item.GUID, result, nil
}

// Pending lists publishes still waiting for a PubAck, in sequence order.
func (sc *Conn) Pending() []PendingPub {
	return sc.pubs.list()
}

func (sc *Conn) send(ctx context.Context, subject string, data []byte) (*PendingPub, error) {
	if err := protocol.CheckSubject(subject); err != nil {
		return nil, err
	}
	select {
	case <-sc.closing:
		return nil, ErrConnectionClosed
	default:
	}
	select {
	case sc.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sc.closing:
		return nil, ErrConnectionClosed
	}

	now := time.Now()
	seq := sc.seq.Add(1)
	env := &PubMsg{
		ClientID: sc.clientID,
		GUID:     uuid.NewString(),
		Subject:  subject,
		Data:     data,
		ConnID:   sc.connID,
		Sequence: seq,
	}
	item := &PendingPub{
		GUID:          env.GUID,
		Subject:       subject,
		Sequence:      seq,
		Attempts:      1,
		QueuedAt:      now,
		LastAttemptAt: now,
		AckDeadlineAt: now.Add(sc.opts.PubAckWait),
		payload:       env.Marshal(),
		done:          make(chan error, 1),
	}
	sc.pubs.upsert(item)
	if err := sc.transmit(ctx, item); err != nil {
		sc.pubs.take(item.GUID)
		<-sc.inflight
		return nil, err
	}
	return item, nil
}

func (sc *Conn) transmit(ctx context.Context, item *PendingPub) error {
	return sc.nc.PublishContext(ctx, sc.info.PubPrefix+"."+item.Subject, sc.ackSubject, item.payload)
}

// await waits for item's PubAck, resending on expiry while the redelivery
// budget lasts.
func (sc *Conn) await(ctx context.Context, item *PendingPub) error {
	timer := time.NewTimer(sc.opts.PubAckWait)
	defer timer.Stop()
	for {
		select {
		case err := <-item.done:
			return err
		case <-timer.C:
			if item.Attempts > sc.opts.PublishRedelivery {
				if _, ok := sc.pubs.take(item.GUID); !ok {
					return <-item.done
				}
				sc.finish(item, "timeout")
				return fmt.Errorf("%w: guid=%s after %d attempts", ErrAckTimeout, item.GUID, item.Attempts)
			}
			snap, ok := sc.pubs.markAttempt(item.GUID, time.Now(), sc.opts.PubAckWait, "ack timeout")
			if !ok {
				return <-item.done
			}
			logs.Debugf("streaming resend guid=%s attempt=%d", item.GUID, snap.Attempts)
			if err := sc.transmit(ctx, item); err != nil {
				logs.Warnf("streaming resend guid=%s err=%v", item.GUID, err)
			}
			timer.Reset(sc.opts.PubAckWait)
		case <-ctx.Done():
			if _, ok := sc.pubs.take(item.GUID); !ok {
				return <-item.done
			}
			sc.finish(item, "canceled")
			return ctx.Err()
		}
	}
}

// finish releases the in-flight slot of an item already taken from the outbox.
func (sc *Conn) finish(item *PendingPub, outcome string) {
	<-sc.inflight
	observability.RecordStreamAck(sc.clientID, outcome, time.Since(item.QueuedAt))
}

func (sc *Conn) processAck(m *client.Msg) {
	var ack PubAck
	if err := ack.Unmarshal(m.Data); err != nil {
		logs.Warnf("streaming bad pub ack client=%s err=%v", sc.clientID, err)
		return
	}
	item, ok := sc.pubs.take(ack.GUID)
	if !ok {
		return
	}
	var err error
	outcome := "ok"
	if ack.Error != "" {
		err = fmt.Errorf("%w: %w", ErrPublishAckDeclined, &ServerError{Op: "publish", Reason: ack.Error})
		outcome = "error"
	}
	sc.finish(item, outcome)
	item.done <- err
}

// Close deregisters the client from the cluster, fails outstanding
// publishes and ends every subscription. Durable positions are kept.
func (sc *Conn) Close(ctx context.Context) error {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil
	}
	sc.closed = true
	close(sc.closing)
	subs := make([]*Subscription, 0, len(sc.subs))
	for sub := range sc.subs {
		subs = append(subs, sub)
	}
	sc.subs = make(map[*Subscription]struct{})
	sc.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}

	var reqErr error
	if sc.info.CloseRequests != "" {
		req := &CloseRequest{ClientID: sc.clientID}
		rctx, cancel := context.WithTimeout(ctx, sc.opts.ConnectWait)
		reply, err := sc.nc.Request(rctx, sc.info.CloseRequests, req.Marshal())
		cancel()
		switch {
		case errors.Is(err, client.ErrTimeout):
			reqErr = fmt.Errorf("%w: %w", ErrCloseReqTimeout, err)
		case err != nil:
			reqErr = err
		default:
			var resp CloseResponse
			if err := resp.Unmarshal(reply.Data); err != nil {
				reqErr = err
			} else if resp.Error != "" {
				reqErr = &ServerError{Op: "close", Reason: resp.Error}
			}
		}
	}

	sc.teardown()
	for _, item := range sc.pubs.drain() {
		sc.finish(item, "closed")
		item.done <- ErrConnectionClosed
	}
	sc.wg.Wait()
	logs.Infof("streaming closed cluster=%s client=%s", sc.clusterID, sc.clientID)
	return reqErr
}

func (sc *Conn) teardown() {
	if sc.hbSub != nil {
		_ = sc.hbSub.Unsubscribe()
	}
	if sc.ackSub != nil {
		_ = sc.ackSub.Unsubscribe()
	}
	if sc.ownStore && sc.opts.Store != nil {
		if err := sc.opts.Store.Close(); err != nil {
			logs.Warnf("streaming close durable store err=%v", err)
		}
	}
}

func (sc *Conn) track(sub *Subscription) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return ErrConnectionClosed
	}
	sc.subs[sub] = struct{}{}
	return nil
}

func (sc *Conn) untrack(sub *Subscription) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.subs, sub)
}
