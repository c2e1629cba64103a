package streaming

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/edgebus/client"
)

const (
	fakePubPrefix = "_STAN.pub.fake"
	fakeSubReq    = "_STAN.sub.fake"
	fakeUnsubReq  = "_STAN.unsub.fake"
	fakeSubClose  = "_STAN.subclose.fake"
	fakeCloseReq  = "_STAN.close.fake"
	fakeSubAcks   = "_STAN.subacks.fake"
)

// fakeServer is a minimal streaming server built on a second client. It
// keeps one log per subject and serves subscriptions from it.
type fakeServer struct {
	t  *testing.T
	nc *client.Client

	mu        sync.Mutex
	hbInboxes map[string]string
	pubs      []PubMsg
	seen      map[string]bool
	log       map[string][]MsgProto
	subs      map[string]SubscriptionRequest
	subReqs   []SubscriptionRequest
	acks      []Ack
	dropAcks  int
	unsubs    int
	subCloses int
	closes    int
	nextSub   int
}

func runFake(t *testing.T, url, cluster string) *fakeServer {
	t.Helper()
	nc, err := client.Connect(url, client.Name("fake-streaming-server"))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	f := &fakeServer{
		t:         t,
		nc:        nc,
		hbInboxes: make(map[string]string),
		seen:      make(map[string]bool),
		log:       make(map[string][]MsgProto),
		subs:      make(map[string]SubscriptionRequest),
	}
	handlers := map[string]func(*client.Msg){
		DiscoverPrefix + "." + cluster: f.onConnect,
		fakePubPrefix + ".>":           f.onPublish,
		fakeSubReq:                     f.onSubscribe,
		fakeUnsubReq:                   f.onUnsubscribe(false),
		fakeSubClose:                   f.onUnsubscribe(true),
		fakeCloseReq:                   f.onClose,
		fakeSubAcks + ".>":             f.onAck,
	}
	for subject, fn := range handlers {
		_, err := nc.Subscribe(subject, client.WithHandler(fn))
		require.NoError(t, err)
	}
	require.NoError(t, nc.Flush())
	return f
}

func (f *fakeServer) onConnect(m *client.Msg) {
	var req ConnectRequest
	if err := req.Unmarshal(m.Data); err != nil {
		f.t.Errorf("fake: connect request: %v", err)
		return
	}
	f.mu.Lock()
	f.hbInboxes[req.ClientID] = req.HeartbeatInbox
	f.mu.Unlock()
	resp := &ConnectResponse{
		PubPrefix:        fakePubPrefix,
		SubRequests:      fakeSubReq,
		UnsubRequests:    fakeUnsubReq,
		CloseRequests:    fakeCloseReq,
		SubCloseRequests: fakeSubClose,
		Protocol:         ProtocolOne,
	}
	_ = m.Respond(resp.Marshal())
}

func (f *fakeServer) onPublish(m *client.Msg) {
	var pm PubMsg
	if err := pm.Unmarshal(m.Data); err != nil {
		f.t.Errorf("fake: pub msg: %v", err)
		return
	}
	f.mu.Lock()
	f.pubs = append(f.pubs, pm)
	if f.dropAcks > 0 {
		f.dropAcks--
		f.mu.Unlock()
		return
	}
	var out []SubscriptionRequest
	var env MsgProto
	fresh := !f.seen[pm.GUID]
	if fresh {
		f.seen[pm.GUID] = true
		env = MsgProto{
			Sequence:  uint64(len(f.log[pm.Subject]) + 1),
			Subject:   pm.Subject,
			Data:      pm.Data,
			Timestamp: time.Now().UnixNano(),
		}
		f.log[pm.Subject] = append(f.log[pm.Subject], env)
		for _, req := range f.subs {
			if req.Subject == pm.Subject {
				out = append(out, req)
			}
		}
	}
	f.mu.Unlock()

	ack := &PubAck{GUID: pm.GUID, Sequence: pm.Sequence}
	_ = m.Respond(ack.Marshal())
	for _, req := range out {
		_ = f.nc.Publish(req.Inbox, env.Marshal())
	}
}

func (f *fakeServer) onSubscribe(m *client.Msg) {
	var req SubscriptionRequest
	if err := req.Unmarshal(m.Data); err != nil {
		f.t.Errorf("fake: subscription request: %v", err)
		return
	}
	f.mu.Lock()
	f.nextSub++
	ackInbox := fakeSubAcks + "." + strconv.Itoa(f.nextSub)
	f.subs[ackInbox] = req
	f.subReqs = append(f.subReqs, req)
	log := append([]MsgProto(nil), f.log[req.Subject]...)
	f.mu.Unlock()

	_ = m.Respond((&SubscriptionResponse{AckInbox: ackInbox}).Marshal())

	var backlog []MsgProto
	switch req.StartPosition {
	case StartFirst, StartTimeDelta:
		backlog = log
	case StartSequence:
		for _, env := range log {
			if env.Sequence >= req.StartSequence {
				backlog = append(backlog, env)
			}
		}
	case StartLastReceived:
		if len(log) > 0 {
			backlog = log[len(log)-1:]
		}
	}
	for _, env := range backlog {
		_ = f.nc.Publish(req.Inbox, env.Marshal())
	}
}

func (f *fakeServer) onUnsubscribe(closeOnly bool) func(*client.Msg) {
	return func(m *client.Msg) {
		var req UnsubscribeRequest
		if err := req.Unmarshal(m.Data); err != nil {
			f.t.Errorf("fake: unsubscribe request: %v", err)
			return
		}
		f.mu.Lock()
		delete(f.subs, req.Inbox)
		if closeOnly {
			f.subCloses++
		} else {
			f.unsubs++
		}
		f.mu.Unlock()
		_ = m.Respond((&SubscriptionResponse{}).Marshal())
	}
}

func (f *fakeServer) onClose(m *client.Msg) {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	_ = m.Respond((&CloseResponse{}).Marshal())
}

func (f *fakeServer) onAck(m *client.Msg) {
	var a Ack
	if err := a.Unmarshal(m.Data); err != nil {
		f.t.Errorf("fake: ack: %v", err)
		return
	}
	f.mu.Lock()
	f.acks = append(f.acks, a)
	f.mu.Unlock()
}

func (f *fakeServer) setDropAcks(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropAcks = n
}

func (f *fakeServer) published() []PubMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PubMsg(nil), f.pubs...)
}

func (f *fakeServer) ackedSequences() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, 0, len(f.acks))
	for _, a := range f.acks {
		out = append(out, a.Sequence)
	}
	return out
}

func (f *fakeServer) lastSubRequest() SubscriptionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subReqs) == 0 {
		return SubscriptionRequest{}
	}
	return f.subReqs[len(f.subReqs)-1]
}

func (f *fakeServer) counts() (unsubs, subCloses, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubs, f.subCloses, f.closes
}

func (f *fakeServer) heartbeatInbox(clientID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hbInboxes[clientID]
}
