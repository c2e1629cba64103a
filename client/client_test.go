package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danmuck/edgebus/internal/config"
	"github.com/danmuck/edgebus/internal/protocol"
	"github.com/danmuck/edgebus/internal/testutil/natstest"
	"github.com/danmuck/edgebus/internal/testutil/testlog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func connect(t *testing.T, srv *natstest.Server, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		Name("client-test"),
		Timeout(time.Second),
		ReconnectBackoff(10*time.Millisecond, 50*time.Millisecond, false),
		MaxReconnects(-1),
	}
	c, err := Connect(srv.URL(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, what)
}

func TestPublishSubscribe(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	c := connect(t, srv)

	sub, err := c.Subscribe("orders.*")
	require.NoError(t, err)
	require.NoError(t, c.Publish("orders.new", []byte("o-1")))

	m, err := sub.NextTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "orders.new", m.Subject)
	assert.Equal(t, []byte("o-1"), m.Data)
	assert.Same(t, sub, m.Sub)
	assert.Equal(t, uint64(1), sub.Delivered())
	assert.Equal(t, "orders.*", sub.Subject())
	assert.True(t, sub.IsValid())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.OutMsgs)
	assert.Equal(t, uint64(1), stats.InMsgs)
	assert.Equal(t, StatusConnected, c.Status())
	assert.Equal(t, srv.URL(), c.ConnectedURL())
}

func TestSidsAreNeverReused(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	c := connect(t, srv)

	seen := make(map[uint64]bool)
	for i := 0; i < 5; i++ {
		sub, err := c.Subscribe("ids")
		require.NoError(t, err)
		require.False(t, seen[sub.ID()], "sid %d reused", sub.ID())
		seen[sub.ID()] = true
		require.NoError(t, sub.Unsubscribe())
	}
}

func TestInvalidArguments(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	c := connect(t, srv)

	_, err := c.Subscribe("bad subject")
	require.ErrorIs(t, err, protocol.ErrInvalidArgument)
	_, err = c.QueueSubscribe("ok", "")
	require.ErrorIs(t, err, protocol.ErrInvalidArgument)
	_, err = c.Subscribe("ok", WithPendingLimit(0))
	require.ErrorIs(t, err, ErrInvalidOption)
	require.ErrorIs(t, c.Publish("", nil), protocol.ErrInvalidArgument)
	assert.Zero(t, c.subs.count())
}

func TestMaxMessagesEmitsOneUnsubBeforeLastDelivery(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	c := connect(t, srv)

	sub, err := c.Subscribe("ticks", WithMaxMessages(3))
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	for i := 0; i < 5; i++ {
		srv.Publish("ticks", "", []byte(strconv.Itoa(i)))
	}

	var got []string
	for m := range sub.C() {
		got = append(got, string(m.Data))
	}
	assert.Equal(t, []string{"0", "1", "2"}, got)
	assert.Equal(t, uint64(3), sub.Delivered())
	assert.False(t, sub.IsValid())

	require.NoError(t, c.Flush())
	assert.Equal(t, 1, srv.Count(protocol.OpUnsub))
	assert.Zero(t, srv.Interest("ticks", ""))
	assert.Zero(t, c.subs.count())

	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, ErrBadSubscription)
	require.ErrorIs(t, sub.Unsubscribe(), ErrBadSubscription)
}

func TestAutoUnsubscribe(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	c := connect(t, srv)

	sub, err := c.Subscribe("auto")
	require.NoError(t, err)
	require.NoError(t, c.Publish("auto", []byte("a")))
	_, err = sub.NextTimeout(2 * time.Second)
	require.NoError(t, err)

	require.NoError(t, sub.AutoUnsubscribe(2))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Publish("auto", []byte("b")))
	}
	_, err = sub.NextTimeout(2 * time.Second)
	require.NoError(t, err)
	_, err = sub.NextTimeout(2 * time.Second)
	require.ErrorIs(t, err, ErrBadSubscription)
	assert.Equal(t, uint64(2), sub.Delivered())

	done, err := c.Subscribe("auto")
	require.NoError(t, err)
	require.NoError(t, c.Publish("auto", []byte("c")))
	eventually(t, "delivery", func() bool { return done.Delivered() == 1 })
	require.NoError(t, done.AutoUnsubscribe(1))
	assert.False(t, done.IsValid())
}

func TestUnsubscribedQueueMemberStopsReceiving(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	c := connect(t, srv)

	a, err := c.QueueSubscribe("work", "workers")
	require.NoError(t, err)
	b, err := c.QueueSubscribe("work", "workers")
	require.NoError(t, err)
	assert.Equal(t, "workers", a.Queue())

	for i := 0; i < 30; i++ {
		require.NoError(t, c.Publish("work", []byte("job")))
	}
	eventually(t, "first batch", func() bool { return a.Delivered()+b.Delivered() == 30 })
	require.NotZero(t, a.Delivered())
	require.NotZero(t, b.Delivered())

	aDelivered := a.Delivered()
	bBefore := b.Delivered()
	require.NoError(t, a.Unsubscribe())
	require.ErrorIs(t, a.Unsubscribe(), ErrBadSubscription)
	require.NoError(t, c.Flush())
	assert.Equal(t, 1, srv.Interest("work", "workers"))

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Publish("work", []byte("job")))
	}
	eventually(t, "second batch", func() bool { return b.Delivered() == bBefore+10 })
	assert.Equal(t, aDelivered, a.Delivered())
	_, err = a.Next(context.Background())
	require.ErrorIs(t, err, ErrBadSubscription)
}

func TestUnknownSidIsDropped(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	c := connect(t, srv)

	sub, err := c.Subscribe("late")
	require.NoError(t, err)
	require.NoError(t, c.Flush())
	sid := sub.ID()
	require.NoError(t, sub.Unsubscribe())

	c.subs.deliver(&protocol.Msg{Subject: "late", SID: strconv.FormatUint(sid, 10), Payload: []byte("x")})
	c.subs.deliver(&protocol.Msg{Subject: "late", SID: "not-a-sid"})
	assert.Equal(t, uint64(0), sub.Delivered())
	assert.True(t, c.IsConnected())
}

func TestRequestReply(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	c := connect(t, srv)

	_, err := c.Subscribe("svc.upper", WithHandler(func(m *Msg) {
		_ = m.Respond(bytes.ToUpper(m.Data))
	}))
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	resp, err := c.RequestTimeout("svc.upper", []byte("hello"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO"), resp.Data)
	assert.Contains(t, resp.Subject, InboxPrefix)

	require.NoError(t, c.Flush())
	assert.Equal(t, 1, c.subs.count())
}

func TestConcurrentRequestsUseDistinctInboxes(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	c := connect(t, srv)

	_, err := c.Subscribe("svc.echo", WithHandler(func(m *Msg) {
		_ = m.Respond(m.Data)
	}))
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("req-%d", i)
			resp, err := c.RequestTimeout("svc.echo", []byte(want), 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if string(resp.Data) != want {
				errs <- fmt.Errorf("request %d got %q", i, resp.Data)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 1, c.subs.count())
}

func TestRequestTimeoutRemovesInbox(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	c := connect(t, srv)

	_, err := c.RequestTimeout("nobody.home", []byte("ping"), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.subs.count())
	require.NoError(t, c.Flush())
	assert.Equal(t, 1, srv.Count(protocol.OpUnsub))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Request(ctx, "nobody.home", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.subs.count())
}

func TestSlowConsumerDropsOldest(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	reports := make(chan error, 16)
	c := connect(t, srv, ErrorHandler(func(_ *Client, err error) { reports <- err }))

	sub, err := c.Subscribe("flood", WithPendingLimit(4))
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	for i := 0; i < 10; i++ {
		srv.Publish("flood", "", []byte(strconv.Itoa(i)))
	}
	eventually(t, "all routed", func() bool { return sub.Delivered() == 10 })
	assert.Equal(t, uint64(6), sub.Dropped())
	assert.Equal(t, 4, sub.Pending())

	for _, want := range []string{"6", "7", "8", "9"} {
		m, err := sub.NextTimeout(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, string(m.Data))
	}

	select {
	case err := <-reports:
		require.ErrorIs(t, err, ErrSlowConsumer)
		var sce *SlowConsumerError
		require.True(t, errors.As(err, &sce))
		assert.Equal(t, sub.ID(), sce.SID)
		assert.Equal(t, "flood", sce.Subject)
	case <-time.After(2 * time.Second):
		t.Fatalf("no slow consumer report")
	}
	assert.True(t, c.IsConnected())
}

func TestPayloadTooLargeIsRejectedLocally(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{MaxPayload: 16})
	c := connect(t, srv)

	assert.Equal(t, int64(16), c.MaxPayload())
	err := c.Publish("big", bytes.Repeat([]byte("x"), 17))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	require.NoError(t, c.Publish("big", bytes.Repeat([]byte("x"), 16)))
	require.NoError(t, c.Flush())
	assert.Equal(t, 1, srv.Count(protocol.OpPub))
	assert.True(t, c.IsConnected())
}

func TestVerbosePublishWaitsForAck(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	c := connect(t, srv, Verbose(), NoEcho())

	sub, err := c.Subscribe("v")
	require.NoError(t, err)
	require.NoError(t, c.Publish("v", []byte("1")))
	require.NoError(t, c.Flush())

	connects := srv.Connects()
	require.Len(t, connects, 1)
	assert.True(t, connects[0].Verbose)
	assert.False(t, connects[0].Echo)
	assert.Equal(t, "client-test", connects[0].Name)
	assert.Zero(t, sub.Delivered())
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	disconnected := make(chan struct{}, 4)
	reconnected := make(chan struct{}, 4)
	c := connect(t, srv,
		DisconnectedHandler(func(*Client) { disconnected <- struct{}{} }),
		ReconnectedHandler(func(*Client) { reconnected <- struct{}{} }),
	)

	sub, err := c.Subscribe("events.>")
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	srv.KillClients()
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatalf("no disconnect callback")
	}
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatalf("no reconnect callback")
	}
	eventually(t, "interest restored", func() bool { return srv.Interest("events.>", "") == 1 })

	srv.Publish("events.a.b", "", []byte("after"))
	m, err := sub.NextTimeout(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "events.a.b", m.Subject)
	assert.Equal(t, uint64(1), c.Stats().Reconnects)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	var closed sync.WaitGroup
	closed.Add(1)
	c := connect(t, srv, ClosedHandler(func(*Client) { closed.Done() }))

	sub, err := c.Subscribe("x", WithHandler(func(*Msg) {}))
	require.NoError(t, err)

	c.Close()
	c.Close()
	closed.Wait()
	assert.True(t, c.IsClosed())
	assert.False(t, sub.IsValid())
	require.ErrorIs(t, c.Publish("x", nil), ErrConnectionClosed)
	_, err = c.Subscribe("y")
	require.ErrorIs(t, err, ErrConnectionClosed)
	_, err = c.RequestTimeout("y", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnectWithConfigFile(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	path := filepath.Join(t.TempDir(), "edgebus.toml")
	require.NoError(t, config.WriteTemplate(path, false))

	c := connect(t, srv, ConfigFile(path), Name("from-file"), PendingLimit(8))
	assert.Equal(t, 8, c.Options().PendingLimit)
	connects := srv.Connects()
	require.Len(t, connects, 1)
	assert.Equal(t, "from-file", connects[0].Name)
	assert.Equal(t, "go", connects[0].Lang)
}

func TestConnectFailsWithoutServer(t *testing.T) {
	testlog.Start(t)
	srv := natstest.Run(t, natstest.Options{})
	url := srv.URL()
	srv.Shutdown()

	_, err := Connect(url, Timeout(200*time.Millisecond))
	require.Error(t, err)
}

func TestNewInboxIsUnique(t *testing.T) {
	testlog.Start(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		inbox := NewInbox()
		require.NoError(t, protocol.CheckSubject(inbox))
		require.False(t, seen[inbox])
		seen[inbox] = true
	}
}
