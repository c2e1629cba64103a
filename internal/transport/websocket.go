package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

// closeGrace bounds the close handshake before the socket is cut.
var closeGrace = 100 * time.Millisecond

// WebSocketDialer carries the protocol inside binary WebSocket messages.
type WebSocketDialer struct {
	Timeout time.Duration
	Header  http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, ep Endpoint, tlsCfg *tls.Config) (net.Conn, error) {
	dialer := ws.Dialer{
		HandshakeTimeout: d.Timeout,
		TLSClientConfig:  tlsCfg,
		Proxy:            http.ProxyFromEnvironment,
	}
	target := *ep.URL
	target.User = nil
	target.Host = ep.Host
	raw, resp, err := dialer.DialContext(ctx, target.String(), d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(raw, ep.Scheme == SchemeWSS), nil
}

// Upgrade is a no-op for wss streams; plain ws streams cannot switch to TLS.
func (d WebSocketDialer) Upgrade(_ context.Context, c net.Conn, _ *tls.Config) (net.Conn, error) {
	if IsSecure(c) {
		return c, nil
	}
	return nil, ErrUpgradeUnsupported
}

var _ net.Conn = (*wsConn)(nil)

type wsConn struct {
	*ws.Conn
	secure    bool
	reader    io.Reader
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWebSocketConn adapts a gorilla connection to a byte stream. It is also
// used by test servers on the accept side.
func NewWebSocketConn(raw *ws.Conn, secure bool) net.Conn {
	return &wsConn{Conn: raw, secure: secure}
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			if err := c.nextReader(); err != nil {
				return 0, err
			}
		}
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) nextReader() error {
	t, r, err := c.Conn.NextReader()
	if err != nil {
		if ce, ok := err.(*ws.CloseError); ok {
			if ce.Code == ws.CloseNormalClosure || ce.Code == ws.CloseNoStatusReceived {
				return io.EOF
			}
		}
		return err
	}
	if t == ws.CloseMessage {
		return io.EOF
	}
	c.reader = r
	return nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Conn.WriteMessage(ws.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.Conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(closeGrace))
		err = c.Conn.Close()
	})
	return err
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(t)
}
