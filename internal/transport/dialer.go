package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"
)

var ErrUpgradeUnsupported = errors.New("transport: tls upgrade unsupported")

// Dialer opens streams and upgrades them to TLS in place.
type Dialer interface {
	// Dial opens a raw stream. tlsCfg is only consulted by transports that
	// must negotiate TLS before the first protocol byte.
	Dial(ctx context.Context, ep Endpoint, tlsCfg *tls.Config) (net.Conn, error)
	Upgrade(ctx context.Context, c net.Conn, tlsCfg *tls.Config) (net.Conn, error)
}

// IsSecure reports whether c already runs over TLS.
func IsSecure(c net.Conn) bool {
	switch v := c.(type) {
	case *tls.Conn:
		return true
	case *wsConn:
		return v.secure
	default:
		return false
	}
}

// NetDialer dials TCP.
type NetDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

func (d NetDialer) Dial(ctx context.Context, ep Endpoint, _ *tls.Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	return dialer.DialContext(ctx, "tcp", ep.Host)
}

func (d NetDialer) Upgrade(ctx context.Context, c net.Conn, tlsCfg *tls.Config) (net.Conn, error) {
	return upgradeTLS(ctx, c, tlsCfg)
}

func upgradeTLS(ctx context.Context, c net.Conn, tlsCfg *tls.Config) (net.Conn, error) {
	if IsSecure(c) {
		return c, nil
	}
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	conn := tls.Client(c, tlsCfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return conn, nil
}

// SchemeDialer routes ws/wss endpoints to WebSocket and everything else to TCP.
type SchemeDialer struct {
	TCP NetDialer
	WS  WebSocketDialer
}

// NewDialer returns the default scheme-routing dialer.
func NewDialer(timeout time.Duration) *SchemeDialer {
	return &SchemeDialer{
		TCP: NetDialer{Timeout: timeout, KeepAlive: 30 * time.Second},
		WS:  WebSocketDialer{Timeout: timeout},
	}
}

func (d *SchemeDialer) Dial(ctx context.Context, ep Endpoint, tlsCfg *tls.Config) (net.Conn, error) {
	switch ep.Scheme {
	case SchemeWS, SchemeWSS:
		return d.WS.Dial(ctx, ep, tlsCfg)
	default:
		return d.TCP.Dial(ctx, ep, tlsCfg)
	}
}

func (d *SchemeDialer) Upgrade(ctx context.Context, c net.Conn, tlsCfg *tls.Config) (net.Conn, error) {
	if _, ok := c.(*wsConn); ok {
		return d.WS.Upgrade(ctx, c, tlsCfg)
	}
	return d.TCP.Upgrade(ctx, c, tlsCfg)
}
