package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/edgebus/internal/auth"
	"github.com/danmuck/edgebus/internal/protocol"
	"github.com/danmuck/edgebus/internal/protocol/session"
	"github.com/danmuck/edgebus/internal/transport"
)

const writeBufferSize = 32 * 1024

// link is one transport lifetime. Everything but conn and dec is owned by
// the writer.
type link struct {
	ep   *endpoint
	conn net.Conn
	bw   *bufio.Writer
	dec  *protocol.Decoder
	info protocol.ServerInfo

	acks     []chan error
	pongs    []chan error
	pingsOut int
	fatal    error
}

func (c *Conn) handshake(ctx context.Context, ep *endpoint) (*link, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout+c.cfg.HandshakeTimeout)
	defer cancel()

	wantTLS := c.cfg.TLS.Enabled || ep.WantsTLS()
	var tlsCfg *tls.Config
	if wantTLS {
		cfg, err := c.cfg.ClientTLSConfig(ep.Hostname())
		if err != nil {
			return nil, &HandshakeError{Endpoint: ep.String(), Err: err}
		}
		tlsCfg = cfg
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	raw, err := c.dialer.Dial(dialCtx, ep.Endpoint, tlsCfg)
	dialCancel()
	if err != nil {
		return nil, &TransportError{Op: "dial", Endpoint: ep.String(), Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	conn := raw
	established := false
	defer func() {
		stop()
		if !established {
			_ = conn.Close()
		}
	}()

	c.setState(AwaitingInfo)
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	_ = conn.SetDeadline(deadline)
	dec := protocol.NewDecoder(c.cfg.MaxPayload)
	buf := make([]byte, c.cfg.ReadBufferSize)

	f, err := readFrame(conn, dec, buf)
	if err != nil {
		return nil, handshakeIOErr(ep, "read info", err)
	}
	greeting, ok := f.(*protocol.Info)
	if !ok {
		return nil, &HandshakeError{Endpoint: ep.String(), Err: fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Op())}
	}
	info := greeting.Server

	c.setState(Handshaking)
	if info.TLSRequired || wantTLS {
		if !info.TLSRequired && !transport.IsSecure(conn) {
			return nil, &HandshakeError{Endpoint: ep.String(), Err: ErrSecureConnRequired}
		}
		if tlsCfg == nil {
			if tlsCfg, err = c.cfg.ClientTLSConfig(ep.Hostname()); err != nil {
				return nil, &HandshakeError{Endpoint: ep.String(), Err: err}
			}
		}
		upgraded, err := c.dialer.Upgrade(ctx, conn, tlsCfg)
		if err != nil {
			return nil, &TransportError{Op: "tls", Endpoint: ep.String(), Err: err}
		}
		conn = upgraded
		_ = conn.SetDeadline(deadline)
	}

	creds := auth.Resolve(c.creds, ep.URL)
	connect := &protocol.Connect{Options: protocol.ConnectInfo{
		Verbose:     c.cfg.Verbose,
		Pedantic:    c.cfg.Pedantic,
		TLSRequired: wantTLS,
		AuthToken:   creds.Token,
		User:        creds.User,
		Pass:        creds.Password,
		Name:        c.cfg.Name,
		Lang:        session.ClientLang,
		Version:     session.ClientVersion,
		Protocol:    session.ProtocolDynamic,
		Echo:        !c.cfg.NoEcho,
	}}
	var enc protocol.Encoder
	out, err := enc.Append(nil, connect)
	if err != nil {
		return nil, &HandshakeError{Endpoint: ep.String(), Err: err}
	}
	out, _ = enc.Append(out, &protocol.Ping{})
	if _, err := conn.Write(out); err != nil {
		return nil, &TransportError{Op: "write connect", Endpoint: ep.String(), Err: err}
	}

	for done := false; !done; {
		f, err := readFrame(conn, dec, buf)
		if err != nil {
			return nil, handshakeIOErr(ep, "read pong", err)
		}
		switch v := f.(type) {
		case *protocol.OK:
		case *protocol.Pong:
			done = true
		case *protocol.Err:
			return nil, &HandshakeError{Endpoint: ep.String(), Err: v.AsError()}
		case *protocol.Ping:
			pong, _ := enc.Append(nil, &protocol.Pong{})
			if _, err := conn.Write(pong); err != nil {
				return nil, &TransportError{Op: "write pong", Endpoint: ep.String(), Err: err}
			}
		case *protocol.Info:
			info = v.Server
		default:
			return nil, &HandshakeError{Endpoint: ep.String(), Err: fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Op())}
		}
	}

	_ = conn.SetDeadline(time.Time{})
	if !stop() {
		return nil, &TransportError{Op: "handshake", Endpoint: ep.String(), Err: ctx.Err()}
	}
	established = true
	return &link{
		ep:   ep,
		conn: conn,
		bw:   bufio.NewWriterSize(conn, writeBufferSize),
		dec:  dec,
		info: info,
	}, nil
}

func readFrame(conn net.Conn, dec *protocol.Decoder, buf []byte) (protocol.Frame, error) {
	for {
		f, err := dec.Next()
		if err != nil || f != nil {
			return f, err
		}
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			if f, derr := dec.Next(); derr == nil && f != nil {
				return f, nil
			}
			return nil, err
		}
	}
}

func handshakeIOErr(ep *endpoint, op string, err error) error {
	var pe *protocol.ProtocolError
	if errors.As(err, &pe) {
		return &HandshakeError{Endpoint: ep.String(), Err: err}
	}
	return &TransportError{Op: op, Endpoint: ep.String(), Err: err}
}
