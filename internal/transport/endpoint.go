package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const DefaultPort = "4222"

var ErrInvalidEndpoint = errors.New("transport: invalid endpoint")

const (
	SchemeNATS = "nats"
	SchemeTCP  = "tcp"
	SchemeTLS  = "tls"
	SchemeWS   = "ws"
	SchemeWSS  = "wss"
)

// Endpoint is a parsed server address.
type Endpoint struct {
	Scheme string
	// Host is always host:port.
	Host string
	URL  *url.URL
}

// ParseEndpoint accepts scheme://[user[:pass]@]host[:port][/path] or a bare
// host[:port].
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	if !strings.Contains(raw, "://") {
		raw = SchemeNATS + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case SchemeNATS, SchemeTCP, SchemeTLS, SchemeWS, SchemeWSS:
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, raw)
	}
	port := u.Port()
	if port == "" {
		switch scheme {
		case SchemeWS:
			port = "80"
		case SchemeWSS:
			port = "443"
		default:
			port = DefaultPort
		}
	}
	u.Scheme = scheme
	return Endpoint{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		URL:    u,
	}, nil
}

// Hostname returns the host without the port.
func (e Endpoint) Hostname() string {
	host, _, err := net.SplitHostPort(e.Host)
	if err != nil {
		return e.Host
	}
	return host
}

// WantsTLS reports whether the scheme itself asks for an encrypted channel.
func (e Endpoint) WantsTLS() bool {
	return e.Scheme == SchemeTLS || e.Scheme == SchemeWSS
}

// String renders the endpoint without credentials.
func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Host
}
