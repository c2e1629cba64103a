package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgebus/internal/config"
	"github.com/danmuck/edgebus/internal/protocol/session"
	"github.com/danmuck/edgebus/internal/transport"
)

// Option mutates Options before the connection is built.
type Option func(*Options) error

// Options is the full client configuration. Most callers only touch it
// through Option helpers.
type Options struct {
	Session session.Config
	Dialer  transport.Dialer

	PendingLimit               int
	SlowConsumerReportInterval time.Duration

	ErrorHandler             func(*Client, error)
	DisconnectedHandler      func(*Client)
	ReconnectedHandler       func(*Client)
	ClosedHandler            func(*Client)
	DiscoveredServersHandler func(*Client, []string)
}

func DefaultOptions() Options {
	def := config.DefaultClient()
	return Options{
		Session:                    def.Session,
		PendingLimit:               def.PendingLimit,
		SlowConsumerReportInterval: def.SlowConsumerReportInterval,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PendingLimit <= 0 {
		o.PendingLimit = def.PendingLimit
	}
	if o.SlowConsumerReportInterval <= 0 {
		o.SlowConsumerReportInterval = def.SlowConsumerReportInterval
	}
	o.Session = o.Session.WithDefaults()
	return o
}

// ConfigFile loads a TOML file and replaces the session and backpressure
// settings with its contents. Options applied later still win.
func ConfigFile(path string) Option {
	return func(o *Options) error {
		cfg, err := config.LoadClientConfig(path)
		if err != nil {
			return err
		}
		o.Session = cfg.Session
		o.PendingLimit = cfg.PendingLimit
		o.SlowConsumerReportInterval = cfg.SlowConsumerReportInterval
		return nil
	}
}

func Name(name string) Option {
	return func(o *Options) error {
		o.Session.Name = strings.TrimSpace(name)
		return nil
	}
}

func Token(token string) Option {
	return func(o *Options) error {
		o.Session.Token = token
		return nil
	}
}

func UserInfo(user, password string) Option {
	return func(o *Options) error {
		o.Session.User = user
		o.Session.Password = password
		return nil
	}
}

// Verbose asks the server to acknowledge every PUB, SUB and UNSUB. Publish
// then waits for the acknowledgement.
func Verbose() Option {
	return func(o *Options) error {
		o.Session.Verbose = true
		return nil
	}
}

func Pedantic() Option {
	return func(o *Options) error {
		o.Session.Pedantic = true
		return nil
	}
}

// NoEcho stops the server from delivering this client's own publishes back
// to its subscriptions.
func NoEcho() Option {
	return func(o *Options) error {
		o.Session.NoEcho = true
		return nil
	}
}

// Secure requires an encrypted channel even when the server does not ask for one.
func Secure() Option {
	return func(o *Options) error {
		o.Session.TLS.Enabled = true
		return nil
	}
}

func RootCAs(caFile string) Option {
	return func(o *Options) error {
		if strings.TrimSpace(caFile) == "" {
			return fmt.Errorf("%w: empty ca file", ErrInvalidOption)
		}
		o.Session.TLS.Enabled = true
		o.Session.TLS.CAFile = caFile
		return nil
	}
}

func ClientCert(certFile, keyFile string) Option {
	return func(o *Options) error {
		o.Session.TLS.Enabled = true
		o.Session.TLS.Mutual = true
		o.Session.TLS.CertFile = certFile
		o.Session.TLS.KeyFile = keyFile
		return nil
	}
}

// Timeout bounds both the dial and the INFO/CONNECT/PONG handshake.
func Timeout(d time.Duration) Option {
	return func(o *Options) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be positive", ErrInvalidOption)
		}
		o.Session.ConnectTimeout = d
		o.Session.HandshakeTimeout = d
		return nil
	}
}

func PingInterval(d time.Duration) Option {
	return func(o *Options) error {
		o.Session.PingInterval = d
		return nil
	}
}

func MaxPingsOut(n int) Option {
	return func(o *Options) error {
		o.Session.MaxPingsOut = n
		return nil
	}
}

// MaxReconnects bounds reconnect rounds; -1 retries forever.
func MaxReconnects(n int) Option {
	return func(o *Options) error {
		o.Session.MaxReconnects = n
		return nil
	}
}

func NoReconnect() Option {
	return func(o *Options) error {
		o.Session.AllowReconnect = false
		return nil
	}
}

func DontRandomize() Option {
	return func(o *Options) error {
		o.Session.NoRandomize = true
		return nil
	}
}

func ReconnectBackoff(initial, max time.Duration, jitter bool) Option {
	return func(o *Options) error {
		if initial <= 0 || max < initial {
			return fmt.Errorf("%w: backoff initial=%s max=%s", ErrInvalidOption, initial, max)
		}
		o.Session.Backoff.InitialDelay = initial
		o.Session.Backoff.MaxDelay = max
		o.Session.Backoff.Jitter = jitter
		if o.Session.Backoff.Multiplier < 1 {
			o.Session.Backoff.Multiplier = 2
		}
		return nil
	}
}

// ReconnectBufSize bounds the bytes of PUB frames held while reconnecting.
// A negative size disables buffering.
func ReconnectBufSize(n int) Option {
	return func(o *Options) error {
		o.Session.ReconnectBufSize = n
		return nil
	}
}

// PendingLimit sets the default per-subscription queue length.
func PendingLimit(n int) Option {
	return func(o *Options) error {
		if n <= 0 {
			return fmt.Errorf("%w: pending limit must be positive", ErrInvalidOption)
		}
		o.PendingLimit = n
		return nil
	}
}

func SlowConsumerReportInterval(d time.Duration) Option {
	return func(o *Options) error {
		o.SlowConsumerReportInterval = d
		return nil
	}
}

func WithDialer(d transport.Dialer) Option {
	return func(o *Options) error {
		o.Dialer = d
		return nil
	}
}

func ErrorHandler(fn func(*Client, error)) Option {
	return func(o *Options) error {
		o.ErrorHandler = fn
		return nil
	}
}

func DisconnectedHandler(fn func(*Client)) Option {
	return func(o *Options) error {
		o.DisconnectedHandler = fn
		return nil
	}
}

func ReconnectedHandler(fn func(*Client)) Option {
	return func(o *Options) error {
		o.ReconnectedHandler = fn
		return nil
	}
}

func ClosedHandler(fn func(*Client)) Option {
	return func(o *Options) error {
		o.ClosedHandler = fn
		return nil
	}
}

func DiscoveredServersHandler(fn func(*Client, []string)) Option {
	return func(o *Options) error {
		o.DiscoveredServersHandler = fn
		return nil
	}
}
