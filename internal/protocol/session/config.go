package session

import (
	"strings"
	"time"
)

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig describes the optional encrypted channel upgrade.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// Config is the immutable snapshot a connection is built from. It is reused
// unchanged across reconnects.
type Config struct {
	Servers  []string
	Name     string
	Verbose  bool
	Pedantic bool
	NoEcho   bool

	Token    string
	User     string
	Password string

	SecurityMode SecurityMode
	TLS          TLSConfig

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxPingsOut      int

	AllowReconnect   bool
	MaxReconnects    int
	NoRandomize      bool
	ReconnectBufSize int
	WriteQueueSize   int
	ReadBufferSize   int
	MaxPayload       int64

	Backoff BackoffConfig
}

const (
	DefaultURL        = "nats://127.0.0.1:4222"
	ClientLang        = "go"
	ClientVersion     = "0.1.0"
	ProtocolDynamic   = 1
	DefaultMaxPingOut = 2
)

// DefaultConfig returns client defaults.
func DefaultConfig() Config {
	return Config{
		Servers:          []string{DefaultURL},
		SecurityMode:     SecurityModeDevelopment,
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     2 * time.Minute,
		MaxPingsOut:      DefaultMaxPingOut,
		AllowReconnect:   true,
		MaxReconnects:    60,
		ReconnectBufSize: 8 * 1024 * 1024,
		WriteQueueSize:   8192,
		ReadBufferSize:   32 * 1024,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	servers := make([]string, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	if len(servers) == 0 {
		servers = def.Servers
	}
	c.Servers = servers
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.MaxPingsOut <= 0 {
		c.MaxPingsOut = def.MaxPingsOut
	}
	if c.ReconnectBufSize == 0 {
		c.ReconnectBufSize = def.ReconnectBufSize
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = def.WriteQueueSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
