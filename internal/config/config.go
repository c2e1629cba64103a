// Package config loads client and streaming settings from TOML files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/edgebus/internal/auth"
	"github.com/danmuck/edgebus/internal/protocol/session"
)

// Client is the decoded configuration for a client and its optional
// streaming layer.
type Client struct {
	Session                    session.Config
	PendingLimit               int
	SlowConsumerReportInterval time.Duration
	Streaming                  Streaming
}

type Streaming struct {
	ClusterID          string
	ClientID           string
	ConnectWait        time.Duration
	PubAckWait         time.Duration
	AckWait            time.Duration
	MaxPubAcksInFlight int
	PublishRedelivery  int
	MaxInFlight        int
	DurableStorePath   string
}

const (
	DefaultPendingLimit               = 65536
	DefaultSlowConsumerReportInterval = time.Second
)

func DefaultStreaming() Streaming {
	return Streaming{
		ClusterID:          "edgebus",
		ConnectWait:        2 * time.Second,
		PubAckWait:         30 * time.Second,
		AckWait:            30 * time.Second,
		MaxPubAcksInFlight: 16384,
		MaxInFlight:        1024,
	}
}

func DefaultClient() Client {
	return Client{
		Session:                    session.DefaultConfig(),
		PendingLimit:               DefaultPendingLimit,
		SlowConsumerReportInterval: DefaultSlowConsumerReportInterval,
		Streaming:                  DefaultStreaming(),
	}
}

type fileConfig struct {
	Servers          []string `toml:"servers"`
	Name             string   `toml:"name"`
	Verbose          bool     `toml:"verbose"`
	Pedantic         bool     `toml:"pedantic"`
	NoEcho           bool     `toml:"no_echo"`
	Token            string   `toml:"token"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	SecurityMode     string   `toml:"security_mode"`
	ConnectTimeout   string   `toml:"connect_timeout"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	WriteTimeout     string   `toml:"write_timeout"`
	PingInterval     string   `toml:"ping_interval"`
	MaxPingsOut      int      `toml:"max_pings_out"`
	AllowReconnect   bool     `toml:"allow_reconnect"`
	MaxReconnects    int      `toml:"max_reconnects"`
	NoRandomize      bool     `toml:"no_randomize"`
	ReconnectBufSize int      `toml:"reconnect_buf_size"`
	PendingLimit     int      `toml:"pending_limit"`
	SlowConsumerLog  string   `toml:"slow_consumer_report_interval"`

	Backoff   backoffFile   `toml:"backoff"`
	TLS       tlsFile       `toml:"tls"`
	Streaming streamingFile `toml:"streaming"`
}

type backoffFile struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     bool    `toml:"jitter"`
}

type tlsFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type streamingFile struct {
	ClusterID          string `toml:"cluster_id"`
	ClientID           string `toml:"client_id"`
	ConnectWait        string `toml:"connect_wait"`
	PubAckWait         string `toml:"pub_ack_wait"`
	AckWait            string `toml:"ack_wait"`
	MaxPubAcksInFlight int    `toml:"max_pub_acks_inflight"`
	PublishRedelivery  int    `toml:"publish_redelivery"`
	MaxInFlight        int    `toml:"max_inflight"`
	DurableStorePath   string `toml:"durable_store_path"`
}

// LoadClientConfig decodes path over DefaultClient. Only keys present in the
// file override defaults.
func LoadClientConfig(path string) (Client, error) {
	cfg := DefaultClient()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Client{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Client{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	s := &cfg.Session
	if meta.IsDefined("servers") {
		s.Servers = normalizeList(raw.Servers)
	}
	if meta.IsDefined("name") {
		s.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("verbose") {
		s.Verbose = raw.Verbose
	}
	if meta.IsDefined("pedantic") {
		s.Pedantic = raw.Pedantic
	}
	if meta.IsDefined("no_echo") {
		s.NoEcho = raw.NoEcho
	}
	if meta.IsDefined("token") {
		s.Token = raw.Token
	}
	if meta.IsDefined("user") {
		s.User = raw.User
	}
	if meta.IsDefined("password") {
		s.Password = raw.Password
	}
	if meta.IsDefined("security_mode") {
		s.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("max_pings_out") {
		s.MaxPingsOut = raw.MaxPingsOut
	}
	if meta.IsDefined("allow_reconnect") {
		s.AllowReconnect = raw.AllowReconnect
	}
	if meta.IsDefined("max_reconnects") {
		s.MaxReconnects = raw.MaxReconnects
	}
	if meta.IsDefined("no_randomize") {
		s.NoRandomize = raw.NoRandomize
	}
	if meta.IsDefined("reconnect_buf_size") {
		s.ReconnectBufSize = raw.ReconnectBufSize
	}
	if meta.IsDefined("pending_limit") {
		cfg.PendingLimit = raw.PendingLimit
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &s.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &s.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &s.WriteTimeout},
		{"ping_interval", raw.PingInterval, &s.PingInterval},
		{"slow_consumer_report_interval", raw.SlowConsumerLog, &cfg.SlowConsumerReportInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		if err := parseDuration(d.key, d.raw, d.dst); err != nil {
			return Client{}, err
		}
	}

	if meta.IsDefined("backoff", "initial") {
		if err := parseDuration("backoff.initial", raw.Backoff.Initial, &s.Backoff.InitialDelay); err != nil {
			return Client{}, err
		}
	}
	if meta.IsDefined("backoff", "max") {
		if err := parseDuration("backoff.max", raw.Backoff.Max, &s.Backoff.MaxDelay); err != nil {
			return Client{}, err
		}
	}
	if meta.IsDefined("backoff", "multiplier") {
		s.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		s.Backoff.Jitter = raw.Backoff.Jitter
	}

	if meta.IsDefined("tls") {
		s.TLS = session.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}

	if err := applyStreaming(meta, raw.Streaming, &cfg.Streaming); err != nil {
		return Client{}, err
	}

	if err := Validate(cfg); err != nil {
		return Client{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func applyStreaming(meta toml.MetaData, raw streamingFile, st *Streaming) error {
	if meta.IsDefined("streaming", "cluster_id") {
		st.ClusterID = strings.TrimSpace(raw.ClusterID)
	}
	if meta.IsDefined("streaming", "client_id") {
		st.ClientID = strings.TrimSpace(raw.ClientID)
	}
	if meta.IsDefined("streaming", "max_pub_acks_inflight") {
		st.MaxPubAcksInFlight = raw.MaxPubAcksInFlight
	}
	if meta.IsDefined("streaming", "publish_redelivery") {
		st.PublishRedelivery = raw.PublishRedelivery
	}
	if meta.IsDefined("streaming", "max_inflight") {
		st.MaxInFlight = raw.MaxInFlight
	}
	if meta.IsDefined("streaming", "durable_store_path") {
		st.DurableStorePath = strings.TrimSpace(raw.DurableStorePath)
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_wait", raw.ConnectWait, &st.ConnectWait},
		{"pub_ack_wait", raw.PubAckWait, &st.PubAckWait},
		{"ack_wait", raw.AckWait, &st.AckWait},
	} {
		if !meta.IsDefined("streaming", d.key) {
			continue
		}
		if err := parseDuration("streaming."+d.key, d.raw, d.dst); err != nil {
			return err
		}
	}
	return nil
}

// RedactedServers lists the configured servers without URL credentials.
func (c Client) RedactedServers() []string {
	out := make([]string, 0, len(c.Session.Servers))
	for _, s := range c.Session.Servers {
		out = append(out, auth.Redact(s))
	}
	return out
}

// Validate rejects settings no connection could run with.
func Validate(cfg Client) error {
	if len(cfg.Session.Servers) == 0 {
		return fmt.Errorf("servers must not be empty")
	}
	if cfg.PendingLimit <= 0 {
		return fmt.Errorf("pending_limit must be positive")
	}
	if cfg.Session.Backoff.Multiplier != 0 && cfg.Session.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff.multiplier must be >= 1")
	}
	if cfg.Streaming.PublishRedelivery < 0 {
		return fmt.Errorf("streaming.publish_redelivery must not be negative")
	}
	return cfg.Session.ValidateClientTransport()
}

func parseDuration(key, raw string, dst *time.Duration) error {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return fmt.Errorf("parse %s: negative duration", key)
	}
	*dst = d
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
