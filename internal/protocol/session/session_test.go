package session

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/edgebus/internal/testutil/testlog"
	"github.com/danmuck/edgebus/internal/testutil/tlstest"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 0, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt0 got=%v", got)
	}
}

func TestNextBackoffDelayJitterMonotonicAndCapped(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	for seed := int64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		var prev time.Duration
		for attempt := 1; attempt <= 40; attempt++ {
			got := NextBackoffDelay(cfg, attempt, rng)
			if got < prev {
				t.Fatalf("seed=%d attempt=%d decreased: prev=%v got=%v", seed, attempt, prev, got)
			}
			if got > cfg.MaxDelay {
				t.Fatalf("seed=%d attempt=%d above cap: %v", seed, attempt, got)
			}
			prev = got
		}
		if prev != cfg.MaxDelay {
			t.Fatalf("seed=%d expected cap reached, got %v", seed, prev)
		}
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 250*time.Millisecond || got > 500*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	testlog.Start(t)
	cfg := Config{Servers: []string{" ", ""}, Name: "worker"}.WithDefaults()
	def := DefaultConfig()
	if len(cfg.Servers) != 1 || cfg.Servers[0] != DefaultURL {
		t.Fatalf("unexpected servers: %v", cfg.Servers)
	}
	if cfg.Name != "worker" {
		t.Fatalf("name overwritten: %q", cfg.Name)
	}
	if cfg.MaxPingsOut != 2 || cfg.PingInterval != def.PingInterval {
		t.Fatalf("unexpected keepalive defaults: %+v", cfg)
	}
	if cfg.Backoff != def.Backoff {
		t.Fatalf("unexpected backoff: %+v", cfg.Backoff)
	}
	if cfg.SecurityMode != SecurityModeDevelopment {
		t.Fatalf("unexpected mode: %q", cfg.SecurityMode)
	}

	custom := Config{ReconnectBufSize: -1, MaxPingsOut: 5}.WithDefaults()
	if custom.ReconnectBufSize != -1 || custom.MaxPingsOut != 5 {
		t.Fatalf("explicit values overwritten: %+v", custom)
	}
}

func TestValidateClientTransportProductionRequiresTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}

	cfg.TLS.InsecureSkipVerify = false
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg.SecurityMode = "staging"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKey(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestClientTLSConfigLoadsCA(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "edgebus-test-ca")

	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.CAFile = ca.CAFile()
	tlsCfg, err := cfg.ClientTLSConfig("127.0.0.1")
	if err != nil {
		t.Fatalf("client tls config: %v", err)
	}
	if tlsCfg.RootCAs == nil || tlsCfg.ServerName != "127.0.0.1" {
		t.Fatalf("unexpected tls config: %+v", tlsCfg)
	}

	cfg.TLS.CAFile = dir + "/missing.pem"
	if _, err := cfg.ClientTLSConfig("127.0.0.1"); err == nil {
		t.Fatalf("expected missing ca error")
	}
}
