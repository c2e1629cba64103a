package config

import (
	"fmt"
	"os"

	gotoml "github.com/pelletier/go-toml/v2"
)

// Template renders DefaultClient as a TOML document that
// LoadClientConfig accepts unchanged.
func Template() (string, error) {
	out, err := gotoml.Marshal(toFile(DefaultClient()))
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return string(out), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(cfg Client) fileConfig {
	s := cfg.Session
	st := cfg.Streaming
	return fileConfig{
		Servers:          s.Servers,
		Name:             s.Name,
		Verbose:          s.Verbose,
		Pedantic:         s.Pedantic,
		NoEcho:           s.NoEcho,
		Token:            s.Token,
		User:             s.User,
		Password:         s.Password,
		SecurityMode:     string(s.SecurityMode),
		ConnectTimeout:   s.ConnectTimeout.String(),
		HandshakeTimeout: s.HandshakeTimeout.String(),
		WriteTimeout:     s.WriteTimeout.String(),
		PingInterval:     s.PingInterval.String(),
		MaxPingsOut:      s.MaxPingsOut,
		AllowReconnect:   s.AllowReconnect,
		MaxReconnects:    s.MaxReconnects,
		NoRandomize:      s.NoRandomize,
		ReconnectBufSize: s.ReconnectBufSize,
		PendingLimit:     cfg.PendingLimit,
		SlowConsumerLog:  cfg.SlowConsumerReportInterval.String(),
		Backoff: backoffFile{
			Initial:    s.Backoff.InitialDelay.String(),
			Multiplier: s.Backoff.Multiplier,
			Max:        s.Backoff.MaxDelay.String(),
			Jitter:     s.Backoff.Jitter,
		},
		TLS: tlsFile{
			Enabled:            s.TLS.Enabled,
			Mutual:             s.TLS.Mutual,
			CAFile:             s.TLS.CAFile,
			CertFile:           s.TLS.CertFile,
			KeyFile:            s.TLS.KeyFile,
			ServerName:         s.TLS.ServerName,
			InsecureSkipVerify: s.TLS.InsecureSkipVerify,
		},
		Streaming: streamingFile{
			ClusterID:          st.ClusterID,
			ClientID:           st.ClientID,
			ConnectWait:        st.ConnectWait.String(),
			PubAckWait:         st.PubAckWait.String(),
			AckWait:            st.AckWait.String(),
			MaxPubAcksInFlight: st.MaxPubAcksInFlight,
			PublishRedelivery:  st.PublishRedelivery,
			MaxInFlight:        st.MaxInFlight,
			DurableStorePath:   st.DurableStorePath,
		},
	}
}
