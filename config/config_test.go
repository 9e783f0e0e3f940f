package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beacon.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

const validConfig = `
binding: "127.0.0.1:8420"
secret: "test-secret"
snapshotPath: "data/keys.json"
tokenTTL: 24h
persistDebounce: 30s
metricsInterval: 15s
rateLimits:
  requestsPerMinute: 60
  burst: 10
sessions:
  eventChannelSize: 128
  clientQueueSize: 32
  maxConnections: 100
  readBufferSize: 4096
  writeBufferSize: 4096
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Binding != "127.0.0.1:8420" {
		t.Errorf("Binding = %q", cfg.Binding)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Errorf("TokenTTL = %v", cfg.TokenTTL)
	}
	if cfg.Sessions.ClientQueueSize != 32 {
		t.Errorf("ClientQueueSize = %d", cfg.Sessions.ClientQueueSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, ErrConfigFileUnreadable) {
		t.Errorf("Load() error = %v, want %v", err, ErrConfigFileUnreadable)
	}
}

func TestSecretEnvOverride(t *testing.T) {
	t.Setenv(EnvSecret, "env-secret")
	cfg, err := Load(writeTempConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Secret != "env-secret" {
		t.Errorf("Secret = %q, want env override", cfg.Secret)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Gateway { return Generate() }

	tests := []struct {
		name   string
		mutate func(*Gateway)
		want   error
	}{
		{"valid default", func(cfg *Gateway) {}, nil},
		{"missing binding", func(cfg *Gateway) { cfg.Binding = "" }, ErrBindingMissing},
		{"missing secret", func(cfg *Gateway) { cfg.Secret = "" }, ErrSecretMissing},
		{"missing snapshot path", func(cfg *Gateway) { cfg.SnapshotPath = "" }, ErrSnapshotPathMissing},
		{"tls cert without key", func(cfg *Gateway) { cfg.TLS.Cert = "server.crt" }, ErrTLSMissing},
		{"tls key without cert", func(cfg *Gateway) { cfg.TLS.Key = "server.key" }, ErrTLSMissing},
		{"zero token ttl", func(cfg *Gateway) { cfg.TokenTTL = 0 }, ErrTokenTTLMissing},
		{"zero debounce", func(cfg *Gateway) { cfg.PersistDebounce = 0 }, ErrPersistDebounceMissing},
		{"zero rate limit", func(cfg *Gateway) { cfg.RateLimits.RequestsPerMinute = 0 }, ErrRateLimitMissing},
		{"zero burst", func(cfg *Gateway) { cfg.RateLimits.Burst = 0 }, ErrRateLimitBurstMissing},
		{"zero event channel", func(cfg *Gateway) { cfg.Sessions.EventChannelSize = 0 }, ErrEventChannelSizeMissing},
		{"zero client queue", func(cfg *Gateway) { cfg.Sessions.ClientQueueSize = 0 }, ErrClientQueueSizeMissing},
		{"zero max connections", func(cfg *Gateway) { cfg.Sessions.MaxConnections = 0 }, ErrMaxConnectionsMissing},
		{"zero read buffer", func(cfg *Gateway) { cfg.Sessions.ReadBufferSize = 0 }, ErrReadBufferSizeMissing},
		{"zero write buffer", func(cfg *Gateway) { cfg.Sessions.WriteBufferSize = 0 }, ErrWriteBufferSizeMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}
