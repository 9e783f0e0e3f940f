package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Env vars consulted at load time. The secret override exists so the
// signing secret never has to live in a file checked into anything.
const (
	EnvSecret        = "BEACON_SECRET"
	EnvBootstrapKeys = "BEACON_API_KEYS"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// RateLimitDefaults apply to keys created without explicit limits and to
// records loaded from snapshots that predate per-key configuration.
type RateLimitDefaults struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

type SessionsConfig struct {
	EventChannelSize int `yaml:"eventChannelSize"` // hub inbound broadcast buffer
	ClientQueueSize  int `yaml:"clientQueueSize"`  // per-client outbound buffer
	MaxConnections   int `yaml:"maxConnections"`
	ReadBufferSize   int `yaml:"readBufferSize"`
	WriteBufferSize  int `yaml:"writeBufferSize"`
}

type Gateway struct {
	Binding         string            `yaml:"binding"`
	TLS             TLS               `yaml:"tls"`
	Secret          string            `yaml:"secret"` // token signing secret, overridable via BEACON_SECRET
	SnapshotPath    string            `yaml:"snapshotPath"`
	TokenTTL        time.Duration     `yaml:"tokenTTL"`
	PersistDebounce time.Duration     `yaml:"persistDebounce"`
	MetricsInterval time.Duration     `yaml:"metricsInterval"` // 0 disables the sampler
	RateLimits      RateLimitDefaults `yaml:"rateLimits"`
	Sessions        SessionsConfig    `yaml:"sessions"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrBindingMissing           = errors.New("binding is missing in config")
	ErrSecretMissing            = errors.New("secret is missing in config and BEACON_SECRET is not set")
	ErrSnapshotPathMissing      = errors.New("snapshotPath is missing in config")
	ErrTLSMissing               = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrTokenTTLMissing          = errors.New("tokenTTL is missing or invalid in config")
	ErrPersistDebounceMissing   = errors.New("persistDebounce is missing or invalid in config")
	ErrRateLimitMissing         = errors.New("rateLimits.requestsPerMinute is missing in config")
	ErrRateLimitBurstMissing    = errors.New("rateLimits.burst is missing in config")
	ErrEventChannelSizeMissing  = errors.New("sessions.eventChannelSize is missing or invalid in config")
	ErrClientQueueSizeMissing   = errors.New("sessions.clientQueueSize is missing or invalid in config")
	ErrMaxConnectionsMissing    = errors.New("sessions.maxConnections is missing or invalid in config")
	ErrReadBufferSizeMissing    = errors.New("sessions.readBufferSize is missing or invalid in config")
	ErrWriteBufferSizeMissing   = errors.New("sessions.writeBufferSize is missing or invalid in config")
)

func Load(configFile string) (*Gateway, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Gateway
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if secret := os.Getenv(EnvSecret); secret != "" {
		cfg.Secret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Gateway) Validate() error {
	if cfg.Binding == "" {
		return ErrBindingMissing
	}
	if cfg.Secret == "" {
		return ErrSecretMissing
	}
	if cfg.SnapshotPath == "" {
		return ErrSnapshotPathMissing
	}

	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return ErrTLSMissing
	}

	if cfg.TokenTTL <= 0 {
		return ErrTokenTTLMissing
	}
	if cfg.PersistDebounce <= 0 {
		return ErrPersistDebounceMissing
	}

	if cfg.RateLimits.RequestsPerMinute <= 0 {
		return ErrRateLimitMissing
	}
	if cfg.RateLimits.Burst <= 0 {
		return ErrRateLimitBurstMissing
	}

	if cfg.Sessions.EventChannelSize <= 0 {
		return ErrEventChannelSizeMissing
	}
	if cfg.Sessions.ClientQueueSize <= 0 {
		return ErrClientQueueSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return ErrMaxConnectionsMissing
	}
	if cfg.Sessions.ReadBufferSize <= 0 {
		return ErrReadBufferSizeMissing
	}
	if cfg.Sessions.WriteBufferSize <= 0 {
		return ErrWriteBufferSizeMissing
	}

	return nil
}

// Generate returns a development default. The caller decides whether to
// write it to disk; beacond does so behind --new-cfg.
func Generate() *Gateway {
	return &Gateway{
		Binding:         "127.0.0.1:8420",
		Secret:          "please_change_this_secret_in_production_!!!",
		SnapshotPath:    "data/beacon/keys.json",
		TokenTTL:        24 * time.Hour,
		PersistDebounce: 30 * time.Second,
		MetricsInterval: 15 * time.Second,
		RateLimits: RateLimitDefaults{
			RequestsPerMinute: 60.0,
			Burst:             10,
		},
		Sessions: SessionsConfig{
			EventChannelSize: 128,
			ClientQueueSize:  32,
			MaxConnections:   100,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

// Save writes the config as YAML. Used only by --new-cfg.
func (cfg *Gateway) Save(configFile string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(configFile); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(configFile, data, 0600)
}
