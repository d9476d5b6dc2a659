package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "FIELDSYNC"
	defaultDatabasePath         = "fieldsync.db"
	defaultLogLevel             = "info"
	defaultRemoteBaseURL        = "http://127.0.0.1:8090"
	defaultRemoteTimeout        = 30 * time.Second
	defaultSyncMode             = SyncModeOfflineFirst
	defaultSyncInterval         = 30 * time.Second
	defaultRequestsPerSecond    = 5.0
	defaultRetryInitial         = 5 * time.Second
	defaultRetryMaxInterval     = 5 * time.Minute
	defaultRetryMaxAttempts     = 8
	defaultRetainDone           = 24 * time.Hour
	defaultCacheTTL             = 5 * time.Minute
	defaultInvalidationDebounce = time.Second
	defaultCheckInterval        = 15 * time.Second
	defaultMetricsAddress       = ""
	defaultBackendAddress       = "0.0.0.0:8090"
	defaultBackendDatabasePath  = "fieldsync-backend.db"
)

const (
	// SyncModeOfflineFirst queues every write and lets the sync engine replay it.
	SyncModeOfflineFirst = "offline_first"
	// SyncModeDirect sends writes to the backend synchronously.
	SyncModeDirect = "direct"
)

// AppConfig captures runtime configuration for the sync agent and the reference backend.
type AppConfig struct {
	DatabasePath string
	LogLevel     string

	RemoteBaseURL string
	RemoteToken   string
	RemoteTimeout time.Duration

	SyncMode             string
	SyncInterval         time.Duration
	MaxRequestsPerSecond float64
	RetryInitial         time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxAttempts     int
	RetainDone           time.Duration
	CacheTTL             time.Duration
	InvalidationDebounce time.Duration
	ConnectivityInterval time.Duration
	MetricsAddress       string
	BackendAddress       string
	BackendDatabasePath  string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.token", "")
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("sync.mode", defaultSyncMode)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.max_requests_per_second", defaultRequestsPerSecond)
	configViper.SetDefault("sync.retry.initial", defaultRetryInitial)
	configViper.SetDefault("sync.retry.max_interval", defaultRetryMaxInterval)
	configViper.SetDefault("sync.retry.max_attempts", defaultRetryMaxAttempts)
	configViper.SetDefault("sync.retain_done", defaultRetainDone)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
	configViper.SetDefault("cache.invalidation_debounce", defaultInvalidationDebounce)
	configViper.SetDefault("connectivity.check_interval", defaultCheckInterval)
	configViper.SetDefault("metrics.address", defaultMetricsAddress)
	configViper.SetDefault("backend.address", defaultBackendAddress)
	configViper.SetDefault("backend.database_path", defaultBackendDatabasePath)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		RemoteBaseURL:        strings.TrimRight(configViper.GetString("remote.base_url"), "/"),
		RemoteToken:          configViper.GetString("remote.token"),
		RemoteTimeout:        configViper.GetDuration("remote.timeout"),
		SyncMode:             strings.ToLower(strings.TrimSpace(configViper.GetString("sync.mode"))),
		SyncInterval:         configViper.GetDuration("sync.interval"),
		MaxRequestsPerSecond: configViper.GetFloat64("sync.max_requests_per_second"),
		RetryInitial:         configViper.GetDuration("sync.retry.initial"),
		RetryMaxInterval:     configViper.GetDuration("sync.retry.max_interval"),
		RetryMaxAttempts:     configViper.GetInt("sync.retry.max_attempts"),
		RetainDone:           configViper.GetDuration("sync.retain_done"),
		CacheTTL:             configViper.GetDuration("cache.ttl"),
		InvalidationDebounce: configViper.GetDuration("cache.invalidation_debounce"),
		ConnectivityInterval: configViper.GetDuration("connectivity.check_interval"),
		MetricsAddress:       configViper.GetString("metrics.address"),
		BackendAddress:       configViper.GetString("backend.address"),
		BackendDatabasePath:  configViper.GetString("backend.database_path"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.SyncMode != SyncModeOfflineFirst && c.SyncMode != SyncModeDirect {
		return fmt.Errorf("sync.mode must be %q or %q", SyncModeOfflineFirst, SyncModeDirect)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("sync.retry.max_attempts must be positive")
	}
	if c.RetryInitial <= 0 || c.RetryMaxInterval < c.RetryInitial {
		return fmt.Errorf("sync.retry.initial must be positive and not exceed sync.retry.max_interval")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	return nil
}
