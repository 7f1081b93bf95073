// Package config loads DukanX configuration from YAML, environment
// variables (DUKANX_ prefix) and defaults.
//
// Nested keys map to environment variables by replacing dots with
// underscores: sync.max_concurrency is DUKANX_SYNC_MAX_CONCURRENCY.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dukanx/backend/internal/logging"
	dsync "github.com/dukanx/backend/internal/sync"
	"github.com/dukanx/backend/internal/sync/archive"
	"github.com/dukanx/backend/internal/sync/backoff"
	"github.com/dukanx/backend/internal/sync/maintenance"
	"github.com/dukanx/backend/internal/sync/remote"
	"github.com/dukanx/backend/internal/sync/scheduler"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DUKANX"

// Remote kinds.
const (
	RemoteMemory   = "memory"
	RemoteHTTP     = "http"
	RemoteDynamoDB = "dynamodb"
)

// Archive kinds.
const (
	ArchiveNone = "none"
	ArchiveFile = "file"
	ArchiveS3   = "s3"
)

// Config is the full application configuration.
type Config struct {
	DataDir     string                    `mapstructure:"data_dir" yaml:"data_dir"`
	Log         LogConfig                 `mapstructure:"log" yaml:"log"`
	Sync        SyncConfig                `mapstructure:"sync" yaml:"sync"`
	Backoff     backoff.Policy            `mapstructure:"backoff" yaml:"backoff"`
	Scheduler   scheduler.SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Remote      RemoteConfig              `mapstructure:"remote" yaml:"remote"`
	Archive     ArchiveConfig             `mapstructure:"archive" yaml:"archive"`
	Maintenance maintenance.Config        `mapstructure:"maintenance" yaml:"maintenance"`
	Server      ServerConfig              `mapstructure:"server" yaml:"server"`
}

// LogConfig configures logging. An empty File logs to stdout.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// SyncConfig mirrors the orchestrator settings.
type SyncConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	AutoStart      bool          `mapstructure:"auto_start" yaml:"auto_start"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	LeaseTimeout   time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout"`
	RemoteTimeout  time.Duration `mapstructure:"remote_timeout" yaml:"remote_timeout"`
	EventBuffer    int           `mapstructure:"event_buffer" yaml:"event_buffer"`
	Retention      time.Duration `mapstructure:"retention" yaml:"retention"`
}

// RemoteConfig selects and configures the remote replica.
type RemoteConfig struct {
	Kind     string              `mapstructure:"kind" yaml:"kind"`
	HTTP     HTTPRemoteConfig    `mapstructure:"http" yaml:"http"`
	DynamoDB remote.DynamoConfig `mapstructure:"dynamodb" yaml:"dynamodb"`
}

// HTTPRemoteConfig configures the HTTP remote. TokenEncrypted holds the
// output of `dukanx encrypt-token`; when empty the token is read from the
// credential store.
type HTTPRemoteConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	TokenEncrypted string        `mapstructure:"token_encrypted" yaml:"token_encrypted"`
	MachineID      string        `mapstructure:"machine_id" yaml:"machine_id"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ArchiveConfig selects where dead-letter exports are written.
type ArchiveConfig struct {
	Kind string           `mapstructure:"kind" yaml:"kind"`
	Dir  string           `mapstructure:"dir" yaml:"dir"` // file kind; defaults to <data_dir>/archive
	S3   archive.S3Config `mapstructure:"s3" yaml:"s3"`
}

// ServerConfig configures the desktop HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	sc := dsync.DefaultConfig()
	return &Config{
		DataDir: "./data",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Sync: SyncConfig{
			MaxConcurrency: sc.MaxConcurrency,
			BatchSize:      sc.BatchSize,
			AutoStart:      sc.AutoStart,
			PollInterval:   sc.PollInterval,
			LeaseTimeout:   sc.LeaseTimeout,
			RemoteTimeout:  sc.RemoteTimeout,
			EventBuffer:    sc.EventBuffer,
			Retention:      sc.Retention,
		},
		Backoff:   backoff.Default(),
		Scheduler: *scheduler.DefaultSchedulerConfig(),
		Remote: RemoteConfig{
			Kind: RemoteMemory,
			HTTP: HTTPRemoteConfig{Timeout: 30 * time.Second},
		},
		Archive: ArchiveConfig{
			Kind: ArchiveFile,
			S3:   archive.S3Config{Provider: archive.ProviderAWS},
		},
		Maintenance: maintenance.DefaultConfig(),
		Server:      ServerConfig{Addr: "localhost:8090"},
	}
}

// setDefaults registers every key so environment overrides apply to
// keys absent from the file.
func setDefaults(v *viper.Viper) error {
	raw, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	for _, key := range flatten("", tree) {
		v.SetDefault(key.name, key.value)
	}
	// Secrets are excluded from YAML but still overridable from the env.
	v.SetDefault("archive.s3.access_key", "")
	v.SetDefault("archive.s3.secret_key", "")
	return nil
}

type kv struct {
	name  string
	value interface{}
}

func flatten(prefix string, tree map[string]interface{}) []kv {
	var out []kv
	for k, val := range tree {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			out = append(out, flatten(name, sub)...)
			continue
		}
		out = append(out, kv{name: name, value: val})
	}
	return out
}

// Load reads configuration from path (optional), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if err := c.SyncSettings().Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", c.Scheduler.Interval)
	}

	switch c.Remote.Kind {
	case RemoteMemory:
	case RemoteHTTP:
		if c.Remote.HTTP.BaseURL == "" {
			return fmt.Errorf("remote.http.base_url is required for the http remote")
		}
	case RemoteDynamoDB:
		if c.Remote.DynamoDB.Table == "" {
			return fmt.Errorf("remote.dynamodb.table is required for the dynamodb remote")
		}
	default:
		return fmt.Errorf("unknown remote.kind %q", c.Remote.Kind)
	}

	switch c.Archive.Kind {
	case ArchiveNone, ArchiveFile:
	case ArchiveS3:
		if c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required for the s3 archive")
		}
	default:
		return fmt.Errorf("unknown archive.kind %q", c.Archive.Kind)
	}

	if _, err := c.Maintenance.Interval.Duration(); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	return nil
}

// SyncSettings returns the orchestrator configuration.
func (c *Config) SyncSettings() dsync.Config {
	return dsync.Config{
		MaxConcurrency: c.Sync.MaxConcurrency,
		BatchSize:      c.Sync.BatchSize,
		AutoStart:      c.Sync.AutoStart,
		PollInterval:   c.Sync.PollInterval,
		LeaseTimeout:   c.Sync.LeaseTimeout,
		RemoteTimeout:  c.Sync.RemoteTimeout,
		EventBuffer:    c.Sync.EventBuffer,
		Retention:      c.Sync.Retention,
		Backoff:        c.Backoff,
	}
}

// ArchiveDir returns the file archive directory.
func (c *Config) ArchiveDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(c.DataDir, "archive")
}

// YAML renders the configuration. Secrets tagged yaml:"-" are omitted.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
