// Package config loads and validates stashd configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stashd-io/stashd/internal/pipeline"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig          `mapstructure:"server"`
	Auth     AuthConfig            `mapstructure:"auth"`
	Logging  LoggingConfig         `mapstructure:"logging"`
	Capture  CaptureConfig         `mapstructure:"capture"`
	Queue    QueueConfig           `mapstructure:"queue"`
	DB       DBConfig              `mapstructure:"db"`
	Workers  WorkersConfig         `mapstructure:"workers"`
	Registry RegistryConfig        `mapstructure:"registry"`
	Headless HeadlessConfig        `mapstructure:"headless"`
	HTTP     HTTPConfig            `mapstructure:"http"`
	Archive  ArchiveConfig         `mapstructure:"archive"`
	PubSub   PubSubConfig          `mapstructure:"pubsub"`
	Sources  []pipeline.SourceSpec `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CaptureConfig sets the durable intake storage areas.
type CaptureConfig struct {
	PrimaryDir string `mapstructure:"primary_dir"`
	BackupDir  string `mapstructure:"backup_dir"`
	IndexPath  string `mapstructure:"index_path"`
}

// QueueConfig governs the work queue state machine.
type QueueConfig struct {
	Backend              string `mapstructure:"backend"`
	MaxRetries           int    `mapstructure:"max_retries"`
	DefaultPriority      int    `mapstructure:"default_priority"`
	LeaseTTLSeconds      int    `mapstructure:"lease_ttl_seconds"`
	ReaperIntervalSecond int    `mapstructure:"reaper_interval_seconds"`
	Table                string `mapstructure:"table"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Count               int `mapstructure:"count"`
	PollIntervalMs      int `mapstructure:"poll_interval_ms"`
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
}

// RegistryConfig exposes the source scoring and cooldown tunables.
type RegistryConfig struct {
	EWMAAlpha             float64 `mapstructure:"ewma_alpha"`
	CooldownBaseSeconds   int     `mapstructure:"cooldown_base_seconds"`
	CooldownMaxSeconds    int     `mapstructure:"cooldown_max_seconds"`
	PriorityStep          int     `mapstructure:"priority_step"`
	PriorityMax           int     `mapstructure:"priority_max"`
	HealthIntervalSeconds int     `mapstructure:"health_interval_seconds"`
	StatePath             string  `mapstructure:"state_path"`
}

// HeadlessConfig configures the headless rendering source.
type HeadlessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	UserAgent     string `mapstructure:"user_agent"`
}

// HTTPConfig configures outbound HTTP fetch behavior.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ArchiveConfig sets where fetched content is archived.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STASHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Sources {
		if cfg.Sources[i].TimeoutSeconds <= 0 {
			cfg.Sources[i].TimeoutSeconds = cfg.HTTP.TimeoutSeconds
		}
		cfg.Sources[i].Timeout = time.Duration(cfg.Sources[i].TimeoutSeconds) * time.Second
		if cfg.Sources[i].MaxFailuresBeforeDisable <= 0 {
			cfg.Sources[i].MaxFailuresBeforeDisable = 3
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("capture.primary_dir", "data/capture/primary")
	v.SetDefault("capture.backup_dir", "data/capture/backup")
	v.SetDefault("capture.index_path", "data/capture/index.log")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.default_priority", 10)
	v.SetDefault("queue.lease_ttl_seconds", 60)
	v.SetDefault("queue.reaper_interval_seconds", 5)
	v.SetDefault("queue.table", "queue_items")
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.poll_interval_ms", 250)
	v.SetDefault("workers.heartbeat_interval_ms", 20000)
	v.SetDefault("registry.ewma_alpha", 0.2)
	v.SetDefault("registry.cooldown_base_seconds", 30)
	v.SetDefault("registry.cooldown_max_seconds", 3600)
	v.SetDefault("registry.priority_step", 1)
	v.SetDefault("registry.priority_max", 1000)
	v.SetDefault("registry.health_interval_seconds", 60)
	v.SetDefault("registry.state_path", "data/registry/sources.json")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("http.user_agent", "stashd/0.1")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("archive.backend", "local")
	v.SetDefault("archive.local_dir", "data/archive")
	v.SetDefault("archive.prefix", "fetched")
	v.SetDefault("archive.content_type", "application/octet-stream")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Capture.PrimaryDir == "" || c.Capture.BackupDir == "" {
		return fmt.Errorf("capture.primary_dir and capture.backup_dir are required")
	}
	if c.Capture.PrimaryDir == c.Capture.BackupDir {
		return fmt.Errorf("capture.primary_dir and capture.backup_dir must differ")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}
	if c.Queue.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("queue.lease_ttl_seconds must be > 0")
	}
	if c.Queue.Backend == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when queue.backend is postgres")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Registry.EWMAAlpha <= 0 || c.Registry.EWMAAlpha > 1 {
		return fmt.Errorf("registry.ewma_alpha must be in (0, 1]")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Archive.Backend == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket is required when archive.backend is gcs")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	names := make(map[string]struct{}, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" || src.Pattern == "" {
			return fmt.Errorf("every source needs a name and a pattern")
		}
		if _, dup := names[src.Name]; dup {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		names[src.Name] = struct{}{}
	}
	return nil
}

// LeaseTTL returns the configured lease duration.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Queue.LeaseTTLSeconds) * time.Second
}

// HeartbeatInterval returns how often workers extend their lease.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Workers.HeartbeatIntervalMs) * time.Millisecond
}
