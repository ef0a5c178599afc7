// Package config loads and validates kmergate configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. It is
// constructed once at startup and passed by value to every component; no
// component reads configuration globals.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// LedgerConfig sets the path of the durable job/result store.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// JobsConfig governs admission, deadlines, and cleanup.
type JobsConfig struct {
	MaxConcurrent          int `mapstructure:"max_concurrent"`
	TimeoutSeconds         int `mapstructure:"timeout_seconds"`
	ResultRetentionSeconds int `mapstructure:"result_retention_seconds"`
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
	CancelGraceSeconds     int `mapstructure:"cancel_grace_seconds"`
}

// BackendConfig controls access to the similarity-search engine.
type BackendConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DSN renders the backend connection string.
func (b BackendConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s",
		b.User, b.Password, b.Host, b.Port, b.Database,
	)
}

// DefaultsConfig holds server-side defaults applied to optional request
// fields; these are also reported by the metadata endpoint.
type DefaultsConfig struct {
	Dataset           string  `mapstructure:"dataset"`
	ResultCap         int     `mapstructure:"result_cap"`
	ScoreThreshold    float64 `mapstructure:"score_threshold"`
	KmerRateThreshold float64 `mapstructure:"kmer_rate_threshold"`
	Mode              string  `mapstructure:"mode"`
}

// PublisherConfig holds metadata for completion-event notifications.
type PublisherConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KMERGATE")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("ledger.path", "kmergate.db")
	v.SetDefault("jobs.max_concurrent", 4)
	v.SetDefault("jobs.timeout_seconds", 600)
	v.SetDefault("jobs.result_retention_seconds", 3600)
	v.SetDefault("jobs.cleanup_interval_seconds", 60)
	v.SetDefault("jobs.cancel_grace_seconds", 5)
	v.SetDefault("backend.host", "localhost")
	v.SetDefault("backend.port", 5432)
	v.SetDefault("backend.user", "kmergate")
	v.SetDefault("backend.database", "kmerdb")
	v.SetDefault("backend.max_conns", 4)
	v.SetDefault("defaults.dataset", "nt")
	v.SetDefault("defaults.result_cap", 50)
	v.SetDefault("defaults.score_threshold", 0.0)
	v.SetDefault("defaults.kmer_rate_threshold", 0.0)
	v.SetDefault("defaults.mode", "summary")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path must be set")
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return fmt.Errorf("jobs.max_concurrent must be > 0")
	}
	if c.Jobs.TimeoutSeconds <= 0 {
		return fmt.Errorf("jobs.timeout_seconds must be > 0")
	}
	if c.Jobs.ResultRetentionSeconds <= 0 {
		return fmt.Errorf("jobs.result_retention_seconds must be > 0")
	}
	if c.Jobs.CleanupIntervalSeconds <= 0 {
		return fmt.Errorf("jobs.cleanup_interval_seconds must be > 0")
	}
	if c.Defaults.ResultCap <= 0 {
		return fmt.Errorf("defaults.result_cap must be > 0")
	}
	switch c.Defaults.Mode {
	case "summary", "regions":
	default:
		return fmt.Errorf("defaults.mode must be summary or regions")
	}
	if (c.Publisher.ProjectID == "") != (c.Publisher.Topic == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic must be set together")
	}
	return nil
}

// JobTimeout converts the configured timeout into a duration.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Jobs.TimeoutSeconds) * time.Second
}

// ResultRetention converts the configured retention window into a duration.
func (c Config) ResultRetention() time.Duration {
	return time.Duration(c.Jobs.ResultRetentionSeconds) * time.Second
}

// CleanupInterval converts the configured reaper tick into a duration.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.Jobs.CleanupIntervalSeconds) * time.Second
}

// CancelGrace is the wait between a graceful and a forced termination.
func (c Config) CancelGrace() time.Duration {
	return time.Duration(c.Jobs.CancelGraceSeconds) * time.Second
}

// RequestTimeout bounds HTTP handler execution.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
