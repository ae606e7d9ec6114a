// Package config handles global configuration loading using viper and the
// declarative per-pipeline configuration format (§6.1).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// GlobalConfig is the daemon's top-level static configuration, maps to the
// `eegd:` root key in YAML.
type GlobalConfig struct {
	Listen         string       `mapstructure:"listen"`
	PipelinesDir   string       `mapstructure:"pipelines_dir"`
	RecordingsDir  string       `mapstructure:"recordings_dir"`
	PIDFile        string       `mapstructure:"pid_file"`
	DrainDeadline  string       `mapstructure:"drain_deadline"` // e.g. "2s" (§9 open question default)
	Metrics        MetricsConfig `mapstructure:"metrics"`
	Log            LogConfig    `mapstructure:"log"`
	WebSocket      WebSocketConfig `mapstructure:"websocket"`
}

// WebSocketConfig configures the shared broker's backpressure behavior.
type WebSocketConfig struct {
	GraceWindow string `mapstructure:"grace_window"` // e.g. "2s"
	OutboxDepth int    `mapstructure:"outbox_depth"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs []OutputConfig   `mapstructure:"outputs"`
}

// OutputConfig configures one log sink.
type OutputConfig struct {
	Type         string            `mapstructure:"type"` // console | file | loki
	Path         string            `mapstructure:"path"`
	MaxSizeMB    int               `mapstructure:"max_size_mb"`
	MaxBackups   int               `mapstructure:"max_backups"`
	MaxAgeDays   int               `mapstructure:"max_age_days"`
	Compress     bool              `mapstructure:"compress"`
	Endpoint     string            `mapstructure:"endpoint"`
	Labels       map[string]string `mapstructure:"labels"`
	BatchSize    int               `mapstructure:"batch_size"`
	FlushInterval string           `mapstructure:"flush_interval"`
}

// configRoot is the top-level wrapper matching the YAML structure `eegd: ...`.
type configRoot struct {
	Eegd GlobalConfig `mapstructure:"eegd"`
}

// Load loads configuration from file, applies env var overrides, sets
// defaults, and validates the result.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Eegd

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("eegd.listen", ":8080")
	v.SetDefault("eegd.pipelines_dir", "/etc/eegd/pipelines")
	v.SetDefault("eegd.recordings_dir", "/var/lib/eegd/recordings")
	v.SetDefault("eegd.pid_file", "/var/run/eegd.pid")
	v.SetDefault("eegd.drain_deadline", "2s")

	v.SetDefault("eegd.metrics.enabled", true)
	v.SetDefault("eegd.metrics.listen", ":9091")
	v.SetDefault("eegd.metrics.path", "/metrics")

	v.SetDefault("eegd.log.level", "info")
	v.SetDefault("eegd.log.format", "json")

	v.SetDefault("eegd.websocket.grace_window", "2s")
	v.SetDefault("eegd.websocket.outbox_depth", 256)
}

// ValidateAndApplyDefaults validates configuration and applies runtime
// defaults not expressible as static viper defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if len(cfg.Log.Outputs) == 0 {
		cfg.Log.Outputs = []OutputConfig{{Type: "console"}}
	}
	if cfg.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	return nil
}
