// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. It maps to the `ridereplay:` root
// key in YAML.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Pacing  PacingConfig  `mapstructure:"pacing"`
	Demux   DemuxConfig   `mapstructure:"demux"`
	Sinks   SinksConfig   `mapstructure:"sinks"`
}

// ─── Log ───

// LogConfig contains logging settings. Logs always go to stderr; stdout
// belongs to the console sink.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains additional log destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Replay ───

// PacingConfig controls real-time emission.
type PacingConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Speed   float64       `mapstructure:"speed"`
	MaxGap  time.Duration `mapstructure:"max_gap"`
}

// DemuxConfig controls transport demultiplexing.
type DemuxConfig struct {
	DesktopUDPPort   uint16        `mapstructure:"desktop_udp_port"`
	DesktopTCPPort   uint16        `mapstructure:"desktop_tcp_port"`
	CompanionTCPPort uint16        `mapstructure:"companion_tcp_port"`
	LocalAddress     string        `mapstructure:"local_address"` // Empty = learn from the capture
	MaxStreamBuffer  int           `mapstructure:"max_stream_buffer"`
	MaxMessageSize   int           `mapstructure:"max_message_size"`
	FragmentTimeout  time.Duration `mapstructure:"fragment_timeout"`
}

// Local returns the parsed local address, or the zero Addr when unset.
func (c DemuxConfig) Local() netip.Addr {
	addr, err := netip.ParseAddr(c.LocalAddress)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// ─── Sinks ───

// SinksConfig lists the event sinks.
type SinksConfig struct {
	Console SinkConfig `mapstructure:"console"`
	Kafka   SinkConfig `mapstructure:"kafka"`
}

// SinkConfig enables a sink and carries its own options, decoded by the sink.
type SinkConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Options map[string]any `mapstructure:"options"`
}

// ─── Loading ───

// configRoot is the wrapper matching the YAML structure `ridereplay: ...`.
type configRoot struct {
	RideReplay Config `mapstructure:"ridereplay"`
}

// Load loads configuration from path, or only defaults and environment when
// path is empty. Env vars use the RIDEREPLAY_ prefix, e.g.
// RIDEREPLAY_PACING_SPEED.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `ridereplay.` key prefix maps to `RIDEREPLAY_` through the replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.RideReplay

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("ridereplay.log.level", "info")
	v.SetDefault("ridereplay.log.format", "text")
	v.SetDefault("ridereplay.log.outputs.file.enabled", false)
	v.SetDefault("ridereplay.log.outputs.file.path", "ridereplay.log")
	v.SetDefault("ridereplay.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("ridereplay.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("ridereplay.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("ridereplay.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("ridereplay.metrics.enabled", false)
	v.SetDefault("ridereplay.metrics.listen", ":9091")
	v.SetDefault("ridereplay.metrics.path", "/metrics")

	// Pacing defaults
	v.SetDefault("ridereplay.pacing.enabled", false)
	v.SetDefault("ridereplay.pacing.speed", 1.0)
	v.SetDefault("ridereplay.pacing.max_gap", "5s")

	// Demux defaults
	v.SetDefault("ridereplay.demux.desktop_udp_port", 3022)
	v.SetDefault("ridereplay.demux.desktop_tcp_port", 3023)
	v.SetDefault("ridereplay.demux.companion_tcp_port", 21587)
	v.SetDefault("ridereplay.demux.local_address", "")
	v.SetDefault("ridereplay.demux.max_stream_buffer", 1<<20)
	v.SetDefault("ridereplay.demux.max_message_size", 1<<20)
	v.SetDefault("ridereplay.demux.fragment_timeout", "30s")

	// Sink defaults
	v.SetDefault("ridereplay.sinks.console.enabled", true)
	v.SetDefault("ridereplay.sinks.kafka.enabled", false)
}

// ValidateAndApplyDefaults validates configuration and normalizes values.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log ──
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when file output is enabled")
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// ── Pacing ──
	if cfg.Pacing.Speed <= 0 {
		return fmt.Errorf("invalid pacing.speed: %g (must be > 0)", cfg.Pacing.Speed)
	}
	if cfg.Pacing.MaxGap <= 0 {
		return fmt.Errorf("invalid pacing.max_gap: %s (must be > 0)", cfg.Pacing.MaxGap)
	}

	// ── Demux ──
	d := &cfg.Demux
	for name, port := range map[string]uint16{
		"desktop_udp_port":   d.DesktopUDPPort,
		"desktop_tcp_port":   d.DesktopTCPPort,
		"companion_tcp_port": d.CompanionTCPPort,
	} {
		if port == 0 {
			return fmt.Errorf("demux.%s must be set", name)
		}
	}
	if d.DesktopTCPPort == d.CompanionTCPPort {
		return fmt.Errorf("demux.desktop_tcp_port and demux.companion_tcp_port are both %d", d.DesktopTCPPort)
	}
	if d.LocalAddress != "" {
		if _, err := netip.ParseAddr(d.LocalAddress); err != nil {
			return fmt.Errorf("invalid demux.local_address: %w", err)
		}
	}
	if d.MaxStreamBuffer <= 0 || d.MaxMessageSize <= 0 {
		return fmt.Errorf("demux.max_stream_buffer and demux.max_message_size must be > 0")
	}
	if d.FragmentTimeout <= 0 {
		return fmt.Errorf("invalid demux.fragment_timeout: %s (must be > 0)", d.FragmentTimeout)
	}

	return nil
}
