package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Log.Outputs.File.Enabled)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	assert.False(t, cfg.Pacing.Enabled)
	assert.Equal(t, 1.0, cfg.Pacing.Speed)
	assert.Equal(t, 5*time.Second, cfg.Pacing.MaxGap)

	assert.Equal(t, uint16(3022), cfg.Demux.DesktopUDPPort)
	assert.Equal(t, uint16(3023), cfg.Demux.DesktopTCPPort)
	assert.Equal(t, uint16(21587), cfg.Demux.CompanionTCPPort)
	assert.Equal(t, 30*time.Second, cfg.Demux.FragmentTimeout)
	assert.False(t, cfg.Demux.Local().IsValid())

	assert.True(t, cfg.Sinks.Console.Enabled)
	assert.False(t, cfg.Sinks.Kafka.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
ridereplay:
  log:
    level: DEBUG
    format: json
  pacing:
    enabled: true
    speed: 4
    max_gap: 250ms
  demux:
    local_address: 192.168.1.10
    companion_tcp_port: 21588
  sinks:
    kafka:
      enabled: true
      options:
        brokers: ["localhost:9092"]
        topic: ride-events
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Pacing.Enabled)
	assert.Equal(t, 4.0, cfg.Pacing.Speed)
	assert.Equal(t, 250*time.Millisecond, cfg.Pacing.MaxGap)
	assert.Equal(t, "192.168.1.10", cfg.Demux.Local().String())
	assert.Equal(t, uint16(21588), cfg.Demux.CompanionTCPPort)
	assert.Equal(t, uint16(3022), cfg.Demux.DesktopUDPPort, "unset keys keep defaults")

	require.True(t, cfg.Sinks.Kafka.Enabled)
	assert.Equal(t, "ride-events", cfg.Sinks.Kafka.Options["topic"])
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RIDEREPLAY_PACING_SPEED", "2.5")
	t.Setenv("RIDEREPLAY_LOG_LEVEL", "warn")
	t.Setenv("RIDEREPLAY_DEMUX_LOCAL_ADDRESS", "10.0.0.7")

	cfg, err := Load(writeConfig(t, "ridereplay:\n  pacing:\n    speed: 8\n"))
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.Pacing.Speed)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "10.0.0.7", cfg.Demux.LocalAddress)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"log level":      "ridereplay:\n  log:\n    level: trace\n",
		"log format":     "ridereplay:\n  log:\n    format: xml\n",
		"file path":      "ridereplay:\n  log:\n    outputs:\n      file:\n        enabled: true\n        path: \"\"\n",
		"speed":          "ridereplay:\n  pacing:\n    speed: 0\n",
		"max gap":        "ridereplay:\n  pacing:\n    max_gap: -1s\n",
		"port":           "ridereplay:\n  demux:\n    desktop_udp_port: 0\n",
		"port clash":     "ridereplay:\n  demux:\n    companion_tcp_port: 3023\n",
		"local address":  "ridereplay:\n  demux:\n    local_address: not-an-ip\n",
		"stream buffer":  "ridereplay:\n  demux:\n    max_stream_buffer: 0\n",
		"metrics listen": "ridereplay:\n  metrics:\n    enabled: true\n    listen: \"\"\n",
		"frag timeout":   "ridereplay:\n  demux:\n    fragment_timeout: 0s\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLocalUnmapsIPv4(t *testing.T) {
	assert.Equal(t, "10.1.2.3", DemuxConfig{LocalAddress: "::ffff:10.1.2.3"}.Local().String())
}
