package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddress)
	assert.Equal(t, "ids.events", cfg.NATS.EventsSubject)
	assert.Equal(t, "ids.feed", cfg.NATS.FeedPrefix)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Detection.Window)
	assert.Equal(t, []int{4444, 5555, 6666, 7777, 8888, 9999}, cfg.Detection.SuspiciousPorts)
	assert.Equal(t, time.Minute, cfg.Alerts.DedupeWindow)

	settings := cfg.DefaultSettings()
	assert.Equal(t, 5.0, settings.Sensitivity)
	assert.True(t, settings.AutoBlock)
	assert.Equal(t, []string{"10.0.0.1", "192.168.1.1"}, settings.AllowedIPs)

	assert.Equal(t, cfg.Detection.PortScanPorts, cfg.Thresholds().PortScanPorts)
}

func TestLoadFile_EnvOverrides(t *testing.T) {
	t.Setenv("IDS_SERVER_LISTEN_ADDRESS", ":9090")
	t.Setenv("IDS_INGEST_WORKERS", "8")
	t.Setenv("IDS_DETECTION_WINDOW", "30s")
	t.Setenv("IDS_SETTINGS_AUTO_BLOCK", "false")
	t.Setenv("IDS_LOG_LEVEL", "debug")

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddress)
	assert.Equal(t, 8, cfg.Ingest.Workers)
	assert.Equal(t, 30*time.Second, cfg.Detection.Window)
	assert.False(t, cfg.Settings.AutoBlock)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.yaml")
	content := `
server:
  listen_address: ":7000"
kafka:
  enabled: true
  brokers: "kafka:9092"
settings:
  sensitivity: 8
  allowed_ips: ["172.16.0.0/12"]
detection:
  suspicious_ports: [31337]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.ListenAddress)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, "network-telemetry", cfg.Kafka.Topic)
	assert.Equal(t, 8.0, cfg.Settings.Sensitivity)
	assert.Equal(t, []string{"172.16.0.0/12"}, cfg.Settings.AllowedIPs)
	assert.Equal(t, []int{31337}, cfg.Detection.SuspiciousPorts)
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	cfg.Ingest.Workers = 0
	cfg.Settings.Sensitivity = 12
	cfg.Settings.AllowedIPs = []string{"not-an-ip"}
	cfg.LogLevel = "verbose"

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "ingest.workers")
	assert.Contains(t, msg, "settings.sensitivity")
	assert.Contains(t, msg, "settings.allowed_ips")
	assert.Contains(t, msg, "log_level")
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{"debug", "DEBUG"}, {"INFO", "INFO"}, {"warn", "WARN"}, {"error", "ERROR"}, {"", "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			c := &Config{LogLevel: tt.level}
			assert.Equal(t, tt.want, c.GetLogLevel().String())
		})
	}
}
