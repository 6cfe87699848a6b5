package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/secureflow/secureflow-ids/internal/allowlist"
	"github.com/secureflow/secureflow-ids/internal/model"
	"github.com/secureflow/secureflow-ids/internal/rules"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override, e.g. IDS_SERVER_LISTEN_ADDRESS
const EnvPrefix = "IDS"

// ConfigFileEnv names an optional YAML config file
const ConfigFileEnv = "IDS_CONFIG_FILE"

// Config represents the service configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Detection DetectionConfig `mapstructure:"detection"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Traffic   TrafficConfig   `mapstructure:"traffic"`
	Settings  SettingsConfig  `mapstructure:"settings"`
	LogLevel  string          `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NATSConfig contains NATS ingestion and feed publishing configuration
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	EventsSubject string `mapstructure:"events_subject"`
	QueueGroup    string `mapstructure:"queue_group"`
	PublishFeed   bool   `mapstructure:"publish_feed"`
	FeedPrefix    string `mapstructure:"feed_prefix"`
}

// KafkaConfig contains the optional Kafka ingestion source
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// PostgresConfig contains persistence configuration. An empty DSN keeps all
// state in memory.
type PostgresConfig struct {
	DSN            string        `mapstructure:"dsn"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
}

// RulesConfig contains signature loading configuration
type RulesConfig struct {
	Dir       string        `mapstructure:"dir"`
	HotReload bool          `mapstructure:"hot_reload"`
	Debounce  time.Duration `mapstructure:"debounce"`
}

// DetectionConfig contains detector thresholds, given for sensitivity 5
type DetectionConfig struct {
	Window              time.Duration `mapstructure:"window"`
	WindowGCInterval    time.Duration `mapstructure:"window_gc_interval"`
	PortScanPorts       int           `mapstructure:"port_scan_ports"`
	FloodEvents         int           `mapstructure:"flood_events"`
	SynFloodEvents      int           `mapstructure:"syn_flood_events"`
	ICMPPayloadBytes    int           `mapstructure:"icmp_payload_bytes"`
	LowTTL              int           `mapstructure:"low_ttl"`
	OversizedFrameBytes int           `mapstructure:"oversized_frame_bytes"`
	SuspiciousPorts     []int         `mapstructure:"suspicious_ports"`
}

// IngestConfig contains ingestion pipeline configuration
type IngestConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// FeedConfig contains alert/block feed configuration
type FeedConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// AlertsConfig contains alert store configuration
type AlertsConfig struct {
	Max          int           `mapstructure:"max"`
	DedupeCap    int           `mapstructure:"dedupe_cap"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window"`
}

// TrafficConfig contains traffic recorder configuration
type TrafficConfig struct {
	Buckets       int `mapstructure:"buckets"`
	PacketLogSize int `mapstructure:"packet_log_size"`
}

// SettingsConfig contains the operator settings used until one is saved
type SettingsConfig struct {
	Sensitivity float64  `mapstructure:"sensitivity"`
	AutoBlock   bool     `mapstructure:"auto_block"`
	AllowedIPs  []string `mapstructure:"allowed_ips"`
}

func setDefaults(v *viper.Viper) {
	defaults := rules.DefaultThresholds()

	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.events_subject", "ids.events")
	v.SetDefault("nats.queue_group", "ids-workers")
	v.SetDefault("nats.publish_feed", true)
	v.SetDefault("nats.feed_prefix", "ids.feed")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "network-telemetry")
	v.SetDefault("kafka.group_id", "secureflow-ids")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.connect_timeout", 5*time.Second)
	v.SetDefault("postgres.max_open_conns", 10)

	v.SetDefault("rules.dir", "rules.d")
	v.SetDefault("rules.hot_reload", true)
	v.SetDefault("rules.debounce", 500*time.Millisecond)

	v.SetDefault("detection.window", defaults.Window)
	v.SetDefault("detection.window_gc_interval", 30*time.Second)
	v.SetDefault("detection.port_scan_ports", defaults.PortScanPorts)
	v.SetDefault("detection.flood_events", defaults.FloodEvents)
	v.SetDefault("detection.syn_flood_events", defaults.SynFloodEvents)
	v.SetDefault("detection.icmp_payload_bytes", defaults.ICMPPayloadBytes)
	v.SetDefault("detection.low_ttl", defaults.LowTTL)
	v.SetDefault("detection.oversized_frame_bytes", defaults.OversizedFrameBytes)
	v.SetDefault("detection.suspicious_ports", defaults.SuspiciousPorts)

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.queue_size", 1024)

	v.SetDefault("feed.capacity", 10000)

	v.SetDefault("alerts.max", 1000)
	v.SetDefault("alerts.dedupe_cap", 4096)
	v.SetDefault("alerts.dedupe_window", time.Minute)

	v.SetDefault("traffic.buckets", 300)
	v.SetDefault("traffic.packet_log_size", 1000)

	v.SetDefault("settings.sensitivity", 5.0)
	v.SetDefault("settings.auto_block", true)
	v.SetDefault("settings.allowed_ips", []string{"10.0.0.1", "192.168.1.1"})

	v.SetDefault("log_level", "info")
}

// Load reads the configuration from defaults, the optional file named by
// IDS_CONFIG_FILE and IDS_* environment variables, then validates it.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(ConfigFileEnv))
}

// LoadFile is Load with an explicit config file path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration, reporting every problem at once
func (c *Config) Validate() error {
	var errs []string

	if c.Server.ListenAddress == "" {
		errs = append(errs, "server.listen_address is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats.url is required when nats is enabled")
	}
	if c.NATS.Enabled && c.NATS.EventsSubject == "" {
		errs = append(errs, "nats.events_subject is required when nats is enabled")
	}
	if c.NATS.PublishFeed && c.NATS.FeedPrefix == "" {
		errs = append(errs, "nats.feed_prefix is required when publish_feed is set")
	}

	if c.Kafka.Enabled && (c.Kafka.Brokers == "" || c.Kafka.Topic == "" || c.Kafka.GroupID == "") {
		errs = append(errs, "kafka.brokers, kafka.topic and kafka.group_id are required when kafka is enabled")
	}

	if c.Rules.Debounce < 0 {
		errs = append(errs, "rules.debounce must not be negative")
	}

	if err := c.Thresholds().Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("detection: %v", err))
	}
	if c.Detection.WindowGCInterval <= 0 {
		errs = append(errs, "detection.window_gc_interval must be positive")
	}
	for _, p := range c.Detection.SuspiciousPorts {
		if p < 0 || p > 65535 {
			errs = append(errs, fmt.Sprintf("detection.suspicious_ports contains invalid port %d", p))
		}
	}

	if c.Ingest.Workers <= 0 {
		errs = append(errs, "ingest.workers must be positive")
	}
	if c.Ingest.QueueSize < 0 {
		errs = append(errs, "ingest.queue_size must not be negative")
	}
	if c.Feed.Capacity <= 0 {
		errs = append(errs, "feed.capacity must be positive")
	}
	if c.Alerts.Max <= 0 || c.Alerts.DedupeCap <= 0 {
		errs = append(errs, "alerts.max and alerts.dedupe_cap must be positive")
	}
	if c.Traffic.Buckets <= 0 || c.Traffic.PacketLogSize <= 0 {
		errs = append(errs, "traffic.buckets and traffic.packet_log_size must be positive")
	}

	if c.Settings.Sensitivity < model.MinSensitivity || c.Settings.Sensitivity > model.MaxSensitivity {
		errs = append(errs, fmt.Sprintf("settings.sensitivity must be between %.0f and %.0f", model.MinSensitivity, model.MaxSensitivity))
	}
	if _, err := allowlist.Normalize(c.Settings.AllowedIPs); err != nil {
		errs = append(errs, fmt.Sprintf("settings.allowed_ips: %v", err))
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	validLogLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLogLevels {
		if strings.ToLower(c.LogLevel) == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		errs = append(errs, fmt.Sprintf("log_level must be one of: %s", strings.Join(validLogLevels, ", ")))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// GetLogLevel returns the slog.Level for the configured log level
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Thresholds returns the classifier thresholds
func (c *Config) Thresholds() rules.Thresholds {
	return rules.Thresholds{
		Window:              c.Detection.Window,
		PortScanPorts:       c.Detection.PortScanPorts,
		FloodEvents:         c.Detection.FloodEvents,
		SynFloodEvents:      c.Detection.SynFloodEvents,
		ICMPPayloadBytes:    c.Detection.ICMPPayloadBytes,
		LowTTL:              c.Detection.LowTTL,
		OversizedFrameBytes: c.Detection.OversizedFrameBytes,
		SuspiciousPorts:     c.Detection.SuspiciousPorts,
	}
}

// DefaultSettings returns the settings in effect until an operator saves new ones
func (c *Config) DefaultSettings() model.Settings {
	allowed := make([]string, len(c.Settings.AllowedIPs))
	copy(allowed, c.Settings.AllowedIPs)
	return model.Settings{
		Sensitivity: c.Settings.Sensitivity,
		AutoBlock:   c.Settings.AutoBlock,
		AllowedIPs:  allowed,
	}
}
