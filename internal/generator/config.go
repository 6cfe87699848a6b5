package generator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config configures the traffic generator
type Config struct {
	Sink         string        `mapstructure:"sink"`
	NATSURL      string        `mapstructure:"nats_url"`
	NATSSubject  string        `mapstructure:"nats_subject"`
	KafkaBrokers string        `mapstructure:"kafka_brokers"`
	KafkaTopic   string        `mapstructure:"kafka_topic"`
	HTTPURL      string        `mapstructure:"http_url"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	EPSTarget    int           `mapstructure:"eps_target"`
	WorkerCount  int           `mapstructure:"worker_count"`
	ChaosMode    bool          `mapstructure:"chaos_mode"`
	SQLInjection float64       `mapstructure:"sql_injection_prob"`
	XmasScan     float64       `mapstructure:"xmas_scan_prob"`
	ICMPTunnel   float64       `mapstructure:"icmp_tunnel_prob"`
	// PortScanEvery is the mean interval between port scan bursts; zero disables them
	PortScanEvery time.Duration `mapstructure:"port_scan_every"`
	PortScanPorts int           `mapstructure:"port_scan_ports"`
	LogLevel      string        `mapstructure:"log_level"`
}

// LoadConfig reads the generator configuration from TRAFFICGEN_* environment variables
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetDefault("sink", "nats")
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("nats_subject", "ids.events")
	v.SetDefault("kafka_brokers", "localhost:9092")
	v.SetDefault("kafka_topic", "network-telemetry")
	v.SetDefault("http_url", "http://localhost:8080/api/v1/events")
	v.SetDefault("http_timeout", 5*time.Second)
	v.SetDefault("eps_target", 50)
	v.SetDefault("worker_count", 2)
	v.SetDefault("chaos_mode", true)
	v.SetDefault("sql_injection_prob", 0.02)
	v.SetDefault("xmas_scan_prob", 0.01)
	v.SetDefault("icmp_tunnel_prob", 0.01)
	v.SetDefault("port_scan_every", 30*time.Second)
	v.SetDefault("port_scan_ports", 100)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("TRAFFICGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and reports every problem found
func (c *Config) Validate() error {
	var errs []error
	switch c.Sink {
	case "nats", "kafka", "http":
	default:
		errs = append(errs, fmt.Errorf("sink must be nats, kafka or http, got %q", c.Sink))
	}
	if c.EPSTarget <= 0 {
		errs = append(errs, errors.New("eps_target must be positive"))
	}
	if c.WorkerCount <= 0 {
		errs = append(errs, errors.New("worker_count must be positive"))
	}
	if sum := c.SQLInjection + c.XmasScan + c.ICMPTunnel; c.SQLInjection < 0 || c.XmasScan < 0 || c.ICMPTunnel < 0 || sum > 1 {
		errs = append(errs, errors.New("attack probabilities must be non-negative and sum to at most 1"))
	}
	if c.PortScanPorts < 0 || c.PortScanPorts > 65535 {
		errs = append(errs, errors.New("port_scan_ports must be between 0 and 65535"))
	}
	return errors.Join(errs...)
}

// Mix returns the attack mix
func (c *Config) Mix() Mix {
	return Mix{SQLInjection: c.SQLInjection, XmasScan: c.XmasScan, ICMPTunnel: c.ICMPTunnel}
}
