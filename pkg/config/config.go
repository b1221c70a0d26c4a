package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blecore/internal/tracing"
	"github.com/srg/blecore/pkg/ble"
)

// OutputFormats lists the accepted values of Config.OutputFormat.
var OutputFormats = []string{"table", "json", "csv"}

// Config holds application configuration
type Config struct {
	LogLevel     logrus.Level  `yaml:"log_level"`
	OutputFormat string        `yaml:"output_format" default:"table"`
	ScanTimeout  time.Duration `yaml:"scan_timeout" default:"10s"`

	BLE     BLEConfig     `yaml:"ble"`
	Tracing TracingConfig `yaml:"tracing"`
}

// BLEConfig tunes the BLE module.
type BLEConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"15s"`
	ConnectAttempts   int           `yaml:"connect_attempts" default:"3"`
	OperationTimeout  time.Duration `yaml:"operation_timeout" default:"10s"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"5s"`

	// MTU requested after connecting, 0 skips the request.
	MTU int `yaml:"mtu" default:"247"`
	// ChunkSize of writes, 0 uses the largest attribute size.
	ChunkSize int `yaml:"chunk_size"`

	AutoReconnect      bool          `yaml:"auto_reconnect" default:"true"`
	ReconnectInterval  time.Duration `yaml:"reconnect_interval" default:"1s"`
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures" default:"3"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout" default:"30s"`

	EventBuffer uint32 `yaml:"event_buffer" default:"1024"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter" default:"stdout"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if !isOutputFormat(c.OutputFormat) {
		return fmt.Errorf("invalid output_format %q (expected one of %v)", c.OutputFormat, OutputFormats)
	}
	if c.BLE.ConnectAttempts < 1 {
		return fmt.Errorf("ble.connect_attempts must be at least 1, got %d", c.BLE.ConnectAttempts)
	}
	if c.BLE.MTU != 0 && (c.BLE.MTU < 23 || c.BLE.MTU > 517) {
		return fmt.Errorf("ble.mtu must be 0 or within 23..517, got %d", c.BLE.MTU)
	}
	if c.BLE.ChunkSize < 0 || c.BLE.ChunkSize > 512 {
		return fmt.Errorf("ble.chunk_size must be within 0..512, got %d", c.BLE.ChunkSize)
	}
	for name, d := range map[string]time.Duration{
		"scan_timeout":           c.ScanTimeout,
		"ble.connect_timeout":    c.BLE.ConnectTimeout,
		"ble.disconnect_timeout": c.BLE.DisconnectTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	switch c.Tracing.Exporter {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("unsupported tracing.exporter %q", c.Tracing.Exporter)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ModuleOptions converts the BLE section into module options.
func (c *Config) ModuleOptions(logger *logrus.Logger) []ble.Option {
	return []ble.Option{
		ble.WithLogger(logger),
		ble.WithConnectTimeout(c.BLE.ConnectTimeout),
		ble.WithConnectAttempts(c.BLE.ConnectAttempts),
		ble.WithOperationTimeout(c.BLE.OperationTimeout),
		ble.WithDisconnectTimeout(c.BLE.DisconnectTimeout),
		ble.WithChunkSize(c.BLE.ChunkSize),
		ble.WithAutoReconnect(c.BLE.AutoReconnect),
		ble.WithReconnectPolicy(c.BLE.ReconnectInterval, c.BLE.BreakerMaxFailures, c.BLE.BreakerOpenTimeout),
		ble.WithEventBuffer(c.BLE.EventBuffer),
	}
}

// TracingSetup returns the tracing configuration.
func (c *Config) TracingSetup() tracing.Config {
	return tracing.Config{Enabled: c.Tracing.Enabled, Exporter: c.Tracing.Exporter}
}

func isOutputFormat(f string) bool {
	for _, v := range OutputFormats {
		if v == f {
			return true
		}
	}
	return false
}
