package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/travesseiro/pillowlink/internal/ble"
	"github.com/travesseiro/pillowlink/internal/demo"
	"github.com/travesseiro/pillowlink/internal/rfcomm"
	"github.com/travesseiro/pillowlink/internal/session"
)

// Config holds all application configuration.
type Config struct {
	LogLevel     string               `yaml:"log_level"`
	ScanTimeout  time.Duration        `yaml:"scan_timeout"` // 0 scans until found or cancelled
	Permission   string               `yaml:"permission"`   // "bluez" or "always"
	BLE          BLEConfig            `yaml:"ble"`
	Serial       SerialConfig         `yaml:"serial"`
	Server       ServerConfig         `yaml:"server"`
	Demo         DemoConfig           `yaml:"demo"`
	Settings     session.UserSettings `yaml:"settings"`
	AutoActivate AutoActivateConfig   `yaml:"auto_activate"`
}

// BLEConfig holds Low-Energy transport settings.
type BLEConfig struct {
	ServiceUUID     string        `yaml:"service_uuid"`
	WriteCharUUID   string        `yaml:"write_char_uuid"` // empty picks the first non-inbound characteristic
	PollInterval    time.Duration `yaml:"poll_interval"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ChunkSize       int           `yaml:"chunk_size"`
	InterChunkDelay time.Duration `yaml:"inter_chunk_delay"`
	LineFramed      bool          `yaml:"line_framed"` // peer terminates frames with '\n'
}

// SerialConfig holds Serial-Socket (RFCOMM) transport settings.
type SerialConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Adapter        string            `yaml:"adapter"`      // BlueZ adapter, e.g. hci0
	Ports          map[string]string `yaml:"ports"`        // device address -> tty
	DefaultPort    string            `yaml:"default_port"` // e.g. /dev/rfcomm0
	BaudRate       int               `yaml:"baud_rate"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
	ScanInterval   time.Duration     `yaml:"scan_interval"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DemoConfig holds simulated pillow settings.
type DemoConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// AutoActivateConfig tunes the high heart-rate rule. The limit itself is
// part of settings.
type AutoActivateConfig struct {
	Repeat bool `yaml:"repeat"` // fire again while the pillow is already active
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pillowlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	bleDef := ble.DefaultOptions()
	serialDef := rfcomm.DefaultOptions()

	return &Config{
		LogLevel:   "info",
		Permission: "bluez",
		BLE: BLEConfig{
			ServiceUUID:     bleDef.ServiceUUID,
			PollInterval:    bleDef.PollInterval,
			ConnectTimeout:  bleDef.ConnectTimeout,
			ChunkSize:       bleDef.ChunkSize,
			InterChunkDelay: bleDef.InterChunkDelay,
		},
		Serial: SerialConfig{
			Enabled:        true,
			Adapter:        rfcomm.DefaultAdapter,
			DefaultPort:    "/dev/rfcomm0",
			BaudRate:       serialDef.BaudRate,
			ConnectTimeout: serialDef.ConnectTimeout,
			ScanInterval:   serialDef.ScanInterval,
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8089",
		},
		Demo: DemoConfig{
			Interval: demo.DefaultOptions().Interval,
		},
		Settings: session.DefaultSettings(),
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in serial port paths is expanded to the user's
// home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Serial.DefaultPort = expandTilde(cfg.Serial.DefaultPort)
	for addr, p := range cfg.Serial.Ports {
		cfg.Serial.Ports[addr] = expandTilde(p)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Save writes c to path as YAML, creating the parent directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	content := append([]byte("# pillowlink configuration\n"), data...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.Permission {
	case "bluez", "always":
	default:
		return fmt.Errorf("permission must be \"bluez\" or \"always\", got %q", c.Permission)
	}

	if c.ScanTimeout < 0 {
		return fmt.Errorf("scan_timeout must be >= 0")
	}

	if c.BLE.ServiceUUID == "" {
		return fmt.Errorf("ble.service_uuid must not be empty")
	}
	if c.BLE.PollInterval <= 0 {
		return fmt.Errorf("ble.poll_interval must be > 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if c.BLE.ChunkSize <= 0 {
		return fmt.Errorf("ble.chunk_size must be > 0")
	}
	if c.BLE.InterChunkDelay < 0 {
		return fmt.Errorf("ble.inter_chunk_delay must be >= 0")
	}

	if c.Serial.Enabled {
		if c.Serial.DefaultPort == "" && len(c.Serial.Ports) == 0 {
			return fmt.Errorf("serial.default_port or serial.ports is required when serial is enabled")
		}
		if c.Serial.BaudRate <= 0 {
			return fmt.Errorf("serial.baud_rate must be > 0")
		}
		if c.Serial.ConnectTimeout <= 0 {
			return fmt.Errorf("serial.connect_timeout must be > 0")
		}
		if c.Serial.ScanInterval <= 0 {
			return fmt.Errorf("serial.scan_interval must be > 0")
		}
	}

	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}

	if c.Demo.Interval <= 0 {
		return fmt.Errorf("demo.interval must be > 0")
	}

	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	return nil
}

// BLEOptions converts the ble section for ble.NewTransport.
func (c *Config) BLEOptions() ble.Options {
	return ble.Options{
		ServiceUUID:     c.BLE.ServiceUUID,
		WriteCharUUID:   c.BLE.WriteCharUUID,
		PollInterval:    c.BLE.PollInterval,
		ConnectTimeout:  c.BLE.ConnectTimeout,
		ChunkSize:       c.BLE.ChunkSize,
		InterChunkDelay: c.BLE.InterChunkDelay,
		LineFramed:      c.BLE.LineFramed,
	}
}

// SerialOptions converts the serial section for rfcomm.NewTransport.
func (c *Config) SerialOptions() rfcomm.Options {
	opts := rfcomm.DefaultOptions()
	opts.Ports = c.Serial.Ports
	opts.DefaultPort = c.Serial.DefaultPort
	opts.BaudRate = c.Serial.BaudRate
	opts.ConnectTimeout = c.Serial.ConnectTimeout
	opts.ScanInterval = c.Serial.ScanInterval
	return opts
}

// DemoOptions converts the demo section for demo.NewTransport.
func (c *Config) DemoOptions() demo.Options {
	opts := demo.DefaultOptions()
	opts.Interval = c.Demo.Interval
	return opts
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
