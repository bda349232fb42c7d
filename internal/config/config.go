package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Clair88860/basic/internal/ble"
	"github.com/Clair88860/basic/internal/link"
	"github.com/Clair88860/basic/internal/telemetry"
)

// Config holds all application configuration.
type Config struct {
	Transport string        `yaml:"transport"` // "tinygo", "hci" or "none"
	Adapter   string        `yaml:"adapter"`   // host adapter id, e.g. hci0
	Device    DeviceConfig  `yaml:"device"`
	Wire      WireConfig    `yaml:"wire"`
	Scan      ScanConfig    `yaml:"scan"`
	Connect   ConnectConfig `yaml:"connect"`
	Retry     RetryConfig   `yaml:"retry"`
	LogLevel  string        `yaml:"log_level"`
}

// DeviceConfig identifies the peripheral and its compass characteristic.
type DeviceConfig struct {
	Name               string `yaml:"name"`
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
	CCCDUUID           string `yaml:"cccd_uuid"`
	MatchService       bool   `yaml:"match_service"` // also require the service in advertisements
}

// WireConfig describes the notification payload.
type WireConfig struct {
	Format         string  `yaml:"format"` // "float32le" or "int16le"
	UnitsToDegrees float64 `yaml:"units_to_degrees"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Timeout time.Duration `yaml:"timeout"` // 0 scans until stopped
}

// ConnectConfig holds connection settings.
type ConnectConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig controls reconnection after the link drops while streaming.
type RetryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 retries forever
	Backoff     string        `yaml:"backoff"`      // "fixed" or "exponential"
	Delay       time.Duration `yaml:"delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "compass-link")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Transport: ble.TransportTinyGo,
		Adapter:   "hci0",
		Device: DeviceConfig{
			Name:               ble.DefaultDeviceName,
			ServiceUUID:        ble.DefaultServiceUUID,
			CharacteristicUUID: ble.DefaultCharacteristicUUID,
			CCCDUUID:           ble.CCCDUUID,
		},
		Wire: WireConfig{
			Format:         telemetry.Float32LEDegrees.String(),
			UnitsToDegrees: telemetry.DefaultUnitsToDegrees,
		},
		Scan:    ScanConfig{Timeout: 15 * time.Second},
		Connect: ConnectConfig{Timeout: 10 * time.Second},
		Retry: RetryConfig{
			Enabled:     true,
			MaxAttempts: 5,
			Backoff:     "exponential",
			Delay:       time.Second,
			MaxDelay:    30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Transport {
	case ble.TransportTinyGo, ble.TransportHCI, ble.TransportNone:
	default:
		return fmt.Errorf("transport must be tinygo, hci, or none, got %q", c.Transport)
	}

	if c.Device.Name == "" && !c.Device.MatchService {
		return fmt.Errorf("device.name must not be empty unless device.match_service is set")
	}
	for key, v := range map[string]string{
		"device.service_uuid":        c.Device.ServiceUUID,
		"device.characteristic_uuid": c.Device.CharacteristicUUID,
		"device.cccd_uuid":           c.Device.CCCDUUID,
	} {
		if _, err := parseUUID(v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	if _, err := telemetry.ParseWireFormat(c.Wire.Format); err != nil {
		return fmt.Errorf("wire.format: %w", err)
	}
	if c.Wire.UnitsToDegrees <= 0 {
		return fmt.Errorf("wire.units_to_degrees must be > 0")
	}

	if c.Scan.Timeout < 0 {
		return fmt.Errorf("scan.timeout must not be negative")
	}
	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be > 0")
	}

	if _, err := link.ParseBackoff(c.Retry.Backoff); err != nil {
		return fmt.Errorf("retry.backoff: %w", err)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Retry.Delay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Options converts the config into link manager options. UUIDs come out
// in canonical lowercase form.
func (c *Config) Options() (link.Options, error) {
	if err := c.Validate(); err != nil {
		return link.Options{}, err
	}
	service, _ := parseUUID(c.Device.ServiceUUID)
	char, _ := parseUUID(c.Device.CharacteristicUUID)
	cccd, _ := parseUUID(c.Device.CCCDUUID)
	format, _ := telemetry.ParseWireFormat(c.Wire.Format)
	backoff, _ := link.ParseBackoff(c.Retry.Backoff)

	return link.Options{
		Filter: ble.Filter{
			Name:           c.Device.Name,
			ServiceUUID:    service,
			RequireService: c.Device.MatchService,
		},
		GATT: ble.GATTConfig{
			ServiceUUID:        service,
			CharacteristicUUID: char,
			CCCDUUID:           cccd,
		},
		Format:         format,
		UnitsToDegrees: c.Wire.UnitsToDegrees,
		ScanTimeout:    c.Scan.Timeout,
		ConnectTimeout: c.Connect.Timeout,
		Retry: link.RetryPolicy{
			Enabled:     c.Retry.Enabled,
			MaxAttempts: c.Retry.MaxAttempts,
			Backoff:     backoff,
			Delay:       c.Retry.Delay,
			MaxDelay:    c.Retry.MaxDelay,
		},
	}, nil
}

// parseUUID accepts 16-, 32- and 128-bit forms and returns the canonical
// 128-bit string.
func parseUUID(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("uuid must not be empty")
	}
	u, err := uuid.Parse(ble.NormalizeUUID(s))
	if err != nil {
		return "", fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return u.String(), nil
}

const header = "# compass-link configuration\n# Durations use Go syntax (500ms, 15s, 1m).\n\n"

// Marshal renders c as commented YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return append([]byte(header), data...), nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the written path, or "" when the file existed.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	data, err := Default().Marshal()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing config: %w", err)
	}
	return path, nil
}
