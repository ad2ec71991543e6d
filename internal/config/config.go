package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blesc/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	Scanner   ScannerConfig   `yaml:"scanner"`
	Admission AdmissionConfig `yaml:"admission"`
	Store     StoreConfig     `yaml:"store"`
	Session   SessionConfig   `yaml:"session"`
	Setup     SetupConfig     `yaml:"config_mode"`
	Fault     FaultConfig     `yaml:"fault"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	LogLevel  string          `yaml:"log_level"`
}

// ScannerConfig holds scanning and connection settings.
type ScannerConfig struct {
	RssiLimit       int           `yaml:"rssi_limit"`       // adverts at or below are ignored, TOOLS excepted
	NodeID          uint16        `yaml:"node_id"`          // 0 means use the provisioned id
	LocalMAC        string        `yaml:"local_mac"`        // sent to iOS peers in the identification block
	ConnectInterval time.Duration `yaml:"connect_interval"` // how often the best stored peer is considered
	QueueSize       int           `yaml:"queue_size"`
	Allow           []string      `yaml:"allow"` // if set, only these bleam addresses are whitelisted
}

// AdmissionConfig holds whitelist and blacklist timing.
type AdmissionConfig struct {
	MaclistTimeout      time.Duration `yaml:"maclist_timeout"`
	BlacklistTimeout    time.Duration `yaml:"blacklist_timeout"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	ProvisionalCapacity int           `yaml:"provisional_capacity"`
}

// StoreConfig sizes the RSSI sample store.
type StoreConfig struct {
	Capacity      int           `yaml:"capacity"`
	PerMessage    int           `yaml:"per_message"`
	AgingInterval time.Duration `yaml:"aging_interval"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// SessionConfig holds per-connection protocol settings.
type SessionConfig struct {
	MaxDataLen        int           `yaml:"max_data_len"`
	DefaultMode       string        `yaml:"default_mode"` // "none", "rssi" or "cmd"
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	TrustTimeout      time.Duration `yaml:"trust_timeout"`
	DiscoveryRounds   int           `yaml:"discovery_rounds"`
	WireOrder         string        `yaml:"wire_order"` // "big" or "little"
}

// SetupConfig holds the configuration-mode GATT server settings, used
// while the node is not provisioned.
type SetupConfig struct {
	HardwareID        uint8         `yaml:"hardware_id"` // reported in the version characteristic
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	AdvInterval       time.Duration `yaml:"adv_interval"`
}

// FaultConfig holds the retained error record location.
type FaultConfig struct {
	ScratchPath string `yaml:"scratch_path"`
}

// KeystoreConfig holds the provisioning store location.
type KeystoreConfig struct {
	Dir        string `yaml:"dir"`
	Passphrase string `yaml:"passphrase"` // BLESC_KEYSTORE_PASSPHRASE overrides
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blesc")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	dataDir := filepath.Join("~", ".local", "share", "blesc")
	return &Config{
		Scanner: ScannerConfig{
			RssiLimit:       -128,
			ConnectInterval: time.Second,
			QueueSize:       256,
		},
		Admission: AdmissionConfig{
			MaclistTimeout:      30 * time.Second,
			BlacklistTimeout:    60 * time.Second,
			SweepInterval:       5 * time.Minute,
			ProvisionalCapacity: 16,
		},
		Store: StoreConfig{
			Capacity:      8,
			PerMessage:    5,
			AgingInterval: 5 * time.Second,
			MaxAge:        30 * time.Second,
		},
		Session: SessionConfig{
			MaxDataLen:        protocol.DefaultMaxDataLen,
			DefaultMode:       "none",
			InactivityTimeout: 3 * time.Second,
			TrustTimeout:      60 * time.Second,
			DiscoveryRounds:   8,
			WireOrder:         "big",
		},
		Setup: SetupConfig{
			HardwareID:        1,
			InactivityTimeout: 30 * time.Second,
			AdvInterval:       500 * time.Millisecond,
		},
		Fault: FaultConfig{
			ScratchPath: filepath.Join(dataDir, "fault.bin"),
		},
		Keystore: KeystoreConfig{
			Dir: filepath.Join(dataDir, "keystore"),
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading tilde in paths is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg.Resolve(), nil
}

// Resolve expands paths and applies environment overrides. Load calls it;
// callers starting from Default call it themselves.
func (c *Config) Resolve() *Config {
	c.expandPaths()
	if pass := os.Getenv("BLESC_KEYSTORE_PASSPHRASE"); pass != "" {
		c.Keystore.Passphrase = pass
	}
	return c
}

func (c *Config) expandPaths() {
	c.Fault.ScratchPath = expandTilde(c.Fault.ScratchPath)
	c.Keystore.Dir = expandTilde(c.Keystore.Dir)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Scanner.RssiLimit < -128 || c.Scanner.RssiLimit > 127 {
		return fmt.Errorf("scanner.rssi_limit must be in [-128, 127], got %d", c.Scanner.RssiLimit)
	}
	if c.Scanner.LocalMAC != "" {
		if _, err := protocol.ParseAddress(c.Scanner.LocalMAC); err != nil {
			return fmt.Errorf("scanner.local_mac: %w", err)
		}
	}
	for _, a := range c.Scanner.Allow {
		if _, err := protocol.ParseAddress(a); err != nil {
			return fmt.Errorf("scanner.allow: %w", err)
		}
	}
	if c.Scanner.ConnectInterval <= 0 {
		return fmt.Errorf("scanner.connect_interval must be > 0")
	}

	if c.Admission.MaclistTimeout <= 0 {
		return fmt.Errorf("admission.maclist_timeout must be > 0")
	}
	if c.Admission.BlacklistTimeout <= 0 {
		return fmt.Errorf("admission.blacklist_timeout must be > 0")
	}
	if c.Admission.SweepInterval <= 0 {
		return fmt.Errorf("admission.sweep_interval must be > 0")
	}

	if c.Store.Capacity <= 0 {
		return fmt.Errorf("store.capacity must be > 0")
	}
	if c.Store.PerMessage <= 0 {
		return fmt.Errorf("store.per_message must be > 0")
	}
	if c.Store.AgingInterval <= 0 || c.Store.MaxAge <= 0 {
		return fmt.Errorf("store.aging_interval and store.max_age must be > 0")
	}

	if c.Session.MaxDataLen <= 0 || c.Session.MaxDataLen > 244 {
		return fmt.Errorf("session.max_data_len must be in [1, 244], got %d", c.Session.MaxDataLen)
	}
	switch c.Session.DefaultMode {
	case "none", "rssi", "cmd":
	default:
		return fmt.Errorf("session.default_mode must be \"none\", \"rssi\" or \"cmd\", got %q", c.Session.DefaultMode)
	}
	switch c.Session.WireOrder {
	case "big", "little":
	default:
		return fmt.Errorf("session.wire_order must be \"big\" or \"little\", got %q", c.Session.WireOrder)
	}
	if c.Session.InactivityTimeout <= 0 || c.Session.TrustTimeout <= 0 {
		return fmt.Errorf("session.inactivity_timeout and session.trust_timeout must be > 0")
	}

	if c.Setup.InactivityTimeout <= 0 || c.Setup.AdvInterval <= 0 {
		return fmt.Errorf("config_mode.inactivity_timeout and config_mode.adv_interval must be > 0")
	}

	if c.Fault.ScratchPath == "" {
		return fmt.Errorf("fault.scratch_path must not be empty")
	}
	if c.Keystore.Dir == "" {
		return fmt.Errorf("keystore.dir must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values map
// to Info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

const defaultHeader = `# blesc configuration
# Durations use Go syntax (500ms, 30s, 5m). Paths may start with ~.
# The keystore passphrase can also be set with BLESC_KEYSTORE_PASSPHRASE.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything if the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), body...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
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
