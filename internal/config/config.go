// Package config handles configuration loading, validation, and persistence
// for the pspdrp daemon.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir     = "config"
	DefaultConfigFile    = "config.toml"
	DefaultListenPort    = 9276
	DefaultDiscoveryPort = 9277
	DefaultAPIPort       = 9280
	DefaultVendorID      = 0x054C
	DefaultProductID     = 0x01C9
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Network NetworkConfig `toml:"network"`
	USB     USBConfig     `toml:"usb"`
	Logging LoggingConfig `toml:"logging"`
	API     APIConfig     `toml:"api"`
	Usage   UsageConfig   `toml:"usage"`
	MQTT    MQTTConfig    `toml:"mqtt"`
	Discord DiscordConfig `toml:"discord"`
}

// NetworkConfig holds the UDP transport settings. Durations are in seconds.
type NetworkConfig struct {
	Host              string `toml:"host"`
	ListenPort        int    `toml:"listen_port"`
	DiscoveryPort     int    `toml:"discovery_port"`
	AutoDiscovery     bool   `toml:"auto_discovery"`
	DiscoveryInterval int    `toml:"discovery_interval"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	SweepInterval     int    `toml:"sweep_interval"`
	// TransferTimeoutSeconds expires idle chunk transfers; 0 keeps them for
	// the life of the session.
	TransferTimeoutSeconds int  `toml:"transfer_timeout_seconds"`
	LegacyStats            bool `toml:"legacy_stats"`
}

// Timeout returns the session liveness timeout.
func (n NetworkConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// Sweep returns the session sweep period.
func (n NetworkConfig) Sweep() time.Duration {
	return time.Duration(n.SweepInterval) * time.Second
}

// TransferTTL returns the idle transfer timeout, zero when disabled.
func (n NetworkConfig) TransferTTL() time.Duration {
	return time.Duration(n.TransferTimeoutSeconds) * time.Second
}

// Discovery returns the discovery broadcast period.
func (n NetworkConfig) Discovery() time.Duration {
	return time.Duration(n.DiscoveryInterval) * time.Second
}

// USBConfig holds the USB transport settings.
type USBConfig struct {
	Enabled        bool `toml:"enabled"`
	VendorID       int  `toml:"vendor_id"`
	ProductID      int  `toml:"product_id"`
	PollIntervalMs int  `toml:"poll_interval_ms"`
}

// PollInterval returns the attach polling period.
func (u USBConfig) PollInterval() time.Duration {
	return time.Duration(u.PollIntervalMs) * time.Millisecond
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level"`
	Directory  string `toml:"directory"`
	MaxBackups int    `toml:"max_backups"`
	Console    bool   `toml:"console"`
}

// APIConfig holds the REST API settings.
type APIConfig struct {
	Enabled        bool     `toml:"enabled"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
	RateLimitRPS   int      `toml:"rate_limit_rps"`
}

// UsageConfig holds the play time tracker settings.
type UsageConfig struct {
	Enabled  bool   `toml:"enabled"`
	Database string `toml:"database"`
	// FlushInterval is how often running sessions are written, in seconds.
	FlushInterval int  `toml:"flush_interval"`
	AutoIcons     bool `toml:"auto_icons"`
}

// Flush returns the flush period.
func (u UsageConfig) Flush() time.Duration {
	return time.Duration(u.FlushInterval) * time.Second
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `toml:"enabled"`
	BrokerURL   string `toml:"broker_url"`
	Port        int    `toml:"port"`
	UseTLS      bool   `toml:"use_tls"`
	CAFile      string `toml:"ca_file"`
	ClientID    string `toml:"client_id"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	TopicPrefix string `toml:"topic_prefix"`
}

// DiscordConfig holds Discord webhook notification settings.
type DiscordConfig struct {
	WebhookURL         string `toml:"webhook_url"`
	NotifyOnConnect    bool   `toml:"notify_on_connect"`
	NotifyOnGameChange bool   `toml:"notify_on_game_change"`
	NotifyOnDisconnect bool   `toml:"notify_on_disconnect"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			ListenPort:        DefaultListenPort,
			DiscoveryPort:     DefaultDiscoveryPort,
			AutoDiscovery:     true,
			DiscoveryInterval: 30,
			TimeoutSeconds:    90,
			SweepInterval:     10,
		},
		USB: USBConfig{
			Enabled:        true,
			VendorID:       DefaultVendorID,
			ProductID:      DefaultProductID,
			PollIntervalMs: 1000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
		API: APIConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"http://localhost:9280"},
			RateLimitRPS:   50,
		},
		Usage: UsageConfig{
			Enabled:       true,
			Database:      "data/pspdrp.db",
			FlushInterval: 60,
			AutoIcons:     true,
		},
		MQTT: MQTTConfig{
			Port:        1883,
			ClientID:    "pspdrp",
			TopicPrefix: "pspdrp",
		},
		Discord: DiscordConfig{
			NotifyOnConnect:    true,
			NotifyOnGameChange: true,
			NotifyOnDisconnect: true,
		},
	}
}

// Load reads configuration from config.toml in configDir, creating it with
// defaults when missing.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	for _, key := range md.Undecoded() {
		log.Warn().Str("key", key.String()).Msg("unknown config key ignored")
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so the file lists options added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetwork returns a copy of the network configuration.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// GetUSB returns a copy of the USB configuration.
func (c *Config) GetUSB() USBConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.USB
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	api := c.API
	api.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return api
}

// GetUsage returns a copy of the usage tracker configuration.
func (c *Config) GetUsage() UsageConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Usage
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetDiscord returns a copy of the Discord configuration.
func (c *Config) GetDiscord() DiscordConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Discord
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
