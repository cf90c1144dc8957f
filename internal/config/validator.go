package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateNetwork(&cfg.Network, result)
	validateUSB(&cfg.USB, result)
	validateLogging(&cfg.Logging, result)
	validateAPI(&cfg.API, result)
	validateUsage(&cfg.Usage, result)
	validateMQTT(&cfg.MQTT, result)
	validateDiscord(&cfg.Discord, result)

	// Port conflict detection
	if cfg.API.Enabled {
		ports := map[int]string{
			cfg.Network.ListenPort:    "listen",
			cfg.Network.DiscoveryPort: "discovery",
			cfg.API.Port:              "api",
		}
		if len(ports) < 3 {
			result.AddError("ports", "port conflict detected: listen, discovery and api ports must be unique")
		}
	} else if cfg.Network.ListenPort == cfg.Network.DiscoveryPort {
		result.AddError("ports", "port conflict detected: listen and discovery ports must differ")
	}

	return result
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	if n.Host != "" && net.ParseIP(n.Host) == nil {
		result.AddError("network.host", fmt.Sprintf("not an IP address: %q", n.Host))
	}

	validatePort(n.ListenPort, "network.listen_port", result)
	validatePort(n.DiscoveryPort, "network.discovery_port", result)

	if n.TimeoutSeconds < 1 {
		result.AddError("network.timeout_seconds", "timeout must be at least 1 second")
	}
	if n.SweepInterval < 1 {
		result.AddError("network.sweep_interval", "sweep interval must be at least 1 second")
	} else if n.SweepInterval > n.TimeoutSeconds {
		result.AddWarning("network.sweep_interval",
			"sweep interval exceeds the timeout, disconnects will be reported late")
	}

	if n.AutoDiscovery && n.DiscoveryInterval < 5 {
		result.AddWarning("network.discovery_interval",
			"discovery interval less than 5s floods the LAN with broadcasts")
	}
	if n.TransferTimeoutSeconds < 0 {
		result.AddError("network.transfer_timeout_seconds", "transfer timeout cannot be negative")
	}
}

func validateUSB(u *USBConfig, result *ValidationResult) {
	if !u.Enabled {
		return
	}
	if u.VendorID < 0 || u.VendorID > 0xFFFF {
		result.AddError("usb.vendor_id", fmt.Sprintf("invalid vendor id: %d", u.VendorID))
	}
	if u.ProductID < 0 || u.ProductID > 0xFFFF {
		result.AddError("usb.product_id", fmt.Sprintf("invalid product id: %d", u.ProductID))
	}
	if u.PollIntervalMs < 100 {
		result.AddWarning("usb.poll_interval_ms", "poll interval less than 100ms keeps libusb busy")
	}
}

func validateLogging(l *LoggingConfig, result *ValidationResult) {
	if _, err := zerolog.ParseLevel(l.Level); err != nil {
		result.AddWarning("logging.level", fmt.Sprintf("unknown level %q, falling back to info", l.Level))
	}
	if strings.TrimSpace(l.Directory) == "" {
		result.AddError("logging.directory", "log directory is required")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.Host != "" && net.ParseIP(a.Host) == nil {
		result.AddError("api.host", fmt.Sprintf("not an IP address: %q", a.Host))
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateUsage(u *UsageConfig, result *ValidationResult) {
	if !u.Enabled {
		return
	}
	if strings.TrimSpace(u.Database) == "" {
		result.AddError("usage.database", "database path is required when usage tracking is enabled")
	}
	if u.FlushInterval < 1 {
		result.AddError("usage.flush_interval", "flush interval must be at least 1 second")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
}

func validateDiscord(d *DiscordConfig, result *ValidationResult) {
	if d.WebhookURL == "" {
		return
	}
	u, err := url.Parse(d.WebhookURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		result.AddError("discord.webhook_url", "webhook URL must be an https URL")
		return
	}
	if !strings.Contains(u.Path, "/api/webhooks/") {
		result.AddWarning("discord.webhook_url", "webhook URL does not look like a Discord webhook")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a UDP port is available for binding.
func IsPortAvailable(port int) bool {
	pc, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	pc.Close()
	return true
}
