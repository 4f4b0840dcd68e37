package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/live-link/pkg/protocol"
)

const (
	DefaultDiscoveryPort       = 10061
	DefaultRequestPort         = 10062
	DefaultBroadcastIntervalMs = 5000
	DefaultSocketTimeoutMs     = 5000
	DefaultMaxFrameBytes       = 16 << 20
	DefaultBroadcastAddr       = "255.255.255.255"
	DefaultTickIntervalMs      = 50
)

// Config application configuration structure
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Device    DeviceConfig    `yaml:"device"`
	Editor    EditorConfig    `yaml:"editor"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TransportConfig ports, timeouts and limits shared by both sides
type TransportConfig struct {
	DiscoveryPort       int    `yaml:"discovery_port"`        // UDP port devices broadcast on and editors listen on
	RequestPort         int    `yaml:"request_port"`          // TCP port devices accept requests on
	BroadcastIntervalMs int    `yaml:"broadcast_interval_ms"` // Minimum gap between two device announcements
	SocketTimeoutMs     int    `yaml:"socket_timeout_ms"`     // Bound for connect, send and receive operations
	MaxFrameBytes       int    `yaml:"max_frame_bytes"`       // Largest payload a decoder accepts before tearing the connection down
	BroadcastAddr       string `yaml:"broadcast_addr"`        // Destination of announcements (e.g., "255.255.255.255" or a subnet broadcast)
}

// DeviceConfig device side configuration
type DeviceConfig struct {
	DisplayName    string `yaml:"display_name"`     // Name announced to editors (defaults to "<hostname> <os>/<arch>")
	TickIntervalMs int    `yaml:"tick_interval_ms"` // Polling cycle of the host loop
}

// EditorConfig editor side configuration
type EditorConfig struct {
	TickIntervalMs int `yaml:"tick_interval_ms"`
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig metrics listener configuration
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"` // Empty disables the metrics server
	TelemetryPath string `yaml:"telemetry_path"`
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "livelink.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Transport.DiscoveryPort == 0 {
		c.Transport.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.Transport.RequestPort == 0 {
		c.Transport.RequestPort = DefaultRequestPort
	}
	if c.Transport.BroadcastIntervalMs == 0 {
		c.Transport.BroadcastIntervalMs = DefaultBroadcastIntervalMs
	}
	if c.Transport.SocketTimeoutMs == 0 {
		c.Transport.SocketTimeoutMs = DefaultSocketTimeoutMs
	}
	if c.Transport.MaxFrameBytes == 0 {
		c.Transport.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Transport.BroadcastAddr == "" {
		c.Transport.BroadcastAddr = DefaultBroadcastAddr
	}

	if c.Device.DisplayName == "" {
		c.Device.DisplayName = DefaultDisplayName()
	}
	if c.Device.TickIntervalMs == 0 {
		c.Device.TickIntervalMs = DefaultTickIntervalMs
	}
	if c.Editor.TickIntervalMs == 0 {
		c.Editor.TickIntervalMs = DefaultTickIntervalMs
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Metrics.TelemetryPath == "" {
		c.Metrics.TelemetryPath = "/metrics"
	}
}

// Validate checks ranges that would otherwise fail later at bind or decode time.
func (c *Config) Validate() error {
	if c.Transport.DiscoveryPort < 0 || c.Transport.DiscoveryPort > 65535 {
		return fmt.Errorf("invalid discovery_port: %d", c.Transport.DiscoveryPort)
	}
	if c.Transport.RequestPort < 0 || c.Transport.RequestPort > 65535 {
		return fmt.Errorf("invalid request_port: %d", c.Transport.RequestPort)
	}
	if c.Transport.BroadcastIntervalMs <= 0 {
		return fmt.Errorf("broadcast_interval_ms must be positive, got %d", c.Transport.BroadcastIntervalMs)
	}
	if c.Transport.SocketTimeoutMs <= 0 {
		return fmt.Errorf("socket_timeout_ms must be positive, got %d", c.Transport.SocketTimeoutMs)
	}
	if c.Transport.MaxFrameBytes < 1 {
		return fmt.Errorf("max_frame_bytes must be at least 1, got %d", c.Transport.MaxFrameBytes)
	}
	if c.Device.TickIntervalMs <= 0 || c.Editor.TickIntervalMs <= 0 {
		return fmt.Errorf("tick_interval_ms must be positive")
	}
	return ValidateDisplayName(c.Device.DisplayName)
}

// ValidateDisplayName rejects names a registry could not read back intact:
// blank, invalid UTF-8, or longer than one discovery datagram.
func ValidateDisplayName(name string) error {
	if len(name) > protocol.MaxBroadcastSize {
		return fmt.Errorf("display_name is %d bytes, limit is %d", len(name), protocol.MaxBroadcastSize)
	}
	if _, err := protocol.ParseBroadcast([]byte(name)); err != nil {
		return fmt.Errorf("invalid display_name: %w", err)
	}
	return nil
}

// DefaultDisplayName builds the announced name from the host name and platform.
func DefaultDisplayName() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return hostname + " " + runtime.GOOS + "/" + runtime.GOARCH
}

// GetBroadcastInterval gets the device announcement interval
func (c *Config) GetBroadcastInterval() time.Duration {
	return time.Duration(c.Transport.BroadcastIntervalMs) * time.Millisecond
}

// GetSocketTimeout gets the connect/send/receive bound
func (c *Config) GetSocketTimeout() time.Duration {
	return time.Duration(c.Transport.SocketTimeoutMs) * time.Millisecond
}

// GetDeviceTickInterval gets the device polling cycle
func (c *Config) GetDeviceTickInterval() time.Duration {
	return time.Duration(c.Device.TickIntervalMs) * time.Millisecond
}

// GetEditorTickInterval gets the editor polling cycle
func (c *Config) GetEditorTickInterval() time.Duration {
	return time.Duration(c.Editor.TickIntervalMs) * time.Millisecond
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	setInt := func(name string, dst *int) {
		if val := os.Getenv(name); val != "" {
			if i, err := strconv.Atoi(val); err == nil {
				*dst = i
			}
		}
	}

	setInt("DISCOVERY_PORT", &c.Transport.DiscoveryPort)
	setInt("REQUEST_PORT", &c.Transport.RequestPort)
	setInt("BROADCAST_INTERVAL_MS", &c.Transport.BroadcastIntervalMs)
	setInt("SOCKET_TIMEOUT_MS", &c.Transport.SocketTimeoutMs)
	setInt("MAX_FRAME_BYTES", &c.Transport.MaxFrameBytes)
	if val := os.Getenv("BROADCAST_ADDR"); val != "" {
		c.Transport.BroadcastAddr = val
	}

	if val := os.Getenv("DISPLAY_NAME"); val != "" {
		c.Device.DisplayName = val
	}
	// One knob for both sides; a host only ever runs one of them.
	if val := os.Getenv("TICK_INTERVAL_MS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Device.TickIntervalMs = i
			c.Editor.TickIntervalMs = i
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	if val, ok := os.LookupEnv("METRICS_LISTEN_ADDRESS"); ok {
		c.Metrics.ListenAddress = val
	}
	if val := os.Getenv("METRICS_TELEMETRY_PATH"); val != "" {
		c.Metrics.TelemetryPath = val
	}
}
