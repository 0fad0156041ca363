// Package config handles configuration management using Viper
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Virtual displays driven by the pipeline
	Displays []DisplayConfig `mapstructure:"displays"`

	// Frame loop settings
	Pipeline PipelineConfig `mapstructure:"pipeline"`

	// Diagnostics socket
	IPC IPCConfig `mapstructure:"ipc"`

	// SSH diagnostics
	Remote RemoteConfig `mapstructure:"remote"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// DisplayConfig describes one virtual output target and the sink behind it
type DisplayConfig struct {
	ID      int32  `mapstructure:"id"`      // Negative IDs hand the sink out directly
	Name    string `mapstructure:"name"`    // Diagnostic name
	Width   int    `mapstructure:"width"`   // Sink buffer width
	Height  int    `mapstructure:"height"`  // Sink buffer height
	Format  string `mapstructure:"format"`  // Sink pixel format
	Buffers int    `mapstructure:"buffers"` // Sink slot count
	Render  bool   `mapstructure:"render"`  // Queue a rendered frame every tick
}

// PipelineConfig contains frame loop settings
type PipelineConfig struct {
	Frames      int           `mapstructure:"frames"`       // 0 runs until interrupted
	Interval    time.Duration `mapstructure:"interval"`     // Time between frames
	PullTimeout time.Duration `mapstructure:"pull_timeout"` // Sink dequeue bound for empty-buffer pulls
}

// IPCConfig contains diagnostics socket settings
type IPCConfig struct {
	SocketPath string `mapstructure:"socket_path"` // Empty means /tmp/vdsurface-<user>.sock
}

// RemoteConfig contains SSH diagnostics settings
type RemoteConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Address     string   `mapstructure:"address"`       // Listen address, e.g. ":2222"
	HostKeyPath string   `mapstructure:"host_key_path"` // Generated on first start if missing
	AllowedKeys []string `mapstructure:"allowed_keys"`  // SHA256 fingerprints of accepted keys
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel string `mapstructure:"log_level"` // Override LOG_LEVEL env var
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Displays: []DisplayConfig{
			{
				ID:      0,
				Name:    "virtual-0",
				Width:   1280,
				Height:  720,
				Format:  "RGBA_8888",
				Buffers: 3,
				Render:  true,
			},
		},
		Pipeline: PipelineConfig{
			Frames:      0,
			Interval:    16 * time.Millisecond,
			PullTimeout: time.Second,
		},
		IPC: IPCConfig{
			SocketPath: "",
		},
		Remote: RemoteConfig{
			Enabled:     false,
			Address:     ":2222",
			HostKeyPath: "",
			AllowedKeys: []string{},
		},
		Logging: LoggingConfig{
			LogLevel: "", // Empty means use LOG_LEVEL env var
		},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	// Set config name and type
	viper.SetConfigName("vdsurface")
	viper.SetConfigType("toml")

	// If a specific path is set, use only that
	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		// Add config paths in order of precedence
		viper.AddConfigPath("/etc/vdsurface")
		if home := os.Getenv("HOME"); home != "" {
			viper.AddConfigPath(filepath.Join(home, ".config", "vdsurface"))
		}
		viper.AddConfigPath(".") // Current directory (lowest priority)
	}

	viper.SetEnvPrefix("VDSURFACE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults - need to set individual fields for proper merging
	viper.SetDefault("displays", DefaultConfig.Displays)

	viper.SetDefault("pipeline.frames", DefaultConfig.Pipeline.Frames)
	viper.SetDefault("pipeline.interval", DefaultConfig.Pipeline.Interval)
	viper.SetDefault("pipeline.pull_timeout", DefaultConfig.Pipeline.PullTimeout)

	viper.SetDefault("ipc.socket_path", DefaultConfig.IPC.SocketPath)

	viper.SetDefault("remote.enabled", DefaultConfig.Remote.Enabled)
	viper.SetDefault("remote.address", DefaultConfig.Remote.Address)
	viper.SetDefault("remote.host_key_path", DefaultConfig.Remote.HostKeyPath)
	viper.SetDefault("remote.allowed_keys", DefaultConfig.Remote.AllowedKeys)

	viper.SetDefault("logging.log_level", DefaultConfig.Logging.LogLevel)

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults
	}

	// Unmarshal config
	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg = c

	return nil
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		// Return defaults if not initialized
		return &DefaultConfig
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// Validate checks display definitions for conflicts
func (c *Config) Validate() error {
	names := make(map[string]bool)
	ids := make(map[int32]string)

	for i, d := range c.Displays {
		if d.Name == "" {
			return fmt.Errorf("display %d: name is required", i)
		}
		if names[d.Name] {
			return fmt.Errorf("display %q: duplicate name", d.Name)
		}
		names[d.Name] = true

		if d.ID >= 0 {
			if other, ok := ids[d.ID]; ok {
				return fmt.Errorf("display %q: id %d already used by %q", d.Name, d.ID, other)
			}
			ids[d.ID] = d.Name
		}
		if d.Buffers <= 0 {
			return fmt.Errorf("display %q: buffers must be positive, got %d", d.Name, d.Buffers)
		}
		if d.Width < 0 || d.Height < 0 {
			return fmt.Errorf("display %q: invalid size %dx%d", d.Name, d.Width, d.Height)
		}
	}

	if c.Pipeline.Frames < 0 {
		return fmt.Errorf("pipeline frames must not be negative, got %d", c.Pipeline.Frames)
	}
	if c.Remote.Enabled && len(c.Remote.AllowedKeys) == 0 {
		return fmt.Errorf("remote diagnostics enabled without allowed_keys")
	}
	return nil
}

// Save saves the current configuration to file
func Save() error {
	configPath := GetConfigPath()

	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		if os.IsPermission(err) && strings.Contains(configPath, "/etc/") {
			return fmt.Errorf("failed to create config directory %s: permission denied. Try running with sudo", dir)
		}
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write config
	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	// If override is set, use that
	if configPathOverride != "" {
		return configPathOverride
	}

	// Check if config file is already loaded
	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}

	if os.Getuid() == 0 {
		return "/etc/vdsurface/vdsurface.toml"
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/vdsurface/vdsurface.toml"
	}

	return filepath.Join(home, ".config", "vdsurface", "vdsurface.toml")
}

// GetHostKeyPath returns the SSH host key path, next to the config file
// unless set explicitly
func (c *Config) GetHostKeyPath() string {
	if c.Remote.HostKeyPath != "" {
		return c.Remote.HostKeyPath
	}
	return filepath.Join(filepath.Dir(GetConfigPath()), "ssh_host_ed25519")
}

// AddDisplay adds or replaces a display by name
func AddDisplay(display DisplayConfig) error {
	c := Get()
	displays := append([]DisplayConfig(nil), c.Displays...)

	replaced := false
	for i, d := range displays {
		if d.Name == display.Name {
			displays[i] = display
			replaced = true
			break
		}
	}
	if !replaced {
		displays = append(displays, display)
	}

	next := *c
	next.Displays = displays
	if err := next.Validate(); err != nil {
		return err
	}

	viper.Set("displays", displays)
	cfg = &next
	return Save()
}

// RemoveDisplay removes a display by name
func RemoveDisplay(name string) error {
	c := Get()

	for i, d := range c.Displays {
		if d.Name == name {
			displays := append([]DisplayConfig(nil), c.Displays[:i]...)
			displays = append(displays, c.Displays[i+1:]...)

			next := *c
			next.Displays = displays
			viper.Set("displays", displays)
			cfg = &next
			return Save()
		}
	}

	return fmt.Errorf("display %s not found", name)
}
