package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/transport"
)

// Config is the guest agent configuration, read from YAML.
type Config struct {
	// Port lists virtio console devices to try, in order.
	Port []string `yaml:"port"`
	// Address, when set, is dialled instead of opening Port (unix path or vsock:CID:PORT).
	Address         string `yaml:"address"`
	ConnectAttempts int    `yaml:"connect_attempts"`
	ConnectInterval string `yaml:"connect_interval"`

	MountRoot string `yaml:"mount_root"`

	// Launch is the argv prefix the app id is appended to.
	Launch         []string `yaml:"launch"`
	DBusRunSession []string `yaml:"dbus_run_session"`
	// User is the unprivileged account apps run as when asked to.
	User string `yaml:"user"`
	// Terminal runs apps on a pseudo-terminal and logs their output at debug.
	Terminal bool `yaml:"terminal"`

	Clipboard     ClipboardConfig     `yaml:"clipboard"`
	Notifications NotificationsConfig `yaml:"notifications"`

	Log   LogConfig `yaml:"log"`
	Trace bool      `yaml:"trace"`
}

type ClipboardConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ReadCommand  []string `yaml:"read_command"`
	WriteCommand []string `yaml:"write_command"`
	PollInterval string   `yaml:"poll_interval"`
}

type NotificationsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Socket  string `yaml:"socket"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Port:            append([]string(nil), transport.DefaultPortPaths...),
		ConnectAttempts: transport.DefaultAttempts,
		ConnectInterval: "1s",
		MountRoot:       "/run/flatvm/shares",
		Launch:          []string{"flatpak", "run"},
		DBusRunSession:  []string{"dbus-run-session", "--"},
		User:            "flatvm",
		Clipboard: ClipboardConfig{
			Enabled:      true,
			ReadCommand:  []string{"xclip", "-selection", "clipboard", "-o"},
			WriteCommand: []string{"xclip", "-selection", "clipboard", "-i"},
			PollInterval: "500ms",
		},
		Notifications: NotificationsConfig{
			Enabled: true,
			Socket:  "/run/flatvm/notify.sock",
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads path over the defaults. Keys absent from the file keep
// their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the YAML decoder cannot.
func (c *Config) Validate() error {
	if c.Address != "" {
		if _, err := transport.ParseAddress(c.Address); err != nil {
			return fmt.Errorf("address: %w", err)
		}
	} else if len(c.Port) == 0 {
		return fmt.Errorf("port: at least one device path is required")
	}
	if len(c.Launch) == 0 {
		return fmt.Errorf("launch: must not be empty")
	}
	if c.MountRoot == "" {
		return fmt.Errorf("mount_root: must not be empty")
	}
	for name, v := range map[string]string{
		"connect_interval":        c.ConnectInterval,
		"clipboard.poll_interval": c.Clipboard.PollInterval,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func (c *Config) connectInterval() time.Duration {
	d, err := time.ParseDuration(c.ConnectInterval)
	if err != nil || d <= 0 {
		return transport.DefaultInterval
	}
	return d
}

func (c *Config) pollInterval() time.Duration {
	d, err := time.ParseDuration(c.Clipboard.PollInterval)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}
