package config

import (
	"path/filepath"
	"time"

	"grimm.is/flatvm/internal/brand"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure for the host controller configuration.
type Config struct {
	// Schema version for backward compatibility. Empty means "1.0".
	SchemaVersion string `hcl:"schema_version,optional"`

	VM            *VMConfig            `hcl:"vm,block"`
	Agent         *AgentConfig         `hcl:"agent,block"`
	QMP           *QMPConfig           `hcl:"qmp,block"`
	App           *AppConfig           `hcl:"app,block"`
	Shares        []ShareConfig        `hcl:"share,block"`
	Clipboard     *ClipboardConfig     `hcl:"clipboard,block"`
	Notifications *NotificationsConfig `hcl:"notifications,block"`
	Metrics       *MetricsConfig       `hcl:"metrics,block"`
	Log           *LogConfig           `hcl:"log,block"`
}

// VMConfig describes how to launch the VM.
type VMConfig struct {
	Name      string   `hcl:"name,optional"`
	QEMU      string   `hcl:"qemu,optional"`
	Image     string   `hcl:"image"`
	Kernel    string   `hcl:"kernel,optional"`
	CPUs      int      `hcl:"cpus,optional"`
	MemoryMB  int      `hcl:"memory_mb,optional"`
	Network   bool     `hcl:"network,optional"`
	Audio     bool     `hcl:"audio,optional"`
	RunDir    string   `hcl:"run_dir,optional"`
	ExtraArgs []string `hcl:"extra_args,optional"`
}

// AgentConfig locates the in-VM agent and tunes the protocol.
type AgentConfig struct {
	// Address is a unix socket path or vsock:CID:PORT.
	Address          string `hcl:"address,optional"`
	ConnectAttempts  int    `hcl:"connect_attempts,optional"`
	ConnectInterval  string `hcl:"connect_interval,optional"`
	HandshakeTimeout string `hcl:"handshake_timeout,optional"`
	RoundTripTimeout string `hcl:"round_trip_timeout,optional"`
	WriteTimeout     string `hcl:"write_timeout,optional"`
	Trace            bool   `hcl:"trace,optional"`
}

// QMPConfig locates the qemu monitor socket.
type QMPConfig struct {
	Address string `hcl:"address,optional"`
	// PowerdownTimeout is how long to wait for a clean shutdown before killing the VM.
	PowerdownTimeout string `hcl:"powerdown_timeout,optional"`
}

// AppConfig is the application launched inside the VM.
type AppConfig struct {
	ID             string `hcl:"id,label"`
	RunAsUser      bool   `hcl:"run_as_user,optional"`
	DesktopSession bool   `hcl:"desktop_session,optional"`
}

// ShareConfig is a host directory exported to the guest.
type ShareConfig struct {
	Kind     string `hcl:"kind,label"`
	Source   string `hcl:"source"`
	OwnerApp string `hcl:"owner_app,optional"`
	ReadOnly bool   `hcl:"read_only,optional"`
}

// ClipboardConfig controls host clipboard mirroring.
type ClipboardConfig struct {
	Enabled      bool     `hcl:"enabled,optional"`
	ReadCommand  []string `hcl:"read_command,optional"`
	WriteCommand []string `hcl:"write_command,optional"`
	PollInterval string   `hcl:"poll_interval,optional"`
}

// NotificationsConfig controls display of guest notifications on the host.
type NotificationsConfig struct {
	Enabled bool     `hcl:"enabled,optional"`
	Command []string `hcl:"command,optional"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `hcl:"listen"`
}

// LogConfig sets logging output.
type LogConfig struct {
	Level string `hcl:"level,optional"`
	JSON  bool   `hcl:"json,optional"`
}

// Defaults returns a configuration with every optional setting filled in.
// It has no app; a loaded file must provide one.
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}

	if c.VM != nil {
		if c.VM.Name == "" {
			c.VM.Name = "flatvm"
			if c.App != nil && c.App.ID != "" {
				c.VM.Name = c.App.ID
			}
		}
		if c.VM.QEMU == "" {
			c.VM.QEMU = "qemu-system-x86_64"
		}
		if c.VM.CPUs == 0 {
			c.VM.CPUs = 1
		}
		if c.VM.MemoryMB == 0 {
			c.VM.MemoryMB = 1024
		}
	}
	runDir := c.RunDir()

	if c.Agent == nil {
		c.Agent = &AgentConfig{}
	}
	if c.Agent.Address == "" {
		c.Agent.Address = filepath.Join(runDir, c.instanceName()+".agent.sock")
	}
	if c.Agent.ConnectAttempts == 0 {
		c.Agent.ConnectAttempts = 10
	}
	if c.Agent.ConnectInterval == "" {
		c.Agent.ConnectInterval = "1s"
	}

	if c.QMP == nil {
		c.QMP = &QMPConfig{}
	}
	if c.QMP.Address == "" {
		c.QMP.Address = filepath.Join(runDir, c.instanceName()+".qmp.sock")
	}
	if c.QMP.PowerdownTimeout == "" {
		c.QMP.PowerdownTimeout = "30s"
	}

	for i := range c.Shares {
		if c.Shares[i].Kind == "app" && c.Shares[i].OwnerApp == "" && c.App != nil {
			c.Shares[i].OwnerApp = c.App.ID
		}
	}

	if c.Clipboard == nil {
		c.Clipboard = &ClipboardConfig{}
	}
	if len(c.Clipboard.ReadCommand) == 0 {
		c.Clipboard.ReadCommand = []string{"xclip", "-selection", "clipboard", "-o"}
	}
	if len(c.Clipboard.WriteCommand) == 0 {
		c.Clipboard.WriteCommand = []string{"xclip", "-selection", "clipboard", "-i"}
	}
	if c.Clipboard.PollInterval == "" {
		c.Clipboard.PollInterval = "500ms"
	}

	if c.Notifications == nil {
		c.Notifications = &NotificationsConfig{}
	}
	if len(c.Notifications.Command) == 0 {
		c.Notifications.Command = []string{"notify-send"}
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// RunDir is where per-instance sockets live.
func (c *Config) RunDir() string {
	if c.VM != nil && c.VM.RunDir != "" {
		return c.VM.RunDir
	}
	return brand.GetRunDir()
}

func (c *Config) instanceName() string {
	if c.VM != nil && c.VM.Name != "" {
		return c.VM.Name
	}
	if c.App != nil && c.App.ID != "" {
		return c.App.ID
	}
	return "flatvm"
}

// ConnectIntervalDuration returns the parsed agent connect interval.
func (a *AgentConfig) ConnectIntervalDuration() time.Duration {
	return duration(a.ConnectInterval, time.Second)
}

func (a *AgentConfig) HandshakeTimeoutDuration() time.Duration {
	return duration(a.HandshakeTimeout, 0)
}

func (a *AgentConfig) RoundTripTimeoutDuration() time.Duration {
	return duration(a.RoundTripTimeout, 0)
}

func (a *AgentConfig) WriteTimeoutDuration() time.Duration {
	return duration(a.WriteTimeout, 0)
}

func (q *QMPConfig) PowerdownTimeoutDuration() time.Duration {
	return duration(q.PowerdownTimeout, 30*time.Second)
}

func (c *ClipboardConfig) PollIntervalDuration() time.Duration {
	return duration(c.PollInterval, 500*time.Millisecond)
}

// duration parses s, falling back to def when s is empty or malformed.
// Validate reports malformed values.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
