// Package brand provides the product name, build information and default
// directories shared by the host and guest binaries.
//
// Directories can be relocated through the environment:
// FLATVM_CONFIG_DIR and FLATVM_RUN_DIR take priority, then FLATVM_PREFIX.
package brand

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	Name             = "flatvm"
	AgentName        = "flatvm-agent"
	Description      = "Run Flatpak applications inside lightweight virtual machines"
	ConfigEnvPrefix  = "FLATVM"
	DefaultConfigDir = "/etc/flatvm"
	DefaultRunDir    = "/tmp/flatvm"
	ConfigFileName   = "flatvm.hcl"
	AgentConfigFile  = "agent.yaml"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// ProtocolVersion is what the agent announces in its ready message.
func ProtocolVersion() string {
	return Version
}

// VersionString is the one-line version report printed by both binaries.
func VersionString(binary string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s/%s)",
		binary, Version, GitCommit, BuildTime, runtime.GOOS, runtime.GOARCH)
}

// GetConfigDir returns the config directory.
// Priority: FLATVM_CONFIG_DIR > FLATVM_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	return dirFromEnv("_CONFIG_DIR", "config", DefaultConfigDir)
}

// GetRunDir returns the runtime directory for agent and QMP sockets.
// Priority: FLATVM_RUN_DIR > FLATVM_PREFIX/run > DefaultRunDir
func GetRunDir() string {
	return dirFromEnv("_RUN_DIR", "run", DefaultRunDir)
}

// ConfigPath is the default host config file.
func ConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// AgentConfigPath is the default guest agent config file.
func AgentConfigPath() string {
	return filepath.Join(GetConfigDir(), AgentConfigFile)
}

func dirFromEnv(suffix, sub, def string) string {
	if dir := os.Getenv(ConfigEnvPrefix + suffix); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return def
}
