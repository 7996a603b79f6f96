package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
mount_root: /mnt/shares
user: alice
launch: [flatpak, run, --branch=stable]
clipboard:
  poll_interval: 250ms
log:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/mnt/shares", cfg.MountRoot)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, []string{"flatpak", "run", "--branch=stable"}, cfg.Launch)
	assert.Equal(t, 250*time.Millisecond, cfg.pollInterval())
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched keys keep their defaults.
	def := DefaultConfig()
	assert.Equal(t, def.Port, cfg.Port)
	assert.Equal(t, def.Clipboard.ReadCommand, cfg.Clipboard.ReadCommand)
	assert.True(t, cfg.Clipboard.Enabled)
	assert.Equal(t, time.Second, cfg.connectInterval())
}

func TestLoadConfigErrors(t *testing.T) {
	tests := map[string]string{
		"unknown key":   "mount_rot: /x\n",
		"bad yaml":      "launch: [unterminated\n",
		"empty launch":  "launch: []\n",
		"bad interval":  "connect_interval: soon\n",
		"bad level":     "log:\n  level: loud\n",
		"bad address":   "address: tcp://host:1\n",
		"no port":       "port: []\n",
		"no mount root": "mount_root: \"\"\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigAddressReplacesPort(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "address: vsock:2:1024\nport: []\n"))
	require.NoError(t, err)
	assert.Equal(t, "vsock:2:1024", cfg.Address)
}

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}
