//go:build linux

package transport

import (
	"os"

	"golang.org/x/sys/unix"
)

// DefaultPortPaths are where udev and the bare kernel expose the agent's
// virtio console port.
var DefaultPortPaths = []string{
	"/dev/virtio-ports/org.flatvm.port.0",
	"/dev/vport0p1",
}

// openPort opens a virtio console device without making it our controlling tty.
func openPort(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
}
