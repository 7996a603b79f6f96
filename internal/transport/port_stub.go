//go:build !linux

package transport

import "os"

// DefaultPortPaths names the virtio console port. Only the Linux guest has one.
var DefaultPortPaths = []string{"/dev/virtio-ports/org.flatvm.port.0"}

func openPort(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}
