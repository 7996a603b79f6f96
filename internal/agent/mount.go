package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"grimm.is/flatvm/internal/protocol"
)

// Mounter makes a shared directory visible inside the guest and returns
// where it was mounted.
type Mounter interface {
	Mount(dir protocol.SharedDir) (string, error)
}

// MountFunc has the signature of unix.Mount.
type MountFunc func(source, target, fstype string, flags uintptr, data string) error

// NinePMounter mounts virtio 9p shares under Root.
type NinePMounter struct {
	Root    string
	Mount9P MountFunc // nil means the mount(2) syscall
}

// MountPath is where dir is mounted under root: <root>/<kind>/<owner> for
// app shares, <root>/<kind> otherwise.
func MountPath(root string, dir protocol.SharedDir) string {
	if dir.Kind == protocol.SharedDirApp {
		return filepath.Join(root, string(dir.Kind), dir.OwnerApp)
	}
	return filepath.Join(root, string(dir.Kind))
}

func (m *NinePMounter) Mount(dir protocol.SharedDir) (string, error) {
	if !dir.Kind.Valid() {
		return "", fmt.Errorf("unknown share kind %q: %w", dir.Kind, unix.EINVAL)
	}
	if dir.MountTag == "" {
		return "", fmt.Errorf("share has no mount tag: %w", unix.EINVAL)
	}
	if dir.Kind == protocol.SharedDirApp && !validOwner(dir.OwnerApp) {
		return "", fmt.Errorf("bad owner app %q: %w", dir.OwnerApp, unix.EINVAL)
	}

	target := MountPath(m.Root, dir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", target, err)
	}

	var flags uintptr
	if dir.ReadOnly {
		flags |= unix.MS_RDONLY
	}
	mount := m.Mount9P
	if mount == nil {
		mount = unix.Mount
	}
	if err := mount(dir.MountTag, target, "9p", flags, "trans=virtio,version=9p2000.L"); err != nil {
		return "", fmt.Errorf("mount %s on %s: %w", dir.MountTag, target, err)
	}
	return target, nil
}

// mountStatus maps a mount error to the ack status: the errno when there
// is one, 1 otherwise.
func mountStatus(err error) int32 {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return int32(errno)
	}
	return 1
}

func validOwner(app string) bool {
	return app != "" && app != "." && app != ".." && filepath.Base(app) == app
}
