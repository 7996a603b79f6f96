package transport

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"github.com/mdlayher/vsock"
)

// Listen binds address for the side that waits to be dialled. A stale unix
// socket file left by a previous run is removed first.
func Listen(address string) (net.Listener, error) {
	ep, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	switch ep.Network {
	case "vsock":
		var (
			l   *vsock.Listener
			err error
		)
		if ep.CID == 0 {
			l, err = vsock.Listen(ep.Port, nil)
		} else {
			l, err = vsock.ListenContextID(ep.CID, ep.Port, nil)
		}
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		if err := os.Remove(ep.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", ep.Path, err)
		}
		return net.Listen("unix", ep.Path)
	}
}
