package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// Endpoint is a parsed agent address.
type Endpoint struct {
	Network string // "unix" or "vsock"
	Path    string // unix socket path
	CID     uint32 // vsock context id
	Port    uint32 // vsock port
}

func (e Endpoint) String() string {
	if e.Network == "vsock" {
		return fmt.Sprintf("vsock:%d:%d", e.CID, e.Port)
	}
	return "unix:" + e.Path
}

// ParseAddress accepts "unix:/path", a bare "/path", or "vsock:CID:PORT".
func ParseAddress(addr string) (Endpoint, error) {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		return Endpoint{}, fmt.Errorf("empty address")

	case strings.HasPrefix(addr, "vsock:"):
		parts := strings.Split(strings.TrimPrefix(addr, "vsock:"), ":")
		if len(parts) != 2 {
			return Endpoint{}, fmt.Errorf("invalid vsock address %q (want vsock:CID:PORT)", addr)
		}
		var cid uint64
		if parts[0] != "" {
			var err error
			cid, err = strconv.ParseUint(parts[0], 10, 32)
			if err != nil {
				return Endpoint{}, fmt.Errorf("invalid vsock cid in %q: %w", addr, err)
			}
		}
		port, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid vsock port in %q: %w", addr, err)
		}
		return Endpoint{Network: "vsock", CID: uint32(cid), Port: uint32(port)}, nil

	case strings.HasPrefix(addr, "unix:"):
		path := strings.TrimPrefix(addr, "unix:")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix address %q", addr)
		}
		return Endpoint{Network: "unix", Path: path}, nil

	case strings.Contains(addr, "://"):
		return Endpoint{}, fmt.Errorf("unsupported address scheme in %q", addr)

	default:
		return Endpoint{Network: "unix", Path: addr}, nil
	}
}
