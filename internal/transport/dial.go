// Package transport opens the byte streams the agent protocol runs over:
// the host dials the VM's agent socket (unix or vsock), and the guest opens
// its virtio console port. Both retry on a fixed cadence because either
// side may come up before the other.
package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mdlayher/vsock"

	"grimm.is/flatvm/internal/clock"
	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/metrics"
	"grimm.is/flatvm/internal/protocol"
)

const (
	// DefaultAttempts is the number of retries after the first try.
	DefaultAttempts = 10
	// DefaultInterval is the fixed wait between tries.
	DefaultInterval = time.Second
)

// DialFunc opens one connection to ep.
type DialFunc func(ctx context.Context, ep Endpoint) (net.Conn, error)

// Dialer connects to an endpoint, retrying at a fixed interval until the
// peer is listening or the attempt budget is spent.
type Dialer struct {
	Attempts int           // Retries after the first try; 0 means DefaultAttempts, negative means none
	Interval time.Duration // 0 means DefaultInterval
	Clock    clock.Clock
	DialFunc DialFunc
	Logger   *logging.Logger
}

// Dial connects to address using a default Dialer.
func Dial(ctx context.Context, address string) (net.Conn, error) {
	return (&Dialer{}).Dial(ctx, address)
}

// Dial connects to address. When every try fails it returns a
// *protocol.TransportError wrapping protocol.ErrConnectTimeout.
func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	ep, err := ParseAddress(address)
	if err != nil {
		return nil, &protocol.TransportError{Op: "dial", Addr: address, Err: err}
	}

	dial := d.DialFunc
	if dial == nil {
		dial = dialEndpoint
	}

	var conn net.Conn
	err = d.retry(ctx, "dial", ep.String(), func() error {
		c, err := dial(ctx, ep)
		metrics.Get().RecordConnectAttempt(err)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// OpenPort opens the first of paths that exists as a read/write device,
// retrying on the dialer's cadence while none does.
func (d *Dialer) OpenPort(ctx context.Context, paths ...string) (*os.File, error) {
	if len(paths) == 0 {
		paths = DefaultPortPaths
	}

	var port *os.File
	err := d.retry(ctx, "open", paths[0], func() error {
		var lastErr error
		for _, p := range paths {
			f, err := openPort(p)
			if err == nil {
				port = f
				return nil
			}
			lastErr = err
		}
		return lastErr
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

func (d *Dialer) retry(ctx context.Context, op, addr string, try func() error) error {
	attempts := d.Attempts
	switch {
	case attempts == 0:
		attempts = DefaultAttempts
	case attempts < 0:
		attempts = 0
	}
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clk := clock.OrReal(d.Clock)
	logger := logging.OrDefault(d.Logger).WithComponent("transport")

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return &protocol.TransportError{Op: op, Addr: addr, Err: err}
		}

		lastErr = try()
		if lastErr == nil {
			if attempt > 0 {
				logger.Info("connected after retries", "addr", addr, "attempts", attempt+1)
			}
			return nil
		}
		if attempt >= attempts {
			break
		}

		logger.Debug("peer not ready, retrying", "addr", addr, "attempt", attempt+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return &protocol.TransportError{Op: op, Addr: addr, Err: ctx.Err()}
		case <-clk.After(interval):
		}
	}

	logger.Warn("giving up", "addr", addr, "attempts", attempts+1, "error", lastErr)
	return &protocol.TransportError{
		Op:   op,
		Addr: addr,
		Err:  fmt.Errorf("%w after %d attempts: %v", protocol.ErrConnectTimeout, attempts+1, lastErr),
	}
}

func dialEndpoint(ctx context.Context, ep Endpoint) (net.Conn, error) {
	switch ep.Network {
	case "vsock":
		c, err := vsock.Dial(ep.CID, ep.Port, nil)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		var d net.Dialer
		return d.DialContext(ctx, "unix", ep.Path)
	}
}
