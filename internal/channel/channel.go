// Package channel implements both ends of the agent protocol: the host
// controller's view (Host) and the in-VM agent's view (Guest).
//
// Each connection is owned by one session. The session runs a single
// reader goroutine that decodes every inbound frame and routes it: acks go
// to the round trip waiting for them (matched by request id, or
// positionally when the peer sends none), everything else goes to an event
// queue drained by PollEvent. Handles returned by Duplicate share the
// session, so a command flow and an event-draining flow can run in separate
// goroutines without racing for frames.
//
// State machine, identical on both sides:
//
//	AwaitingHandshake --ready/ack--> Ready
//	Ready --command/ack, events--> Ready
//	Ready --peer closed--> Closed   (terminal)
//	Ready --bad frame/kind--> Faulted (terminal)
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/protocol"
)

// State is the lifecycle state of a channel.
type State int32

const (
	StateAwaitingHandshake State = iota
	StateReady
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further operations are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFaulted
}

// Side names which end of the protocol a channel speaks for.
type Side string

const (
	SideHost  Side = "host"
	SideGuest Side = "guest"
)

var (
	// ErrNotReady is returned by operations issued before the handshake completed.
	ErrNotReady = errors.New("channel handshake not complete")

	// ErrAlreadyInitialized is returned by a second handshake attempt.
	ErrAlreadyInitialized = errors.New("channel handshake already done")

	// ErrHandleClosed is returned by operations on a handle after Close.
	ErrHandleClosed = errors.New("channel handle closed")
)

// CommandError wraps a non-zero ack status for callers that want to treat
// a command failure as an error. The channel itself never returns one.
type CommandError struct {
	Op     string
	Status int32
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed with status %d", e.Op, e.Status)
}

// CheckStatus returns a *CommandError for a non-zero status.
func CheckStatus(op string, status int32) error {
	if status == 0 {
		return nil
	}
	return &CommandError{Op: op, Status: status}
}

// Options tune a channel.
type Options struct {
	// HandshakeTimeout bounds Initialize/Handshake. Zero waits forever.
	HandshakeTimeout time.Duration
	// RoundTripTimeout bounds each command/ack round trip. Zero waits forever.
	RoundTripTimeout time.Duration
	// WriteTimeout bounds each frame write when the connection supports deadlines.
	WriteTimeout time.Duration
	// Trace logs every frame in both directions.
	Trace  bool
	Logger *logging.Logger
}

// Option mutates Options.
type Option func(*Options)

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) { o.HandshakeTimeout = d }
}

func WithRoundTripTimeout(d time.Duration) Option {
	return func(o *Options) { o.RoundTripTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) { o.WriteTimeout = d }
}

func WithTrace(on bool) Option {
	return func(o *Options) { o.Trace = on }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func buildOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// timeoutErr converts a context error into the channel's error vocabulary.
func timeoutErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", protocol.ErrTimeout, err)
	}
	return err
}
