package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPeerClosed means a read returned zero bytes: the peer hung up.
	ErrPeerClosed = errors.New("peer closed the connection")

	// ErrConnectTimeout means the connect retry budget ran out.
	ErrConnectTimeout = errors.New("timed out waiting for peer")

	// ErrTimeout means a round trip or write did not finish before its deadline.
	ErrTimeout = errors.New("agent did not respond in time")

	// ErrInvalidMessage is returned by Encode for a message that cannot go on the wire.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrFrameTooLarge means a line exceeded MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// TransportError is a connect, read or write failure on the byte stream.
type TransportError struct {
	Op   string // "dial", "read", "write", "open"
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a frame that failed to decode, or decoded to a kind
// that is not valid where it was read. It is fatal to the channel.
type ProtocolError struct {
	Got      MessageType   // Empty when the frame did not decode
	Expected []MessageType // Kinds that were acceptable, if known
	Frame    string        // Offending frame, truncated
	Err      error
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString("protocol error")
	if e.Got != "" {
		fmt.Fprintf(&b, ": unexpected %s", e.Got)
		if len(e.Expected) > 0 {
			parts := make([]string, len(e.Expected))
			for i, t := range e.Expected {
				parts[i] = string(t)
			}
			fmt.Fprintf(&b, " (want %s)", strings.Join(parts, "|"))
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Frame != "" {
		fmt.Fprintf(&b, " in frame %q", e.Frame)
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

const maxQuotedFrame = 128

func quoteFrame(frame []byte) string {
	if len(frame) > maxQuotedFrame {
		return string(frame[:maxQuotedFrame]) + "..."
	}
	return string(frame)
}
