package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode renders m as one newline-terminated JSON frame. JSON string
// escaping guarantees that payload newlines never appear raw in the frame.
// Frames longer than MaxFrameSize, newline included, are refused so the peer
// never sees a line it must treat as a protocol error.
func Encode(m Message) ([]byte, error) {
	if m.Type == MsgClosed {
		return nil, fmt.Errorf("%w: %s is never sent", ErrInvalidMessage, m.Type)
	}
	if !m.payloadMatches() {
		return nil, fmt.Errorf("%w: payload does not match type %q", ErrInvalidMessage, m.Type)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if len(data)+1 > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s is %d bytes: %w", ErrInvalidMessage, m.Type, len(data)+1, ErrFrameTooLarge)
	}
	return append(data, '\n'), nil
}

// Decode parses one frame. An empty frame is the connection-closed signal
// and yields Closed. Anything that is not a well-formed wire message yields
// a *ProtocolError.
func Decode(frame []byte) (Message, error) {
	line := bytes.TrimRight(frame, "\r\n")
	if len(line) == 0 {
		return Closed(), nil
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return Message{}, &ProtocolError{Err: fmt.Errorf("blank frame"), Frame: quoteFrame(frame)}
	}

	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, &ProtocolError{Err: err, Frame: quoteFrame(line)}
	}
	if m.Type == MsgClosed {
		return Message{}, &ProtocolError{Got: m.Type, Err: fmt.Errorf("closed is never sent"), Frame: quoteFrame(line)}
	}
	if !m.payloadMatches() {
		return Message{}, &ProtocolError{
			Got:   m.Type,
			Err:   fmt.Errorf("unknown type or payload mismatch"),
			Frame: quoteFrame(line),
		}
	}
	return m, nil
}

// KindSet is the set of message kinds valid in some reading context.
type KindSet []MessageType

// Accepts reports whether t is in the set.
func (s KindSet) Accepts(t MessageType) bool {
	for _, k := range s {
		if k == t {
			return true
		}
	}
	return false
}

var (
	// HostEvents is what the host accepts from its event-draining loop.
	HostEvents = KindSet{MsgAppExitCode, MsgClipboard, MsgNotification, MsgClosed}

	// HostInbound is everything the host may read after the handshake.
	HostInbound = KindSet{MsgAck, MsgAppExitCode, MsgClipboard, MsgNotification, MsgClosed}

	// GuestInbound is everything the guest may read after the handshake.
	GuestInbound = KindSet{MsgMountRequest, MsgRunRequest, MsgClipboard, MsgAck, MsgClosed}

	// Handshake is what the host accepts as the first frame.
	Handshake = KindSet{MsgReady}

	// AckOnly is what a side waiting on a round trip accepts.
	AckOnly = KindSet{MsgAck}
)

// Expect returns m when its kind is in set, and a *ProtocolError otherwise.
func Expect(m Message, set KindSet) (Message, error) {
	if set.Accepts(m.Type) {
		return m, nil
	}
	return Message{}, &ProtocolError{Got: m.Type, Expected: set}
}
