package channel

import (
	"context"
	"fmt"
	"io"

	"grimm.is/flatvm/internal/protocol"
)

// Host is the controller's end of the agent protocol. It issues mount and
// run commands and drains exit codes, clipboard updates and notifications.
// A Host is safe for concurrent use; Duplicate hands out additional handles
// on the same connection.
type Host struct {
	handle
}

// NewHost takes ownership of conn. The returned channel awaits the guest's
// Ready message; call Initialize before anything else.
func NewHost(conn io.ReadWriteCloser, opts ...Option) *Host {
	return &Host{handle: handle{s: newSession(SideHost, conn, buildOptions(opts))}}
}

// Initialize reads the guest's Ready message, acknowledges it with status 0
// and returns the agent's version string. Any other first frame faults the
// channel with a *protocol.ProtocolError.
func (h *Host) Initialize(ctx context.Context) (string, error) {
	if err := h.check(); err != nil {
		return "", err
	}
	s := h.s
	if err := s.beginHandshake(); err != nil {
		return "", err
	}

	m, err := s.readHandshake(ctx)
	if err != nil {
		return "", err
	}
	if m.IsClosed() {
		return "", protocol.ErrPeerClosed
	}
	if m.Type != protocol.MsgReady {
		_, err := protocol.Expect(m, protocol.Handshake)
		s.fail(err)
		return "", err
	}

	ack := protocol.NewAck(0)
	ack.Ref = m.ID
	if err := s.write(ack); err != nil {
		return "", err
	}

	s.becomeReady(m.Ready.Version)
	s.log.Info("agent connected", "version", m.Ready.Version)
	return m.Ready.Version, nil
}

// RequestMount asks the guest to mount dir and returns the guest's status.
// A non-zero status is a result, not an error.
func (h *Host) RequestMount(ctx context.Context, dir protocol.SharedDir) (int32, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	if !dir.Kind.Valid() {
		return 0, fmt.Errorf("%w: unknown shared dir kind %q", protocol.ErrInvalidMessage, dir.Kind)
	}
	ack, err := h.s.roundTrip(ctx, protocol.NewMountRequest(dir))
	if err != nil {
		return 0, err
	}
	return ack.Ack.Status, nil
}

// RequestRun asks the guest to launch app and returns the guest's status.
// The app's eventual exit code arrives later through PollEvent.
func (h *Host) RequestRun(ctx context.Context, app string, asUser, desktopSession bool) (int32, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	ack, err := h.s.roundTrip(ctx, protocol.NewRunRequest(app, asUser, desktopSession))
	if err != nil {
		return 0, err
	}
	return ack.Ack.Status, nil
}

// PollEvent blocks until the guest sends an AppExitCode, ClipboardEvent or
// DesktopNotification, or the connection ends. After the guest disconnects
// every call returns protocol.Closed() with a nil error.
func (h *Host) PollEvent(ctx context.Context) (protocol.Message, error) {
	if err := h.check(); err != nil {
		return protocol.Message{}, err
	}
	return h.s.poll(ctx)
}

// SendClipboardEvent pushes clipboard contents to the guest. No ack is expected.
func (h *Host) SendClipboardEvent(data string) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.s.send(protocol.NewClipboardEvent(data))
}

// Duplicate returns another handle on the same connection. The connection
// stays open until every handle is closed.
func (h *Host) Duplicate() (*Host, error) {
	s, err := h.duplicate()
	if err != nil {
		return nil, err
	}
	return &Host{handle: handle{s: s}}, nil
}

// Close releases this handle. Closing twice is a no-op.
func (h *Host) Close() error {
	return h.close()
}

// State reports the channel state shared by all handles.
func (h *Host) State() State {
	return h.s.State()
}

// Version is the agent version received in the handshake.
func (h *Host) Version() string {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.version
}

// SessionID identifies the connection in logs.
func (h *Host) SessionID() string {
	return h.s.id
}
