package channel

import (
	"context"
	"errors"
	"io"

	"grimm.is/flatvm/internal/protocol"
)

// Guest is the agent's end of the protocol. It announces itself with
// Handshake, then receives mount and run commands through PollEvent and
// answers each with Acknowledge.
type Guest struct {
	handle
}

// NewGuest takes ownership of conn.
func NewGuest(conn io.ReadWriteCloser, opts ...Option) *Guest {
	return &Guest{handle: handle{s: newSession(SideGuest, conn, buildOptions(opts))}}
}

// Handshake sends Ready{version} and waits for the host's ack, returning
// its status.
func (g *Guest) Handshake(ctx context.Context, version string) (int32, error) {
	if err := g.check(); err != nil {
		return 0, err
	}
	s := g.s
	if err := s.beginHandshake(); err != nil {
		return 0, err
	}

	ready := protocol.NewReady(version)
	ready.ID = s.allocID()
	if err := s.write(ready); err != nil {
		return 0, err
	}

	m, err := s.readHandshake(ctx)
	if err != nil {
		return 0, err
	}
	if m.IsClosed() {
		return 0, protocol.ErrPeerClosed
	}
	if m.Type != protocol.MsgAck {
		_, err := protocol.Expect(m, protocol.AckOnly)
		s.fail(err)
		return 0, err
	}
	if m.Ref != 0 && m.Ref != ready.ID {
		err := &protocol.ProtocolError{Got: m.Type, Err: errors.New("handshake ack references another command")}
		s.fail(err)
		return 0, err
	}

	s.becomeReady(version)
	return m.Ack.Status, nil
}

// Acknowledge answers the oldest unanswered mount or run command.
func (g *Guest) Acknowledge(status int32) error {
	if err := g.check(); err != nil {
		return err
	}
	if err := g.s.usable(); err != nil {
		return err
	}
	ack := protocol.NewAck(status)
	ack.Ref = g.s.takeUnacked()
	return g.s.send(ack)
}

// ReportExitCode tells the host the launched app exited with code.
func (g *Guest) ReportExitCode(code int32) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.s.send(protocol.NewAppExitCode(code))
}

// SendClipboardEvent pushes clipboard contents to the host.
func (g *Guest) SendClipboardEvent(data string) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.s.send(protocol.NewClipboardEvent(data))
}

// SendDesktopNotification forwards a notification raised inside the VM.
func (g *Guest) SendDesktopNotification(n protocol.DesktopNotification) error {
	if err := g.check(); err != nil {
		return err
	}
	return g.s.send(protocol.NewDesktopNotification(n))
}

// PollEvent blocks until the host sends a command or clipboard update, or
// the connection ends. Mount and run commands must be answered with
// Acknowledge. Acks nobody waited for are returned as events.
func (g *Guest) PollEvent(ctx context.Context) (protocol.Message, error) {
	if err := g.check(); err != nil {
		return protocol.Message{}, err
	}
	return g.s.poll(ctx)
}

// Duplicate returns another handle on the same connection.
func (g *Guest) Duplicate() (*Guest, error) {
	s, err := g.duplicate()
	if err != nil {
		return nil, err
	}
	return &Guest{handle: handle{s: s}}, nil
}

// Close releases this handle. The last Close closes the connection.
func (g *Guest) Close() error {
	return g.close()
}

func (g *Guest) State() State {
	return g.s.State()
}

func (g *Guest) SessionID() string {
	return g.s.id
}
