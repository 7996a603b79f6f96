package channel

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flatvm/internal/protocol"
)

func TestHandshake(t *testing.T) {
	h, g := connected(t)
	assert.Equal(t, StateReady, h.State())
	assert.Equal(t, StateReady, g.State())
	assert.Equal(t, "1.0", h.Version())
	assert.NotEmpty(t, h.SessionID())
}

func TestRequestMount(t *testing.T) {
	h, g := connected(t)
	ctx := testCtx(t)
	seen := serveGuest(ctx, g, 0)

	dir := protocol.SharedDir{
		Kind:       protocol.SharedDirApp,
		OwnerApp:   "editor",
		SourcePath: "/home/u/Documents",
		MountTag:   "shareddir0",
		ReadOnly:   false,
	}
	status, err := h.RequestMount(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, int32(0), status)

	m := <-seen
	require.Equal(t, protocol.MsgMountRequest, m.Type)
	assert.Equal(t, dir, m.Mount.SharedDir)
}

func TestRequestRunThenExitCode(t *testing.T) {
	h, g := connected(t)
	ctx := testCtx(t)
	seen := serveGuest(ctx, g, 0)

	status, err := h.RequestRun(ctx, "editor", true, true)
	require.NoError(t, err)
	assert.Equal(t, int32(0), status)

	m := <-seen
	require.Equal(t, protocol.MsgRunRequest, m.Type)
	assert.Equal(t, protocol.RunRequest{App: "editor", RunAsUser: true, StartDesktopSession: true}, *m.Run)

	require.NoError(t, g.ReportExitCode(1))

	ev, err := h.PollEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgAppExitCode, ev.Type)
	assert.Equal(t, int32(1), ev.ExitCode.Code)
}

func TestCommandFailureIsAResult(t *testing.T) {
	h, g := connected(t)
	ctx := testCtx(t)
	serveGuest(ctx, g, 32)

	status, err := h.RequestRun(ctx, "missing.app", false, false)
	require.NoError(t, err)
	assert.Equal(t, int32(32), status)
	assert.Equal(t, StateReady, h.State())

	var cmdErr *CommandError
	require.ErrorAs(t, CheckStatus("run", status), &cmdErr)
	assert.Equal(t, int32(32), cmdErr.Status)
	assert.NoError(t, CheckStatus("run", 0))
}

func TestHostEventsFromGuest(t *testing.T) {
	h, g := connected(t)
	ctx := testCtx(t)

	n := protocol.DesktopNotification{AppName: "editor", Summary: "Saved", Body: "line one\nline two"}
	require.NoError(t, g.SendClipboardEvent("copied"))
	require.NoError(t, g.SendDesktopNotification(n))

	ev, err := h.PollEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgClipboard, ev.Type)
	assert.Equal(t, "copied", ev.Clipboard.Data)

	ev, err = h.PollEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgNotification, ev.Type)
	assert.Equal(t, n, *ev.Notification)
}

func TestInitializeRejectsWrongFirstFrame(t *testing.T) {
	h, p := rawHost(t)
	go p.conn.Write([]byte(`{"type":"ack","ack":{"status":0}}` + "\n"))

	_, err := h.Initialize(testCtx(t))
	require.Error(t, err)

	var perr *protocol.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.MsgAck, perr.Got)
	assert.Equal(t, StateFaulted, h.State())

	_, err = h.RequestMount(testCtx(t), protocol.SharedDir{Kind: protocol.SharedDirSystem})
	assert.True(t, protocol.IsProtocolError(err), "faulted channel keeps reporting the fault")
}

func TestInitializeTwice(t *testing.T) {
	h, _ := connected(t)
	_, err := h.Initialize(testCtx(t))
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestInitializeTimeout(t *testing.T) {
	h, _ := pair(t, WithHandshakeTimeout(20*time.Millisecond))

	_, err := h.Initialize(testCtx(t))
	require.ErrorIs(t, err, protocol.ErrTimeout)
	assert.False(t, protocol.IsProtocolError(err))
	assert.Equal(t, StateFaulted, h.State())
}

func TestInitializePeerClosed(t *testing.T) {
	h, p := rawHost(t)
	p.conn.Close()

	_, err := h.Initialize(testCtx(t))
	require.ErrorIs(t, err, protocol.ErrPeerClosed)
	assert.Equal(t, StateClosed, h.State())
}

func TestHostOperationsBeforeHandshake(t *testing.T) {
	h, _ := pair(t)
	ctx := testCtx(t)

	_, err := h.RequestMount(ctx, protocol.SharedDir{Kind: protocol.SharedDirUser})
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = h.RequestRun(ctx, "editor", false, false)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = h.PollEvent(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, h.SendClipboardEvent("x"), ErrNotReady)
}

func TestRequestMountRejectsUnknownKind(t *testing.T) {
	h, _ := connected(t)
	_, err := h.RequestMount(testCtx(t), protocol.SharedDir{Kind: "floppy"})
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)
	assert.Equal(t, StateReady, h.State())
}

func TestPositionalAcks(t *testing.T) {
	h, p := rawHostReady(t)
	ctx := testCtx(t)

	type result struct {
		status int32
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := h.RequestMount(ctx, protocol.SharedDir{Kind: protocol.SharedDirUser, MountTag: "shareddir1"})
		done <- result{status, err}
	}()

	cmd := p.next(t)
	require.Equal(t, protocol.MsgMountRequest, cmd.Type)
	assert.NotZero(t, cmd.ID)

	p.send(t, `{"type":"ack","ack":{"status":3}}`)
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, int32(3), r.status)
}

func TestHostFaultsOnCommandFromGuest(t *testing.T) {
	h, p := rawHostReady(t)
	ctx := testCtx(t)

	p.send(t, `{"type":"run_request","runRequest":{"app":"x","runAsUser":false,"startDesktopSession":false}}`)

	_, err := h.PollEvent(ctx)
	var perr *protocol.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.MsgRunRequest, perr.Got)
	assert.Equal(t, StateFaulted, h.State())

	_, err = h.RequestRun(ctx, "editor", false, false)
	assert.True(t, protocol.IsProtocolError(err))
}

func TestHostFaultsOnGarbage(t *testing.T) {
	h, p := rawHostReady(t)
	p.send(t, `this is not a frame`)

	_, err := h.PollEvent(testCtx(t))
	assert.True(t, protocol.IsProtocolError(err))
	assert.Equal(t, StateFaulted, h.State())
}

func TestHostFaultsOnStrayAck(t *testing.T) {
	h, p := rawHostReady(t)
	p.send(t, `{"type":"ack","ack":{"status":0}}`)

	_, err := h.PollEvent(testCtx(t))
	assert.True(t, protocol.IsProtocolError(err))
}

func TestPollEventAfterPeerClosed(t *testing.T) {
	h, p := rawHostReady(t)
	ctx := testCtx(t)

	p.send(t, `{"type":"clipboard_event","clipboardEvent":{"data":"a"}}`)
	p.send(t, `{"type":"app_exit_code","appExitCode":{"code":0}}`)
	p.conn.Close()

	ev, err := h.PollEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgClipboard, ev.Type)

	ev, err = h.PollEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgAppExitCode, ev.Type)

	for i := 0; i < 3; i++ {
		ev, err = h.PollEvent(ctx)
		require.NoError(t, err)
		assert.True(t, ev.IsClosed(), "closed is sticky")
	}
	assert.Equal(t, StateClosed, h.State())

	_, err = h.RequestRun(ctx, "editor", false, false)
	assert.ErrorIs(t, err, protocol.ErrPeerClosed)
	assert.ErrorIs(t, h.SendClipboardEvent("late"), protocol.ErrPeerClosed)
}

func TestPendingRoundTripFailsWhenPeerCloses(t *testing.T) {
	h, p := rawHostReady(t)
	ctx := testCtx(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.RequestRun(ctx, "editor", false, false)
		done <- err
	}()

	p.next(t)
	p.conn.Close()

	err := <-done
	assert.ErrorIs(t, err, protocol.ErrPeerClosed)
	assert.False(t, errors.Is(err, protocol.ErrTimeout))
}
