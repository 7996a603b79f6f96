package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flatvm/internal/clock"
	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/protocol"
)

// flakyDial fails the first n tries, then hands out one end of a pipe.
func flakyDial(n int, calls *int) DialFunc {
	return func(ctx context.Context, ep Endpoint) (net.Conn, error) {
		*calls++
		if *calls <= n {
			return nil, errors.New("connect: no such file or directory")
		}
		c, _ := net.Pipe()
		return c, nil
	}
}

func newTestDialer(dial DialFunc) (*Dialer, *clock.MockClock) {
	mock := clock.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return &Dialer{Clock: mock, DialFunc: dial, Logger: logging.Discard()}, mock
}

func TestDialSucceedsWithinBudget(t *testing.T) {
	calls := 0
	d, mock := newTestDialer(flakyDial(9, &calls))

	conn, err := d.Dial(context.Background(), "/run/flatvm/agent.sock")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, 10, calls, "nine failures then success on the tenth try")
	waits := mock.Waits()
	require.Len(t, waits, 9)
	for _, w := range waits {
		assert.Equal(t, time.Second, w, "fixed one second cadence")
	}
}

func TestDialSucceedsOnLastRetry(t *testing.T) {
	calls := 0
	d, _ := newTestDialer(flakyDial(DefaultAttempts, &calls))

	conn, err := d.Dial(context.Background(), "unix:/run/flatvm/agent.sock")
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, DefaultAttempts+1, calls)
}

func TestDialTimesOutAfterBudget(t *testing.T) {
	calls := 0
	d, mock := newTestDialer(flakyDial(1000, &calls))

	_, err := d.Dial(context.Background(), "/run/flatvm/agent.sock")
	require.Error(t, err)

	assert.Equal(t, DefaultAttempts+1, calls, "eleventh consecutive failure exhausts the budget")
	assert.ErrorIs(t, err, protocol.ErrConnectTimeout)
	assert.True(t, protocol.IsTransportError(err))
	assert.Len(t, mock.Waits(), DefaultAttempts)
	assert.Contains(t, err.Error(), "no such file or directory")
}

func TestDialCustomBudget(t *testing.T) {
	calls := 0
	d, mock := newTestDialer(flakyDial(1000, &calls))
	d.Attempts = 3
	d.Interval = 250 * time.Millisecond

	_, err := d.Dial(context.Background(), "/tmp/x.sock")
	require.ErrorIs(t, err, protocol.ErrConnectTimeout)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}, mock.Waits())

	calls = 0
	d.Attempts = -1
	_, err = d.Dial(context.Background(), "/tmp/x.sock")
	require.Error(t, err)
	assert.Equal(t, 1, calls, "negative attempts means a single try")
}

func TestDialHonoursContext(t *testing.T) {
	calls := 0
	d, _ := newTestDialer(flakyDial(1000, &calls))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dial(ctx, "/tmp/x.sock")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, protocol.ErrConnectTimeout)
	assert.Equal(t, 0, calls)
}

func TestDialBadAddress(t *testing.T) {
	d, _ := newTestDialer(nil)
	_, err := d.Dial(context.Background(), "tcp://1.2.3.4:80")
	require.Error(t, err)
	assert.True(t, protocol.IsTransportError(err))
}

func TestDialRealUnixSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.sock")

	l, err := Listen(path)
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	d := &Dialer{Logger: logging.Discard()}
	conn, err := d.Dial(context.Background(), "unix:"+path)
	require.NoError(t, err)
	defer conn.Close()

	peer := <-accepted
	defer peer.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf))
}

func TestListenRemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	l, err := Listen(path)
	require.NoError(t, err)
	l.Close()
}

func TestOpenPortRetriesUntilDeviceAppears(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "vport-missing")
	present := filepath.Join(dir, "vport0p1")
	require.NoError(t, os.WriteFile(present, nil, 0o600))

	d, mock := newTestDialer(nil)
	f, err := d.OpenPort(context.Background(), missing, present)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, present, f.Name())
	assert.Empty(t, mock.Waits(), "second candidate exists, no retry needed")

	d.Attempts = 2
	_, err = d.OpenPort(context.Background(), missing)
	require.ErrorIs(t, err, protocol.ErrConnectTimeout)
	assert.Len(t, mock.Waits(), 2)
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Endpoint
		wantErr bool
	}{
		{"/run/a.sock", Endpoint{Network: "unix", Path: "/run/a.sock"}, false},
		{"unix:/run/a.sock", Endpoint{Network: "unix", Path: "/run/a.sock"}, false},
		{"vsock:3:1024", Endpoint{Network: "vsock", CID: 3, Port: 1024}, false},
		{"vsock::1024", Endpoint{Network: "vsock", Port: 1024}, false},
		{"vsock:3", Endpoint{}, true},
		{"vsock:x:1", Endpoint{}, true},
		{"unix:", Endpoint{}, true},
		{"", Endpoint{}, true},
		{"http://x", Endpoint{}, true},
	}
	for _, tc := range tests {
		got, err := ParseAddress(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
	assert.Equal(t, "vsock:3:1024", Endpoint{Network: "vsock", CID: 3, Port: 1024}.String())
}
