package channel

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/protocol"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// pair returns a host and guest joined by an in-memory pipe.
func pair(t *testing.T, opts ...Option) (*Host, *Guest) {
	t.Helper()
	hc, gc := net.Pipe()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	h := NewHost(hc, opts...)
	g := NewGuest(gc, opts...)
	t.Cleanup(func() {
		h.Close()
		g.Close()
	})
	return h, g
}

// connected returns a pair that has completed the handshake.
func connected(t *testing.T, opts ...Option) (*Host, *Guest) {
	t.Helper()
	h, g := pair(t, opts...)
	ctx := testCtx(t)

	type result struct {
		status int32
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := g.Handshake(ctx, "1.0")
		done <- result{status, err}
	}()

	version, err := h.Initialize(ctx)
	require.NoError(t, err)
	require.Equal(t, "1.0", version)

	r := <-done
	require.NoError(t, r.err)
	require.Equal(t, int32(0), r.status)
	return h, g
}

// serveGuest acknowledges every command with status and forwards what it
// saw. It stops when the channel closes.
func serveGuest(ctx context.Context, g *Guest, status int32) <-chan protocol.Message {
	seen := make(chan protocol.Message, 64)
	go func() {
		defer close(seen)
		for {
			m, err := g.PollEvent(ctx)
			if err != nil || m.IsClosed() {
				return
			}
			if m.IsCommand() {
				if err := g.Acknowledge(status); err != nil {
					return
				}
			}
			seen <- m
		}
	}()
	return seen
}

// rawPeer speaks raw frames so tests can misbehave on the wire.
type rawPeer struct {
	conn net.Conn
	in   chan protocol.Message
}

func newRawPeer(conn net.Conn) *rawPeer {
	p := &rawPeer{conn: conn, in: make(chan protocol.Message, 64)}
	go func() {
		defer close(p.in)
		r := protocol.NewReader(conn)
		for {
			m, _, err := r.ReadMessage()
			if err != nil || m.IsClosed() {
				return
			}
			p.in <- m
		}
	}()
	return p
}

func (p *rawPeer) send(t *testing.T, line string) {
	t.Helper()
	_, err := p.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (p *rawPeer) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m, ok := <-p.in:
		require.True(t, ok, "peer stream ended")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Message{}
	}
}

// rawHost returns a Host whose guest end is driven by a rawPeer.
func rawHost(t *testing.T, opts ...Option) (*Host, *rawPeer) {
	t.Helper()
	hc, rc := net.Pipe()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	h := NewHost(hc, opts...)
	p := newRawPeer(rc)
	t.Cleanup(func() {
		h.Close()
		rc.Close()
	})
	return h, p
}

// rawHostReady is rawHost after an id-less Ready/Ack exchange.
func rawHostReady(t *testing.T, opts ...Option) (*Host, *rawPeer) {
	t.Helper()
	h, p := rawHost(t, opts...)
	go p.conn.Write([]byte(`{"type":"ready","ready":{"version":"0.9"}}` + "\n"))

	version, err := h.Initialize(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, "0.9", version)

	ack := p.next(t)
	require.Equal(t, protocol.MsgAck, ack.Type)
	require.Equal(t, uint64(0), ack.Ref)
	return h, p
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
