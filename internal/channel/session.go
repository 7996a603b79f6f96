package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/metrics"
	"grimm.is/flatvm/internal/protocol"
)

type ackResult struct {
	msg protocol.Message
	err error
}

// session is the state shared by every handle on one connection.
type session struct {
	side   Side
	id     string
	conn   io.ReadWriteCloser
	reader *protocol.Reader
	writer *protocol.Writer
	opts   Options
	log    *logging.Logger

	// cmdMu keeps one command in flight per session.
	cmdMu sync.Mutex

	mu        sync.Mutex
	state     State
	fault     error
	nextID    uint64
	pending   map[uint64]chan ackResult
	order     []uint64 // pending ids, oldest first
	abandoned []uint64 // ids whose waiter timed out, oldest first
	unacked   []uint64 // guest: received command ids awaiting Acknowledge
	events    []protocol.Message
	signal    chan struct{}
	done      chan struct{}
	refs      int
	releasing bool
	version   string
}

func newSession(side Side, conn io.ReadWriteCloser, opts Options) *session {
	id := uuid.NewString()
	s := &session{
		side:    side,
		id:      id,
		conn:    conn,
		reader:  protocol.NewReader(conn),
		writer:  protocol.NewWriter(conn, opts.WriteTimeout),
		opts:    opts,
		pending: make(map[uint64]chan ackResult),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		refs:    1,
	}
	s.log = logging.OrDefault(opts.Logger).
		WithComponent("channel").
		WithFields(map[string]any{"side": string(side), "session": id[:8]})
	metrics.Get().SessionsOpen.WithLabelValues(string(side)).Inc()
	return s
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// usable returns nil when the session can carry post-handshake traffic.
func (s *session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked()
}

func (s *session) usableLocked() error {
	switch s.state {
	case StateReady:
		return nil
	case StateAwaitingHandshake:
		return ErrNotReady
	case StateFaulted:
		return s.fault
	default:
		return protocol.ErrPeerClosed
	}
}

func (s *session) allocID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *session) trace(dir string, frame []byte) {
	if !s.opts.Trace || len(frame) == 0 {
		return
	}
	s.log.Info("trace", "dir", dir, "frame", string(trimNewline(frame)))
}

// write puts one frame on the wire. A write failure leaves the stream in
// an unknown state, so it faults the session.
func (s *session) write(m protocol.Message) error {
	s.mu.Lock()
	if s.state.Terminal() {
		err := s.usableLocked()
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	frame, err := s.writer.WriteMessage(m)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidMessage) {
			return err
		}
		s.fail(err)
		return err
	}
	s.trace("send", frame)
	metrics.Get().FramesSent.WithLabelValues(string(s.side), string(m.Type)).Inc()
	return nil
}

// send writes a non-command frame after the handshake.
func (s *session) send(m protocol.Message) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.write(m)
}

// readHandshake reads the first frame synchronously, before the demux
// reader exists. A timeout faults the session; the blocked read is left to
// finish against the connection owner's eventual Close.
func (s *session) readHandshake(ctx context.Context) (protocol.Message, error) {
	if s.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		defer cancel()
	}

	type result struct {
		msg   protocol.Message
		frame []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		m, frame, err := s.reader.ReadMessage()
		ch <- result{m, frame, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			s.fail(r.err)
			return protocol.Message{}, r.err
		}
		s.trace("recv", r.frame)
		if r.msg.IsClosed() {
			s.markClosed()
			return r.msg, nil
		}
		metrics.Get().FramesReceived.WithLabelValues(string(s.side), string(r.msg.Type)).Inc()
		return r.msg, nil
	case <-ctx.Done():
		err := timeoutErr(ctx.Err())
		s.fail(err)
		return protocol.Message{}, err
	}
}

// beginHandshake claims the handshake for the caller.
func (s *session) beginHandshake() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateAwaitingHandshake:
		return nil
	case StateReady:
		return ErrAlreadyInitialized
	default:
		return s.usableLocked()
	}
}

// becomeReady completes the handshake and starts the demux reader.
func (s *session) becomeReady(version string) {
	s.mu.Lock()
	if s.state != StateAwaitingHandshake {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	s.version = version
	s.mu.Unlock()

	s.log.Debug("handshake complete", "version", version)
	go s.readLoop()
}

func (s *session) readLoop() {
	for {
		m, frame, err := s.reader.ReadMessage()
		if err != nil {
			s.mu.Lock()
			releasing := s.releasing
			s.mu.Unlock()
			if releasing {
				s.markClosed()
			} else {
				s.fail(err)
			}
			return
		}
		s.trace("recv", frame)
		if m.IsClosed() {
			s.markClosed()
			return
		}
		metrics.Get().FramesReceived.WithLabelValues(string(s.side), string(m.Type)).Inc()
		if err := s.dispatch(m); err != nil {
			s.fail(err)
			return
		}
	}
}

// dispatch routes one decoded inbound frame.
func (s *session) dispatch(m protocol.Message) error {
	if m.Type == protocol.MsgAck {
		if s.resolveAck(m) {
			return nil
		}
		if s.side == SideGuest {
			// The guest surfaces stray acks as events; it never relies on them.
			s.enqueue(m)
			return nil
		}
		return &protocol.ProtocolError{Got: m.Type, Err: errors.New("ack with no command outstanding")}
	}

	inbound := protocol.HostInbound
	if s.side == SideGuest {
		inbound = protocol.GuestInbound
	}
	if _, err := protocol.Expect(m, inbound); err != nil {
		return err
	}

	if s.side == SideGuest && m.IsCommand() {
		s.mu.Lock()
		s.unacked = append(s.unacked, m.ID)
		s.mu.Unlock()
	}
	s.enqueue(m)
	return nil
}

// resolveAck hands an ack to its waiter. It reports false when nothing
// claimed it. Acks for abandoned round trips are swallowed.
func (s *session) resolveAck(m protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Ref != 0 {
		if ch, ok := s.pending[m.Ref]; ok {
			s.removePendingLocked(m.Ref)
			ch <- ackResult{msg: m}
			return true
		}
		if i := indexOf(s.abandoned, m.Ref); i >= 0 {
			s.abandoned = append(s.abandoned[:i], s.abandoned[i+1:]...)
			s.log.Warn("dropping late ack", "ref", m.Ref, "status", m.Ack.Status)
			return true
		}
		return false
	}

	// Positional: late acks for abandoned commands arrive before any
	// newer command's ack.
	if len(s.abandoned) > 0 {
		ref := s.abandoned[0]
		s.abandoned = s.abandoned[1:]
		s.log.Warn("dropping late ack", "ref", ref, "status", m.Ack.Status)
		return true
	}
	if len(s.order) > 0 {
		id := s.order[0]
		ch := s.pending[id]
		s.removePendingLocked(id)
		ch <- ackResult{msg: m}
		return true
	}
	return false
}

func (s *session) removePendingLocked(id uint64) {
	delete(s.pending, id)
	if i := indexOf(s.order, id); i >= 0 {
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
}

// roundTrip sends a command and waits for its ack.
func (s *session) roundTrip(ctx context.Context, cmd protocol.Message) (protocol.Message, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	started := time.Now()
	ack, err := s.doRoundTrip(ctx, cmd)
	metrics.Get().RecordRoundTrip(string(s.side), string(cmd.Type), started, err)
	return ack, err
}

func (s *session) doRoundTrip(ctx context.Context, cmd protocol.Message) (protocol.Message, error) {
	if s.opts.RoundTripTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RoundTripTimeout)
		defer cancel()
	}

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return protocol.Message{}, err
	}
	s.nextID++
	cmd.ID = s.nextID
	ch := make(chan ackResult, 1)
	s.pending[cmd.ID] = ch
	s.order = append(s.order, cmd.ID)
	s.mu.Unlock()

	if err := s.write(cmd); err != nil {
		s.mu.Lock()
		s.removePendingLocked(cmd.ID)
		s.mu.Unlock()
		return protocol.Message{}, err
	}

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		s.mu.Lock()
		if _, ok := s.pending[cmd.ID]; ok {
			s.removePendingLocked(cmd.ID)
			s.abandoned = append(s.abandoned, cmd.ID)
			s.mu.Unlock()
			s.log.Warn("round trip abandoned", "type", cmd.Type, "id", cmd.ID, "error", ctx.Err())
			return protocol.Message{}, timeoutErr(ctx.Err())
		}
		s.mu.Unlock()
		// Resolved concurrently with the deadline.
		r := <-ch
		return r.msg, r.err
	}
}

// takeUnacked pops the oldest command id awaiting an ack.
func (s *session) takeUnacked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.unacked) == 0 {
		return 0
	}
	id := s.unacked[0]
	s.unacked = s.unacked[1:]
	return id
}

func (s *session) enqueue(m protocol.Message) {
	s.mu.Lock()
	s.events = append(s.events, m)
	s.mu.Unlock()
	s.wake()
}

func (s *session) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// poll returns the next queued event. Once closed it returns Closed on
// every call after the queue drains.
func (s *session) poll(ctx context.Context) (protocol.Message, error) {
	for {
		s.mu.Lock()
		if s.state == StateFaulted {
			err := s.fault
			s.mu.Unlock()
			return protocol.Message{}, err
		}
		if len(s.events) > 0 {
			m := s.events[0]
			s.events[0] = protocol.Message{}
			s.events = s.events[1:]
			more := len(s.events) > 0
			s.mu.Unlock()
			if more {
				s.wake()
			}
			return m, nil
		}
		switch s.state {
		case StateClosed:
			s.mu.Unlock()
			return protocol.Closed(), nil
		case StateAwaitingHandshake:
			s.mu.Unlock()
			return protocol.Message{}, ErrNotReady
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-s.done:
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
}

// finish moves the session to a terminal state and wakes every waiter.
func (s *session) finish(state State, err error) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.fault = err

	waitErr := err
	if state == StateClosed {
		waitErr = protocol.ErrPeerClosed
	}
	for id, ch := range s.pending {
		ch <- ackResult{err: waitErr}
		delete(s.pending, id)
	}
	s.order = nil
	s.mu.Unlock()

	close(s.done)
	return true
}

func (s *session) markClosed() {
	if s.finish(StateClosed, nil) {
		s.log.Info("session closed")
	}
}

func (s *session) fail(err error) {
	if s.finish(StateFaulted, err) {
		metrics.Get().ProtocolFaults.WithLabelValues(string(s.side)).Inc()
		s.log.Error("session faulted", "error", err)
	}
}

func (s *session) retain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return ErrHandleClosed
	}
	s.refs++
	return nil
}

// release drops one handle's reference; the last one closes the connection.
func (s *session) release() error {
	s.mu.Lock()
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	s.releasing = true
	readerRunning := s.state == StateReady
	s.mu.Unlock()

	err := s.conn.Close()
	metrics.Get().SessionsOpen.WithLabelValues(string(s.side)).Dec()
	if !readerRunning {
		s.markClosed()
	}
	return err
}

// handle is one owner's reference to a session.
type handle struct {
	s      *session
	closed atomic.Bool
}

func (h *handle) check() error {
	if h.closed.Load() {
		return ErrHandleClosed
	}
	return nil
}

func (h *handle) close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return h.s.release()
}

func (h *handle) duplicate() (*session, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	if err := h.s.retain(); err != nil {
		return nil, err
	}
	return h.s, nil
}

func indexOf(ids []uint64, id uint64) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func trimNewline(frame []byte) []byte {
	for len(frame) > 0 && (frame[len(frame)-1] == '\n' || frame[len(frame)-1] == '\r') {
		frame = frame[:len(frame)-1]
	}
	return frame
}
