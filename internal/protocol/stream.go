package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// MaxFrameSize bounds a single line in either direction, newline included.
// Clipboard payloads are the only large frames in practice.
const MaxFrameSize = 1 << 20

// Reader reads frames from a byte stream. It is not safe for concurrent use;
// a connection has exactly one Reader.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r in a buffered frame reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64<<10)}
}

// ReadFrame returns the next non-blank line including its newline. At a
// clean end of stream it returns an empty frame and a nil error; a final
// unterminated line is returned as-is.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		frame, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if len(frame) == 0 {
			return frame, nil
		}
		if isBlank(frame) {
			continue
		}
		return frame, nil
	}
}

// ReadMessage reads and decodes the next frame. A zero-byte read yields
// Closed with a nil error.
func (r *Reader) ReadMessage() (Message, []byte, error) {
	frame, err := r.ReadFrame()
	if err != nil {
		return Message{}, nil, err
	}
	m, err := Decode(frame)
	return m, frame, err
}

func (r *Reader) readLine() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		if len(frame)+len(chunk) > MaxFrameSize {
			return nil, &ProtocolError{Err: ErrFrameTooLarge}
		}
		frame = append(frame, chunk...)

		switch {
		case err == nil:
			return frame, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return frame, nil
		default:
			return nil, readError(err)
		}
	}
}

func isBlank(frame []byte) bool {
	for _, c := range frame {
		if c != '\n' && c != '\r' {
			return false
		}
	}
	return true
}

func readError(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return &TransportError{Op: "read", Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return &TransportError{Op: "read", Err: err}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Writer writes whole frames. Writes are serialised so frames from
// concurrent senders never interleave on the wire.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	timeout time.Duration
}

// NewWriter wraps w. A positive timeout sets a write deadline per frame
// when w supports one.
func NewWriter(w io.Writer, timeout time.Duration) *Writer {
	return &Writer{w: w, timeout: timeout}
}

// WriteMessage encodes m and writes it as one frame.
func (w *Writer) WriteMessage(m Message) ([]byte, error) {
	frame, err := Encode(m)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if d, ok := w.w.(writeDeadliner); ok && w.timeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(w.timeout))
		defer d.SetWriteDeadline(time.Time{})
	}

	if _, err := w.w.Write(frame); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return frame, &TransportError{Op: "write", Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
		}
		return frame, &TransportError{Op: "write", Err: err}
	}
	if f, ok := w.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return frame, &TransportError{Op: "write", Err: err}
		}
	}
	return frame, nil
}
