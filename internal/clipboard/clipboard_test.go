package clipboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/flatvm/internal/clock"
	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/protocol"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, argv []string, stdin io.Reader) ([]byte, error) {
	var in string
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		in = string(b)
	}
	args := m.Called(argv, in)
	out, _ := args.Get(0).([]byte)
	return out, args.Error(1)
}

func TestCommandGetSet(t *testing.T) {
	r := new(mockRunner)
	r.On("Run", []string{"wl-paste", "-n"}, "").Return([]byte("from host"), nil)
	r.On("Run", []string{"wl-copy"}, "from guest").Return(nil, nil)

	c := &Command{Read: []string{"wl-paste", "-n"}, Write: []string{"wl-copy"}, Runner: r}

	got, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from host", got)
	require.NoError(t, c.Set(context.Background(), "from guest"))

	r.AssertExpectations(t)
}

func TestExecRunner(t *testing.T) {
	out, err := ExecRunner{}.Run(context.Background(), []string{"cat"}, strings.NewReader("piped"))
	require.NoError(t, err)
	assert.Equal(t, "piped", string(out))

	_, err = ExecRunner{}.Run(context.Background(), nil, nil)
	assert.Error(t, err)
	_, err = ExecRunner{}.Run(context.Background(), []string{"false"}, nil)
	assert.Error(t, err)
}

// scripted returns values in order, then cancels the watcher.
type scripted struct {
	mu     sync.Mutex
	values []string
	errs   map[int]error
	n      int
	cancel context.CancelFunc
}

func (s *scripted) Get(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.n
	s.n++
	if i >= len(s.values) {
		s.cancel()
		return s.values[len(s.values)-1], nil
	}
	if err := s.errs[i]; err != nil {
		return "", err
	}
	return s.values[i], nil
}

type recordingSink struct {
	mu  sync.Mutex
	got []string
}

func (r *recordingSink) Set(ctx context.Context, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, data)
	return nil
}

func newWatcher(src Source, sink Sink) (*Watcher, *clock.MockClock) {
	mc := clock.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return &Watcher{Source: src, Sink: sink, Interval: 250 * time.Millisecond, Clock: mc, Logger: logging.Discard()}, mc
}

func TestWatcherEmitsChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &scripted{
		values: []string{"baseline", "baseline", "one", "one", "", "two", "two"},
		errs:   map[int]error{4: errors.New("xclip: exit status 1")},
		cancel: cancel,
	}
	w, mc := newWatcher(src, &recordingSink{})

	var emitted []string
	err := w.Run(ctx, func(data string) error {
		emitted = append(emitted, data)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "two"}, emitted, "baseline is not emitted and read errors are skipped")
	for _, d := range mc.Waits() {
		assert.Equal(t, 250*time.Millisecond, d)
	}
}

func TestWatcherStopsOnEmitError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &scripted{values: []string{"a", "b", "c"}, cancel: cancel}
	w, _ := newWatcher(src, &recordingSink{})

	boom := errors.New("channel closed")
	err := w.Run(ctx, func(string) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestWatcherSkipsOversizedContent(t *testing.T) {
	ctx := context.Background()
	current := "baseline"
	src := sourceFunc(func(context.Context) (string, error) { return current, nil })
	w, _ := newWatcher(src, &recordingSink{})
	log := logging.Discard()

	var sent []string
	emit := func(d string) error {
		if len(d) > 8 {
			return fmt.Errorf("%w: %w", protocol.ErrInvalidMessage, protocol.ErrFrameTooLarge)
		}
		sent = append(sent, d)
		return nil
	}

	require.NoError(t, w.poll(ctx, log, emit))
	current = "far too much text"
	require.NoError(t, w.poll(ctx, log, emit), "oversized content does not stop the watcher")
	require.NoError(t, w.poll(ctx, log, emit), "and is not retried while unchanged")
	current = "small"
	require.NoError(t, w.poll(ctx, log, emit))
	assert.Equal(t, []string{"small"}, sent)
}

func TestInjectIsNotEchoed(t *testing.T) {
	ctx := context.Background()
	current := "local"
	src := sourceFunc(func(context.Context) (string, error) { return current, nil })
	sink := &recordingSink{}
	w, _ := newWatcher(src, sink)
	log := logging.Discard()

	var emitted []string
	emit := func(d string) error {
		emitted = append(emitted, d)
		return nil
	}

	require.NoError(t, w.poll(ctx, log, emit))

	require.NoError(t, w.Inject(ctx, "from peer"))
	current = "from peer"
	require.NoError(t, w.poll(ctx, log, emit))
	assert.Empty(t, emitted, "injected data is not sent back")
	assert.Equal(t, []string{"from peer"}, sink.got)

	current = "typed locally"
	require.NoError(t, w.poll(ctx, log, emit))
	assert.Equal(t, []string{"typed locally"}, emitted)
}

type sourceFunc func(context.Context) (string, error)

func (f sourceFunc) Get(ctx context.Context) (string, error) { return f(ctx) }
