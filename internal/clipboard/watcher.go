package clipboard

import (
	"context"
	"errors"
	"sync"
	"time"

	"grimm.is/flatvm/internal/clock"
	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/metrics"
	"grimm.is/flatvm/internal/protocol"
)

// Watcher polls a Source and reports changes. Data injected from the peer
// through Inject is never reported back.
type Watcher struct {
	Source   Source
	Sink     Sink
	Interval time.Duration
	Clock    clock.Clock
	Logger   *logging.Logger

	mu     sync.Mutex
	last   string
	primed bool
	gen    uint64 // bumped by Inject
}

// Inject writes data from the peer into the local clipboard. The next poll
// sees it as unchanged, so it is not echoed back.
func (w *Watcher) Inject(ctx context.Context, data string) error {
	w.mu.Lock()
	w.last = data
	w.primed = true
	w.gen++
	w.mu.Unlock()

	if err := w.Sink.Set(ctx, data); err != nil {
		return err
	}
	metrics.Get().ClipboardSync.WithLabelValues("in").Inc()
	return nil
}

// Run polls until ctx ends, calling emit for every change. The content
// present at start is taken as the baseline and not emitted. Content too
// large for one frame is skipped; any other emit error stops the watcher.
func (w *Watcher) Run(ctx context.Context, emit func(data string) error) error {
	clk := clock.OrReal(w.Clock)
	log := logging.OrDefault(w.Logger).WithComponent("clipboard")
	interval := w.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	for {
		if err := w.poll(ctx, log, emit); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(interval):
		}
	}
}

func (w *Watcher) poll(ctx context.Context, log *logging.Logger, emit func(string) error) error {
	w.mu.Lock()
	gen := w.gen
	w.mu.Unlock()

	data, err := w.Source.Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		// Empty clipboards make most tools exit non-zero.
		log.Debug("clipboard read failed", "error", err)
		return nil
	}

	w.mu.Lock()
	if gen != w.gen {
		// An injection raced this read; its value is the new baseline.
		w.mu.Unlock()
		return nil
	}
	changed := !w.primed || data != w.last
	first := !w.primed
	w.last = data
	w.primed = true
	w.mu.Unlock()

	if !changed || first {
		return nil
	}

	if err := emit(data); err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			log.Warn("clipboard too large to sync, skipping", "bytes", len(data), "limit", protocol.MaxFrameSize)
			return nil
		}
		return err
	}
	metrics.Get().ClipboardSync.WithLabelValues("out").Inc()
	log.Debug("clipboard changed", "bytes", len(data))
	return nil
}
