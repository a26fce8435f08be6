package session

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/babelcloud/mediarecorder/internal/capture/recorder"
)

// loop runs a pull step until it fails or the loop is stopped, then stops
// the recorder.
type loop struct {
	rec       recorder.Recorder
	log       *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

func newLoop(rec recorder.Recorder, log *slog.Logger) *loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &loop{rec: rec, log: log, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (l *loop) run(step func(ctx context.Context) error) {
	defer close(l.done)
	for !l.cancelled.Load() {
		if err := step(l.ctx); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				l.log.Warn("Capture loop ended", "error", err)
			}
			return
		}
	}
}

// Stopped reports whether Stop has been called. Steps check it between
// stages.
func (l *loop) Stopped() bool { return l.cancelled.Load() }

func (l *loop) Stop() error {
	l.cancelled.Store(true)
	l.cancel()
	<-l.done
	return l.rec.Stop()
}
