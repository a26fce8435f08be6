// Package session runs one capture cycle at a time: acquire a device stream,
// push it through a live transform into a recorder, buffer the emitted
// chunks, forward them to a chunk worker, and finalize them into an artifact.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/babelcloud/mediarecorder/internal/capture/chunkchan"
	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/future"
	"github.com/babelcloud/mediarecorder/internal/capture/recorder"
	"github.com/babelcloud/mediarecorder/internal/util"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrSessionFailed  = errors.New("session failed to acquire devices")
	ErrClosed         = errors.New("session closed")
)

// State of a capture session.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Pipeline is a running live transform feeding a recorder.
type Pipeline interface {
	// Stop cancels the transform and halts the recorder. The session stops
	// the stream's tracks first. The final chunk is emitted before Stop
	// returns; none are emitted after.
	Stop() error
}

// Variant supplies the media-specific parts of a session.
type Variant interface {
	Kind() core.Kind

	// LiveTransform connects the stream to a recorder emitting into emit.
	LiveTransform(ctx context.Context, stream core.Stream, emit recorder.ChunkFunc) (Pipeline, error)

	// OnChunk runs after a chunk has been buffered and posted to the worker.
	OnChunk(chunk core.Chunk)

	// Finalize builds the artifact from the buffered chunks.
	Finalize(chunks []core.Chunk) *core.Artifact

	// OnWorkerMessage receives worker replies. It must not touch the artifact.
	OnWorkerMessage(msg chunkchan.Message)
}

// Options configures the session's worker link.
type Options struct {
	QueueSize   int
	Policy      chunkchan.Policy
	Transformer chunkchan.Transformer

	// OnProcessedData is called for every processedData reply.
	OnProcessedData func(msg chunkchan.Message)
	// OnWorkerError is called when the worker's transform fails.
	OnWorkerError func(msg chunkchan.Message, err error)

	Logger *slog.Logger
}

// Stats describe the session's traffic with its worker.
type Stats struct {
	Chunks  int
	Bytes   int
	Channel chunkchan.Stats
	Replies uint64
}

// Session is a reusable capture session parameterized by a Variant.
type Session struct {
	variant Variant
	devices core.Devices
	opts    Options
	log     *slog.Logger

	channel     *chunkchan.Channel
	repliesDone chan struct{}
	replies     atomic.Uint64

	mu         sync.Mutex
	state      State
	stream     core.Stream
	pipeline   Pipeline
	postCtx    context.Context
	postCancel context.CancelFunc
	chunks     []core.Chunk
	bytes      int
	completion *future.Future[*core.Artifact]
	closed     bool
}

// New returns an idle session and starts its chunk worker.
func New(variant Variant, devices core.Devices, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = util.GetLogger()
	}
	log := opts.Logger.With("component", "capture_session", "kind", variant.Kind())

	s := &Session{
		variant:     variant,
		devices:     devices,
		opts:        opts,
		log:         log,
		repliesDone: make(chan struct{}),
		state:       StateIdle,
		completion:  future.New[*core.Artifact](),
	}
	s.channel = chunkchan.New(opts.Transformer, chunkchan.Options{
		QueueSize: opts.QueueSize,
		Policy:    opts.Policy,
		OnError:   s.onWorkerError,
		Logger:    opts.Logger,
	})
	go s.readReplies()
	return s
}

// Kind returns the media kind recorded by the session.
func (s *Session) Kind() core.Kind { return s.variant.Kind() }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start acquires the devices selected by constraints and begins recording.
// A start while another cycle is in progress is rejected, so a device stream
// is never orphaned.
func (s *Session) Start(ctx context.Context, constraints core.Constraints) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	switch s.state {
	case StateStarting, StateRecording, StateStopping:
		s.mu.Unlock()
		return ErrAlreadyStarted
	case StateFailed:
		s.mu.Unlock()
		return ErrSessionFailed
	}
	prev := s.state
	s.state = StateStarting
	if s.completion.Resolved() {
		s.completion = future.New[*core.Artifact]()
	}
	s.chunks = nil
	s.bytes = 0
	s.postCtx, s.postCancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	stream, err := s.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		s.mu.Lock()
		s.postCancel()
		if ctx.Err() != nil {
			s.state = prev
		} else {
			s.state = StateFailed
		}
		s.mu.Unlock()
		s.log.Error("Failed to acquire capture devices", "error", err)
		return errors.Wrapf(err, "start %s session", s.variant.Kind())
	}

	pipeline, err := s.variant.LiveTransform(ctx, stream, s.handleChunk)
	if err != nil {
		if serr := stream.Stop(); serr != nil {
			s.log.Warn("Failed to release stream", "error", serr)
		}
		s.mu.Lock()
		s.postCancel()
		s.state = prev
		s.mu.Unlock()
		s.log.Error("Failed to start live transform", "error", err)
		return errors.Wrapf(err, "start %s pipeline", s.variant.Kind())
	}

	s.mu.Lock()
	if s.closed {
		s.state = prev
		s.postCancel()
		s.mu.Unlock()
		s.release(pipeline, stream)
		return ErrClosed
	}
	s.stream = stream
	s.pipeline = pipeline
	s.state = StateRecording
	s.mu.Unlock()

	s.log.Info("🔴 Recording started", "stream", stream.ID())
	return nil
}

// handleChunk is the recorder's chunk callback. Calls are serialized.
func (s *Session) handleChunk(chunk core.Chunk) {
	if chunk.Len() == 0 {
		return
	}

	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.bytes += chunk.Len()
	postCtx := s.postCtx
	s.mu.Unlock()

	// A blocked post gives up once Stop cancels postCtx; the chunk is
	// already buffered for the artifact.
	if err := s.channel.Post(postCtx, chunkchan.DataMessage(chunk.Seq, chunk.Data)); err != nil {
		s.log.Debug("Chunk not forwarded to worker", "seq", chunk.Seq, "error", err)
	}
	s.variant.OnChunk(chunk)
}

// Stop ends the current cycle. It is a no-op unless the session is
// recording.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	pipeline, stream := s.pipeline, s.stream
	s.pipeline, s.stream = nil, nil
	s.postCancel()
	s.mu.Unlock()

	firstErr := s.release(pipeline, stream)

	s.mu.Lock()
	artifact := s.variant.Finalize(s.chunks)
	chunks := len(s.chunks)
	s.state = StateStopped
	completion := s.completion
	s.mu.Unlock()

	completion.Resolve(artifact)
	s.log.Info("⏹️ Recording stopped", "chunks", chunks, "size", artifact.Size(), "mime", artifact.MIMEType())
	return firstErr
}

// release stops the tracks first so reads that ignore their context return
// io.EOF, then waits for the pipeline to flush its recorder.
func (s *Session) release(pipeline Pipeline, stream core.Stream) error {
	var firstErr error
	if err := stream.Stop(); err != nil {
		s.log.Warn("Failed to release device tracks", "error", err)
		firstErr = err
	}
	if err := pipeline.Stop(); err != nil {
		s.log.Warn("Pipeline stop error", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Completion returns the future of the current cycle.
func (s *Session) Completion() *future.Future[*core.Artifact] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completion
}

// Artifact waits for the current cycle's artifact.
func (s *Session) Artifact(ctx context.Context) (*core.Artifact, error) {
	return s.Completion().Wait(ctx)
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{Chunks: len(s.chunks), Bytes: s.bytes}
	s.mu.Unlock()
	st.Channel = s.channel.Stats()
	st.Replies = s.replies.Load()
	return st
}

// Close stops the session and shuts its worker down. A Start still
// acquiring devices fails with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	wasClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	err := s.Stop()
	if wasClosed {
		return err
	}

	if cerr := s.channel.Close(); cerr != nil && err == nil {
		err = cerr
	}
	<-s.repliesDone
	return err
}

func (s *Session) readReplies() {
	defer close(s.repliesDone)
	for msg := range s.channel.Messages() {
		if msg.Kind != chunkchan.KindProcessedData {
			s.log.Warn("Unexpected worker message", "kind", msg.Kind, "seq", msg.Seq)
			continue
		}
		s.variant.OnWorkerMessage(msg)
		if s.opts.OnProcessedData != nil {
			s.opts.OnProcessedData(msg)
		}
		s.replies.Add(1)
	}
}

func (s *Session) onWorkerError(msg chunkchan.Message, err error) {
	s.log.Warn("Chunk worker failed", "seq", msg.Seq, "error", err)
	if s.opts.OnWorkerError != nil {
		s.opts.OnWorkerError(msg, err)
	}
}
