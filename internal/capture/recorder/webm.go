package recorder

import (
	"bytes"
	"encoding/binary"
	"image/jpeg"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
)

const (
	defaultJPEGQuality = 85
	flushTimeout       = 2 * time.Second
)

// Options configures a WebMRecorder.
type Options struct {
	Timeslice   time.Duration
	Clock       clock.WithTicker
	JPEGQuality int
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeslice <= 0 {
		o.Timeslice = DefaultTimeslice
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = defaultJPEGQuality
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// sliceWriter collects the container bytes produced since the last slice.
// The block writer goroutine closes it after the last block is written.
type sliceWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newSliceWriter() *sliceWriter {
	return &sliceWriter{closed: make(chan struct{})}
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	select {
	case <-w.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *sliceWriter) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}

// take returns and resets the pending bytes.
func (w *sliceWriter) take() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, w.buf.Len())
	copy(out, w.buf.Bytes())
	w.buf.Reset()
	return out
}

type fatalError struct{ err error }

// WebMRecorder writes a single-track WebM stream and emits it as chunks.
type WebMRecorder struct {
	kind  core.Kind
	track webm.TrackEntry
	opts  Options
	log   *slog.Logger

	mu      sync.Mutex
	state   State
	sink    *sliceWriter
	block   webm.BlockWriteCloser
	onChunk ChunkFunc
	started time.Time
	base    time.Duration
	hasBase bool
	blocks  uint64

	// Set from the block writer goroutine, which must never wait on mu.
	fatal atomic.Value

	emitMu sync.Mutex
	seq    uint64

	ticker     clock.Ticker
	stopTicker chan struct{}
	tickerDone chan struct{}
}

// NewWebMAudio returns a recorder with one PCM audio track.
func NewWebMAudio(settings core.AudioSettings, opts Options) *WebMRecorder {
	opts = opts.withDefaults()
	return &WebMRecorder{
		kind: core.KindAudio,
		track: webm.TrackEntry{
			Name:        "Audio",
			TrackNumber: 1,
			TrackUID:    1,
			CodecID:     AudioCodecID,
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(settings.SampleRate),
				Channels:          uint64(settings.Channels),
			},
		},
		opts:  opts,
		log:   opts.Logger.With("component", "webm_recorder", "kind", core.KindAudio),
		state: StateInactive,
	}
}

// NewWebMVideo returns a recorder with one Motion-JPEG video track.
func NewWebMVideo(width, height int, opts Options) *WebMRecorder {
	opts = opts.withDefaults()
	return &WebMRecorder{
		kind: core.KindVideo,
		track: webm.TrackEntry{
			Name:        "Video",
			TrackNumber: 1,
			TrackUID:    1,
			CodecID:     VideoCodecID,
			TrackType:   1,
			Video: &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			},
		},
		opts:  opts,
		log:   opts.Logger.With("component", "webm_recorder", "kind", core.KindVideo),
		state: StateInactive,
	}
}

// Kind returns the media kind of the recorder's track.
func (r *WebMRecorder) Kind() core.Kind { return r.kind }

// State implements Recorder.
func (r *WebMRecorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start implements Recorder.
func (r *WebMRecorder) Start(onChunk ChunkFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateRecording {
		return ErrAlreadyRecording
	}

	sink := newSliceWriter()
	writers, err := webm.NewSimpleBlockWriter(sink, []webm.TrackEntry{r.track},
		mkvcore.WithOnFatalHandler(func(err error) {
			r.log.Warn("WebM writer failed", "error", err)
			r.fatal.Store(fatalError{err})
		}))
	if err != nil {
		r.log.Error("Failed to create WebM writer", "error", err)
		return errors.Wrap(err, "create webm writer")
	}

	r.sink = sink
	r.block = writers[0]
	r.onChunk = onChunk
	r.started = r.opts.Clock.Now()
	r.hasBase = false
	r.blocks = 0
	r.fatal.Store(fatalError{})
	r.seq = 0
	r.state = StateRecording

	r.ticker = r.opts.Clock.NewTicker(r.opts.Timeslice)
	r.stopTicker = make(chan struct{})
	r.tickerDone = make(chan struct{})
	go r.tick(r.ticker, r.stopTicker, r.tickerDone)

	r.log.Info("🎬 Recorder started", "timeslice", r.opts.Timeslice, "codec", r.track.CodecID)
	return nil
}

func (r *WebMRecorder) tick(t clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-t.C():
			r.flush()
		case <-stop:
			return
		}
	}
}

// flush emits whatever the current slice holds. Empty slices are skipped.
func (r *WebMRecorder) flush() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	sink, onChunk, started := r.sink, r.onChunk, r.started
	r.mu.Unlock()
	if sink == nil {
		return
	}

	data := sink.take()
	if len(data) == 0 {
		return
	}
	chunk := core.Chunk{
		Seq:       r.seq,
		Data:      data,
		Timestamp: r.opts.Clock.Since(started),
	}
	r.seq++
	if onChunk != nil {
		onChunk(chunk)
	}
}

// WriteAudio implements AudioRecorder.
func (r *WebMRecorder) WriteAudio(buf core.AudioBuffer) error {
	if r.kind != core.KindAudio {
		return ErrWrongTrack
	}
	if len(buf.Samples) == 0 {
		return nil
	}
	return r.writeBlock(buf.Timestamp, EncodePCM16(buf.Samples))
}

// WriteFrame implements VideoRecorder.
func (r *WebMRecorder) WriteFrame(frame *core.VideoFrame) error {
	if r.kind != core.KindVideo {
		return ErrWrongTrack
	}
	if frame == nil || frame.Image == nil {
		return nil
	}

	var b bytes.Buffer
	if err := jpeg.Encode(&b, frame.Image, &jpeg.Options{Quality: r.opts.JPEGQuality}); err != nil {
		return errors.Wrap(err, "encode frame")
	}
	return r.writeBlock(frame.Timestamp, b.Bytes())
}

func (r *WebMRecorder) writeBlock(ts time.Duration, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateRecording {
		return ErrInactive
	}
	if f, ok := r.fatal.Load().(fatalError); ok && f.err != nil {
		return f.err
	}

	// Block timestamps are relative to the first written block.
	if !r.hasBase {
		r.base = ts
		r.hasBase = true
	}
	rel := ts - r.base
	if rel < 0 {
		rel = 0
	}

	if _, err := r.block.Write(true, int64(rel/time.Millisecond), data); err != nil {
		r.log.Error("Failed to write block", "error", err, "size", len(data))
		return err
	}
	r.blocks++

	if r.blocks%250 == 0 {
		r.log.Debug("Recorder progress", "blocks", r.blocks, "position", rel.Truncate(time.Millisecond))
	}
	return nil
}

// Stop implements Recorder.
func (r *WebMRecorder) Stop() error {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return nil
	}
	r.state = StateInactive
	block, sink := r.block, r.sink
	ticker, stop, done := r.ticker, r.stopTicker, r.tickerDone
	blocks := r.blocks
	r.block = nil
	r.mu.Unlock()

	// Closing the last track makes the block writer close the sink once
	// everything queued has been written.
	if err := block.Close(); err != nil {
		r.log.Warn("WebM writer close error", "error", err)
	}
	select {
	case <-sink.closed:
	case <-time.After(flushTimeout):
		r.log.Warn("Timed out waiting for WebM writer to flush")
	}

	close(stop)
	<-done
	ticker.Stop()

	r.flush()

	r.mu.Lock()
	r.sink = nil
	r.onChunk = nil
	r.mu.Unlock()

	r.log.Info("✅ Recorder stopped", "blocks", blocks)
	return nil
}

// EncodePCM16 converts float samples to 16-bit little-endian PCM. Samples
// outside [-1, 1] saturate at the int16 range.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := float64(s) * math.MaxInt16
		switch {
		case math.IsNaN(v):
			v = 0
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

// DecodePCM16 is the inverse of EncodePCM16.
func DecodePCM16(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[2*i:]))
		out[i] = float32(v) / math.MaxInt16
	}
	return out
}
