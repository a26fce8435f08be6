package device

import (
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
)

// SyntheticOptions configures the generated devices.
type SyntheticOptions struct {
	SampleRate int
	Channels   int
	// Length of each generated audio buffer.
	BufferDuration time.Duration
	Frequency      float64
	Amplitude      float64

	Width     int
	Height    int
	FrameRate int

	// Stop each track after this many buffers or frames; zero runs until
	// the track is stopped.
	MaxBuffers int
	MaxFrames  int

	// Deny makes every GetUserMedia call fail with core.ErrPermissionDenied.
	Deny bool
	// Unpaced produces data as fast as it is read.
	Unpaced bool

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o SyntheticOptions) withDefaults() SyntheticOptions {
	if o.SampleRate <= 0 {
		o.SampleRate = 48000
	}
	if o.Channels <= 0 {
		o.Channels = 1
	}
	if o.BufferDuration <= 0 {
		o.BufferDuration = 10 * time.Millisecond
	}
	if o.Frequency <= 0 {
		o.Frequency = 440
	}
	if o.Amplitude == 0 {
		o.Amplitude = 0.5
	}
	if o.Width <= 0 {
		o.Width = 640
	}
	if o.Height <= 0 {
		o.Height = 480
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 30
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Synthetic generates a sine tone and a moving test pattern.
type Synthetic struct {
	opts SyntheticOptions
	log  *slog.Logger
}

// NewSynthetic returns a generated-signal backend.
func NewSynthetic(opts SyntheticOptions) *Synthetic {
	opts = opts.withDefaults()
	return &Synthetic{opts: opts, log: opts.Logger.With("component", "synthetic_devices")}
}

// GetUserMedia implements core.Devices.
func (s *Synthetic) GetUserMedia(ctx context.Context, c core.Constraints) (core.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.opts.Deny {
		s.log.Warn("Capture permission denied")
		return nil, errors.Wrap(core.ErrPermissionDenied, "synthetic devices")
	}
	if !c.Audio && !c.Video {
		return nil, errors.Wrap(core.ErrNoDevice, "no track requested")
	}

	var audio []core.AudioTrack
	var video []core.VideoTrack
	if c.Audio {
		audio = append(audio, &toneTrack{genTrack: newGenTrack(s.opts), opts: s.opts})
	}
	if c.Video {
		w, h := s.opts.Width, s.opts.Height
		if c.Width > 0 && c.Height > 0 {
			w, h = c.Width, c.Height
		}
		video = append(video, &patternTrack{genTrack: newGenTrack(s.opts), opts: s.opts, width: w, height: h})
	}
	st := newStream(audio, video)
	s.log.Debug("Synthetic stream opened", "stream", st.ID(), "audio", c.Audio, "video", c.Video)
	return st, nil
}

type genTrack struct {
	id      string
	clock   clock.Clock
	unpaced bool

	once    sync.Once
	stopped chan struct{}
}

func newGenTrack(o SyntheticOptions) *genTrack {
	return &genTrack{id: uuid.NewString(), clock: o.Clock, unpaced: o.Unpaced, stopped: make(chan struct{})}
}

func (t *genTrack) ID() string { return t.id }

func (t *genTrack) Stop() error {
	t.once.Do(func() { close(t.stopped) })
	return nil
}

// pace waits one period, returning io.EOF if the track stops meanwhile.
func (t *genTrack) pace(ctx context.Context, period time.Duration) error {
	select {
	case <-t.stopped:
		return io.EOF
	default:
	}
	if t.unpaced {
		return ctx.Err()
	}
	select {
	case <-t.clock.After(period):
		return nil
	case <-t.stopped:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

type toneTrack struct {
	*genTrack
	opts SyntheticOptions

	mu      sync.Mutex
	buffers int
	phase   float64
}

func (t *toneTrack) Kind() core.Kind { return core.KindAudio }

func (t *toneTrack) Settings() core.AudioSettings {
	return core.AudioSettings{Channels: t.opts.Channels, SampleRate: t.opts.SampleRate}
}

func (t *toneTrack) ReadAudio(ctx context.Context) (core.AudioBuffer, error) {
	if err := t.pace(ctx, t.opts.BufferDuration); err != nil {
		return core.AudioBuffer{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.opts.MaxBuffers > 0 && t.buffers >= t.opts.MaxBuffers {
		return core.AudioBuffer{}, io.EOF
	}

	frames := int(int64(t.opts.SampleRate) * int64(t.opts.BufferDuration) / int64(time.Second))
	samples := make([]float32, frames*t.opts.Channels)
	step := 2 * math.Pi * t.opts.Frequency / float64(t.opts.SampleRate)
	for i := 0; i < frames; i++ {
		v := float32(t.opts.Amplitude * math.Sin(t.phase))
		for ch := 0; ch < t.opts.Channels; ch++ {
			samples[i*t.opts.Channels+ch] = v
		}
		t.phase += step
	}
	t.phase = math.Mod(t.phase, 2*math.Pi)

	buf := core.AudioBuffer{
		Samples:    samples,
		Channels:   t.opts.Channels,
		SampleRate: t.opts.SampleRate,
		Timestamp:  time.Duration(t.buffers) * t.opts.BufferDuration,
	}
	t.buffers++
	return buf, nil
}

type patternTrack struct {
	*genTrack
	opts          SyntheticOptions
	width, height int

	mu     sync.Mutex
	frames int
}

func (t *patternTrack) Kind() core.Kind { return core.KindVideo }

func (t *patternTrack) ReadFrame(ctx context.Context) (*core.VideoFrame, error) {
	interval := time.Second / time.Duration(t.opts.FrameRate)
	if err := t.pace(ctx, interval); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.opts.MaxFrames > 0 && t.frames >= t.opts.MaxFrames {
		return nil, io.EOF
	}
	img := TestPattern(t.width, t.height, t.frames)
	ts := time.Duration(t.frames) * interval
	t.frames++
	return core.NewVideoFrame(img, ts, nil), nil
}

// TestPattern draws a horizontal gradient with a vertical bar that moves a
// few pixels per frame.
func TestPattern(width, height, n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	bar := (n * 8) % width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBA{
				R: uint8(x * 255 / width),
				G: uint8(y * 255 / height),
				B: 96,
				A: 255,
			}
			if x >= bar && x < bar+16 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
