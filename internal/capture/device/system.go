package device

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
)

// Info describes an enumerated capture device.
type Info struct {
	ID    string
	Kind  core.Kind
	Label string
}

// System opens real capture hardware. Drivers register themselves with
// mediadevices through blank imports; without any, every request fails
// with core.ErrNoDevice.
type System struct {
	clock clock.Clock
	log   *slog.Logger
}

// NewSystem returns the hardware backend.
func NewSystem(logger *slog.Logger) *System {
	if logger == nil {
		logger = slog.Default()
	}
	return &System{
		clock: clock.RealClock{},
		log:   logger.With("component", "system_devices"),
	}
}

// List enumerates the capture devices known to the registered drivers.
func (s *System) List() []Info {
	var out []Info
	for _, d := range mediadevices.EnumerateDevices() {
		info := Info{ID: d.DeviceID, Label: d.Label}
		switch d.Kind {
		case mediadevices.AudioInput:
			info.Kind = core.KindAudio
		case mediadevices.VideoInput:
			info.Kind = core.KindVideo
		default:
			continue
		}
		out = append(out, info)
	}
	return out
}

// GetUserMedia implements core.Devices.
func (s *System) GetUserMedia(ctx context.Context, c core.Constraints) (core.Stream, error) {
	if !c.Audio && !c.Video {
		return nil, errors.Wrap(core.ErrNoDevice, "no track requested")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msc := mediadevices.MediaStreamConstraints{}
	if c.Audio {
		msc.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	if c.Video {
		msc.Video = func(mtc *mediadevices.MediaTrackConstraints) {
			if c.Width > 0 {
				mtc.Width = prop.Int(c.Width)
			}
			if c.Height > 0 {
				mtc.Height = prop.Int(c.Height)
			}
		}
	}

	ms, err := mediadevices.GetUserMedia(msc)
	if err != nil {
		s.log.Error("Failed to open capture devices", "error", err, "audio", c.Audio, "video", c.Video)
		return nil, errors.Wrapf(core.ErrNoDevice, "get user media: %v", err)
	}

	start := s.clock.Now()
	var audioTracks []core.AudioTrack
	var videoTracks []core.VideoTrack

	cleanup := func() {
		for _, t := range ms.GetTracks() {
			_ = t.Close()
		}
	}

	for _, t := range ms.GetAudioTracks() {
		at, ok := t.(*mediadevices.AudioTrack)
		if !ok {
			continue
		}
		track, err := newSystemAudio(at, s.log)
		if err != nil {
			cleanup()
			return nil, err
		}
		audioTracks = append(audioTracks, track)
	}
	for _, t := range ms.GetVideoTracks() {
		vt, ok := t.(*mediadevices.VideoTrack)
		if !ok {
			continue
		}
		videoTracks = append(videoTracks, &systemVideo{
			systemTrack: newSystemTrack(vt),
			reader:      vt.NewReader(false),
			clock:       s.clock,
			start:       start,
		})
	}

	if (c.Audio && len(audioTracks) == 0) || (c.Video && len(videoTracks) == 0) {
		cleanup()
		return nil, errors.Wrap(core.ErrNoDevice, "requested track kind unavailable")
	}

	st := newStream(audioTracks, videoTracks)
	s.log.Info("🎥 Capture devices opened", "stream", st.ID(),
		"audio_tracks", len(audioTracks), "video_tracks", len(videoTracks))
	return st, nil
}

type closer interface {
	Close() error
}

type systemTrack struct {
	id     string
	source closer

	once    sync.Once
	stopErr error
	stopped chan struct{}
}

func newSystemTrack(source closer) *systemTrack {
	return &systemTrack{id: uuid.NewString(), source: source, stopped: make(chan struct{})}
}

func (t *systemTrack) ID() string { return t.id }

func (t *systemTrack) Stop() error {
	t.once.Do(func() {
		close(t.stopped)
		t.stopErr = t.source.Close()
	})
	return t.stopErr
}

func (t *systemTrack) ended(ctx context.Context) error {
	select {
	case <-t.stopped:
		return io.EOF
	default:
	}
	return ctx.Err()
}

type systemAudio struct {
	*systemTrack
	reader   audio.Reader
	settings core.AudioSettings

	mu      sync.Mutex
	pending *core.AudioBuffer
	frames  int64
}

// newSystemAudio reads the first chunk up front so the track format is known
// before the recorder is built.
func newSystemAudio(at *mediadevices.AudioTrack, log *slog.Logger) (*systemAudio, error) {
	t := &systemAudio{
		systemTrack: newSystemTrack(at),
		reader:      at.NewReader(false),
	}
	first, err := t.read()
	if err != nil {
		return nil, errors.Wrap(err, "read first audio chunk")
	}
	t.settings = core.AudioSettings{Channels: first.Channels, SampleRate: first.SampleRate}
	t.pending = &first
	log.Debug("Audio track format", "channels", first.Channels, "sample_rate", first.SampleRate)
	return t, nil
}

func (t *systemAudio) Kind() core.Kind              { return core.KindAudio }
func (t *systemAudio) Settings() core.AudioSettings { return t.settings }

func (t *systemAudio) ReadAudio(ctx context.Context) (core.AudioBuffer, error) {
	if err := t.ended(ctx); err != nil {
		return core.AudioBuffer{}, err
	}
	t.mu.Lock()
	if p := t.pending; p != nil {
		t.pending = nil
		t.mu.Unlock()
		return *p, nil
	}
	t.mu.Unlock()

	buf, err := t.read()
	if err != nil {
		if t.ended(context.Background()) != nil {
			return core.AudioBuffer{}, io.EOF
		}
		return core.AudioBuffer{}, err
	}
	return buf, nil
}

func (t *systemAudio) read() (core.AudioBuffer, error) {
	chunk, release, err := t.reader.Read()
	if err != nil {
		return core.AudioBuffer{}, err
	}
	defer release()

	buf, err := ConvertWave(chunk)
	if err != nil {
		return core.AudioBuffer{}, err
	}
	t.mu.Lock()
	if buf.SampleRate > 0 {
		buf.Timestamp = time.Duration(t.frames) * time.Second / time.Duration(buf.SampleRate)
	}
	t.frames += int64(buf.Frames())
	t.mu.Unlock()
	return buf, nil
}

// ConvertWave converts a mediadevices audio chunk into interleaved float PCM.
func ConvertWave(chunk wave.Audio) (core.AudioBuffer, error) {
	info := chunk.ChunkInfo()
	buf := core.AudioBuffer{Channels: info.Channels, SampleRate: info.SamplingRate}
	switch c := chunk.(type) {
	case *wave.Float32Interleaved:
		buf.Samples = append([]float32(nil), c.Data...)
	case *wave.Int16Interleaved:
		buf.Samples = make([]float32, len(c.Data))
		for i, v := range c.Data {
			buf.Samples[i] = float32(v) / 32768
		}
	case *wave.Float32NonInterleaved:
		buf.Samples = make([]float32, info.Len*info.Channels)
		for ch, data := range c.Data {
			for i, v := range data {
				buf.Samples[i*info.Channels+ch] = v
			}
		}
	case *wave.Int16NonInterleaved:
		buf.Samples = make([]float32, info.Len*info.Channels)
		for ch, data := range c.Data {
			for i, v := range data {
				buf.Samples[i*info.Channels+ch] = float32(v) / 32768
			}
		}
	default:
		return core.AudioBuffer{}, errors.Errorf("unsupported sample format %T", chunk)
	}
	return buf, nil
}

type systemVideo struct {
	*systemTrack
	reader video.Reader
	clock  clock.Clock
	start  time.Time
}

func (t *systemVideo) Kind() core.Kind { return core.KindVideo }

func (t *systemVideo) ReadFrame(ctx context.Context) (*core.VideoFrame, error) {
	if err := t.ended(ctx); err != nil {
		return nil, err
	}
	img, release, err := t.reader.Read()
	if err != nil {
		if t.ended(context.Background()) != nil {
			return nil, io.EOF
		}
		return nil, err
	}
	return core.NewVideoFrame(img, t.clock.Since(t.start), release), nil
}
