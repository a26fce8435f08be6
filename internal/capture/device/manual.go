package device

import (
	"context"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
)

const manualQueue = 1024

// Manual hands out tracks whose data is pushed by the caller.
type Manual struct {
	Settings core.AudioSettings

	mu      sync.Mutex
	err     error
	streams []*ManualStream
}

// NewManual returns a push-driven backend.
func NewManual(settings core.AudioSettings) *Manual {
	return &Manual{Settings: settings}
}

// Fail makes later GetUserMedia calls return err. nil restores success.
func (m *Manual) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// GetUserMedia implements core.Devices.
func (m *Manual) GetUserMedia(ctx context.Context, c core.Constraints) (core.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s := &ManualStream{id: uuid.NewString()}
	if c.Audio {
		s.Audio = &ManualAudioTrack{manualTrack: newManualTrack(), settings: m.Settings, ch: make(chan core.AudioBuffer, manualQueue)}
	}
	if c.Video {
		s.Video = &ManualVideoTrack{manualTrack: newManualTrack(), ch: make(chan *core.VideoFrame, manualQueue)}
	}
	m.streams = append(m.streams, s)
	return s, nil
}

// Streams returns every stream handed out so far.
func (m *Manual) Streams() []*ManualStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ManualStream(nil), m.streams...)
}

// Last returns the most recent stream, or nil.
func (m *Manual) Last() *ManualStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// ManualStream holds at most one track of each kind.
type ManualStream struct {
	id    string
	Audio *ManualAudioTrack
	Video *ManualVideoTrack
}

func (s *ManualStream) ID() string { return s.id }

func (s *ManualStream) AudioTracks() []core.AudioTrack {
	if s.Audio == nil {
		return nil
	}
	return []core.AudioTrack{s.Audio}
}

func (s *ManualStream) VideoTracks() []core.VideoTrack {
	if s.Video == nil {
		return nil
	}
	return []core.VideoTrack{s.Video}
}

func (s *ManualStream) Stop() error { return core.StopTracks(s) }

type manualTrack struct {
	id string

	mu      sync.Mutex
	ended   bool
	once    sync.Once
	stopped chan struct{}
}

func newManualTrack() *manualTrack {
	return &manualTrack{id: uuid.NewString(), stopped: make(chan struct{})}
}

func (t *manualTrack) ID() string { return t.id }

// Stop ends the track immediately; queued data is discarded.
func (t *manualTrack) Stop() error {
	t.once.Do(func() { close(t.stopped) })
	return nil
}

// Stopped reports whether the track was stopped by its owner.
func (t *manualTrack) Stopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

// ManualAudioTrack is an AudioTrack fed through Push.
type ManualAudioTrack struct {
	*manualTrack
	settings core.AudioSettings
	ch       chan core.AudioBuffer
}

func (t *ManualAudioTrack) Kind() core.Kind              { return core.KindAudio }
func (t *ManualAudioTrack) Settings() core.AudioSettings { return t.settings }

// Push queues a buffer. It returns false once the track has ended.
func (t *ManualAudioTrack) Push(buf core.AudioBuffer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended || t.Stopped() {
		return false
	}
	select {
	case t.ch <- buf:
		return true
	case <-t.stopped:
		return false
	}
}

// End lets readers drain what was pushed, then report io.EOF.
func (t *ManualAudioTrack) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ended {
		t.ended = true
		close(t.ch)
	}
}

func (t *ManualAudioTrack) ReadAudio(ctx context.Context) (core.AudioBuffer, error) {
	if t.Stopped() {
		return core.AudioBuffer{}, io.EOF
	}
	select {
	case buf, ok := <-t.ch:
		if !ok {
			return core.AudioBuffer{}, io.EOF
		}
		return buf, nil
	case <-t.stopped:
		return core.AudioBuffer{}, io.EOF
	case <-ctx.Done():
		return core.AudioBuffer{}, ctx.Err()
	}
}

// ManualVideoTrack is a VideoTrack fed through Push. It counts how many of
// its frames were released by the reader.
type ManualVideoTrack struct {
	*manualTrack
	ch       chan *core.VideoFrame
	pushed   atomic.Int64
	released atomic.Int64
}

func (t *ManualVideoTrack) Kind() core.Kind { return core.KindVideo }

// Push queues a frame. It returns false once the track has ended.
func (t *ManualVideoTrack) Push(img image.Image, ts time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended || t.Stopped() {
		return false
	}
	f := core.NewVideoFrame(img, ts, func() { t.released.Add(1) })
	select {
	case t.ch <- f:
		t.pushed.Add(1)
		return true
	case <-t.stopped:
		return false
	}
}

// End lets readers drain what was pushed, then report io.EOF.
func (t *ManualVideoTrack) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ended {
		t.ended = true
		close(t.ch)
	}
}

// Released returns how many frames were closed by the reader.
func (t *ManualVideoTrack) Released() int { return int(t.released.Load()) }

// Pushed returns how many frames were queued.
func (t *ManualVideoTrack) Pushed() int { return int(t.pushed.Load()) }

func (t *ManualVideoTrack) ReadFrame(ctx context.Context) (*core.VideoFrame, error) {
	if t.Stopped() {
		return nil, io.EOF
	}
	select {
	case f, ok := <-t.ch:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-t.stopped:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
