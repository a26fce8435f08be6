package coordinator_test

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/mediarecorder/internal/capture/coordinator"
	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/device"
	"github.com/babelcloud/mediarecorder/internal/capture/future"
	"github.com/babelcloud/mediarecorder/internal/capture/playback"
	"github.com/babelcloud/mediarecorder/internal/capture/recorder"
	"github.com/babelcloud/mediarecorder/internal/capture/session"
)

var both = core.Constraints{Audio: true, Video: true}

// tenByteRecorder emits a 10-byte chunk for every audio buffer written.
type tenByteRecorder struct {
	mu    sync.Mutex
	emit  recorder.ChunkFunc
	seq   uint64
	state recorder.State
}

func (r *tenByteRecorder) Start(emit recorder.ChunkFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit, r.seq, r.state = emit, 0, recorder.StateRecording
	return nil
}

func (r *tenByteRecorder) WriteAudio(core.AudioBuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorder.StateRecording {
		return recorder.ErrInactive
	}
	r.emit(core.Chunk{Seq: r.seq, Data: make([]byte, 10)})
	r.seq++
	return nil
}

func (r *tenByteRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = recorder.StateInactive
	return nil
}

func (r *tenByteRecorder) State() recorder.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

type playbackCall struct {
	audio, video *core.Artifact
}

type fakePlayback struct {
	mu    sync.Mutex
	calls []playbackCall
	err   error
}

func (p *fakePlayback) Play(_ context.Context, audio, video *core.Artifact) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, playbackCall{audio: audio, video: video})
	return p.err
}

func (p *fakePlayback) Calls() []playbackCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]playbackCall(nil), p.calls...)
}

type rig struct {
	devices  *device.Manual
	counting *device.Counting
	audio    *session.AudioSession
	video    *session.VideoSession
	playback *fakePlayback
	coord    *coordinator.Coordinator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{devices: device.NewManual(core.AudioSettings{Channels: 1, SampleRate: 8000}), playback: &fakePlayback{}}
	r.counting = device.NewCounting(r.devices)
	rec := &tenByteRecorder{}
	r.audio = session.NewAudioSession(r.counting, session.AudioOptions{
		Recorder: func(core.AudioSettings) (recorder.AudioRecorder, error) { return rec, nil },
	})
	r.video = session.NewVideoSession(r.counting, session.VideoOptions{Width: 64, Height: 48})
	r.coord = coordinator.New(r.audio, r.video, coordinator.Options{
		Constraints: both,
		JoinTimeout: 2 * time.Second,
		Playback:    r.playback,
	})
	t.Cleanup(func() {
		_ = r.audio.Close()
		_ = r.video.Close()
	})
	return r
}

func (r *rig) streams() (audio *device.ManualAudioTrack, video *device.ManualVideoTrack) {
	for _, s := range r.devices.Streams() {
		if s.Audio != nil {
			audio = s.Audio
		}
		if s.Video != nil {
			video = s.Video
		}
	}
	return audio, video
}

func frame(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestRecordingEndToEnd(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.coord.StartRecording(context.Background()))
	assert.True(t, r.coord.IsRecording())

	audioTrack, videoTrack := r.streams()
	require.NotNil(t, audioTrack)
	require.NotNil(t, videoTrack)

	for i := 0; i < 5; i++ {
		require.True(t, audioTrack.Push(core.AudioBuffer{Samples: []float32{0.1}, Channels: 1, SampleRate: 8000}))
	}
	for i := 0; i < 3; i++ {
		require.True(t, videoTrack.Push(frame(64, 48, color.RGBA{R: 255, A: 255}), time.Duration(i)*40*time.Millisecond))
	}
	require.Eventually(t, func() bool {
		return r.audio.Stats().Chunks == 5 && r.video.FramesComposited() == 3
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, r.coord.StopRecording(context.Background()))
	assert.False(t, r.coord.IsRecording())

	calls := r.playback.Calls()
	require.Len(t, calls, 1)
	audioArt, videoArt := calls[0].audio, calls[0].video
	require.NotNil(t, audioArt)
	require.NotNil(t, videoArt)

	assert.Equal(t, 50, audioArt.Size())
	assert.Equal(t, core.MIMEAudioWebM, audioArt.MIMEType())
	assert.Equal(t, core.MIMEVideoWebM, videoArt.MIMEType())

	media, err := playback.Demux(videoArt)
	require.NoError(t, err)
	assert.Len(t, media.Blocks, 3)

	got, err := r.audio.GetRecordedAudio(context.Background())
	require.NoError(t, err)
	assert.Same(t, audioArt, got)
}

func TestStartTwiceOpensNoNewStreams(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.coord.StartRecording(context.Background()))
	require.NoError(t, r.coord.StartRecording(context.Background()))

	assert.True(t, r.coord.IsRecording())
	assert.Equal(t, 2, r.counting.Acquired(), "one audio and one video stream")

	require.NoError(t, r.coord.StopRecording(context.Background()))
	assert.Zero(t, r.counting.Active())
}

func TestStopWhenNotRecordingIsNoop(t *testing.T) {
	r := newRig(t)
	assert.NoError(t, r.coord.StopRecording(context.Background()))
	assert.Empty(t, r.playback.Calls())
}

func TestVolumeEndToEnd(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.coord.StartRecording(context.Background()))
	r.coord.SetVolume(0)
	r.coord.SetVolume(1.5)
	assert.Equal(t, 1.5, r.audio.Volume())
	require.NoError(t, r.coord.StopRecording(context.Background()))
}

func TestOverlaySwapMidRecording(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.coord.StartRecording(context.Background()))
	_, videoTrack := r.streams()

	overlay := frame(8, 8, color.RGBA{B: 255, A: 255})
	r.coord.SetOverlay(overlay)
	assert.Same(t, overlay, r.video.Overlay())

	require.True(t, videoTrack.Push(frame(64, 48, color.RGBA{R: 255, A: 255}), 0))
	require.Eventually(t, func() bool { return r.video.FramesComposited() == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, r.coord.StopRecording(context.Background()))

	videoArt := r.playback.Calls()[0].video
	media, err := playback.Demux(videoArt)
	require.NoError(t, err)
	require.Len(t, media.Blocks, 1)
	img, err := playback.DecodeFrame(media.Blocks[0])
	require.NoError(t, err)
	rr, _, b, _ := img.At(4, 4).RGBA()
	assert.Greater(t, b, rr)
}

func TestVideoFailureRollsBackAudio(t *testing.T) {
	audioDevices := device.NewCounting(device.NewManual(core.AudioSettings{}))
	videoDevices := device.NewManual(core.AudioSettings{})
	videoDevices.Fail(errors.Wrap(core.ErrPermissionDenied, "camera blocked"))

	audio := session.NewAudioSession(audioDevices, session.AudioOptions{Recorder: func(core.AudioSettings) (recorder.AudioRecorder, error) {
		return &tenByteRecorder{}, nil
	}})
	video := session.NewVideoSession(videoDevices, session.VideoOptions{})
	defer audio.Close()
	defer video.Close()

	pb := &fakePlayback{}
	c := coordinator.New(audio, video, coordinator.Options{Constraints: both, Playback: pb})

	err := c.StartRecording(context.Background())
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
	assert.False(t, c.IsRecording())
	assert.Equal(t, session.StateStopped, audio.State())
	assert.Zero(t, audioDevices.Active(), "the audio stream is released")
	assert.Equal(t, session.StateFailed, video.State())

	assert.NoError(t, c.StopRecording(context.Background()))
	assert.Empty(t, pb.Calls())
}

func TestAudioOnly(t *testing.T) {
	m := device.NewManual(core.AudioSettings{})
	audio := session.NewAudioSession(m, session.AudioOptions{Recorder: func(core.AudioSettings) (recorder.AudioRecorder, error) {
		return &tenByteRecorder{}, nil
	}})
	video := session.NewVideoSession(m, session.VideoOptions{})
	defer audio.Close()
	defer video.Close()

	pb := &fakePlayback{}
	c := coordinator.New(audio, video, coordinator.Options{Constraints: core.Constraints{Audio: true}, Playback: pb})
	require.NoError(t, c.StartRecording(context.Background()))
	assert.Equal(t, session.StateIdle, video.State())
	require.NoError(t, c.StopRecording(context.Background()))

	calls := pb.Calls()
	require.Len(t, calls, 1)
	assert.NotNil(t, calls[0].audio)
	assert.Nil(t, calls[0].video)
}

func TestNothingToRecord(t *testing.T) {
	c := coordinator.New(&stuckCapture{}, &stuckCapture{}, coordinator.Options{})
	assert.ErrorIs(t, c.StartRecording(context.Background()), coordinator.ErrNoTracks)
}

// stuckCapture never resolves its future.
type stuckCapture struct {
	f *future.Future[*core.Artifact]
}

func (s *stuckCapture) Start(context.Context, core.Constraints) error {
	s.f = future.New[*core.Artifact]()
	return nil
}
func (s *stuckCapture) Stop() error                                { return nil }
func (s *stuckCapture) Completion() *future.Future[*core.Artifact] { return s.f }
func (s *stuckCapture) SetVolume(float64)                          {}
func (s *stuckCapture) SetOverlay(image.Image)                     {}

func TestJoinIsBounded(t *testing.T) {
	m := device.NewManual(core.AudioSettings{})
	audio := session.NewAudioSession(m, session.AudioOptions{Recorder: func(core.AudioSettings) (recorder.AudioRecorder, error) {
		return &tenByteRecorder{}, nil
	}})
	defer audio.Close()

	pb := &fakePlayback{}
	c := coordinator.New(audio, &stuckCapture{}, coordinator.Options{
		Constraints: both,
		JoinTimeout: 50 * time.Millisecond,
		Playback:    pb,
	})
	require.NoError(t, c.StartRecording(context.Background()))

	start := time.Now()
	err := c.StopRecording(context.Background())
	assert.ErrorIs(t, err, coordinator.ErrJoinTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, pb.Calls(), "playback never starts without both artifacts")
	assert.False(t, c.IsRecording())
}

func TestPlaybackErrorIsReturned(t *testing.T) {
	r := newRig(t)
	r.playback.err = errors.New("no audio output")
	require.NoError(t, r.coord.StartRecording(context.Background()))
	err := r.coord.StopRecording(context.Background())
	assert.ErrorContains(t, err, "no audio output")
}
