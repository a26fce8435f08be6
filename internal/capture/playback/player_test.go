package playback_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/playback"
	"github.com/babelcloud/mediarecorder/internal/capture/recorder"
)

func record(t *testing.T, r recorder.Recorder, write func() error) []core.Chunk {
	t.Helper()
	var chunks []core.Chunk
	require.NoError(t, r.Start(func(c core.Chunk) { chunks = append(chunks, c) }))
	require.NoError(t, write())
	require.NoError(t, r.Stop())
	return chunks
}

func audioArtifact(t *testing.T, buffers int) *core.Artifact {
	r := recorder.NewWebMAudio(core.AudioSettings{Channels: 1, SampleRate: 8000}, recorder.Options{})
	chunks := record(t, r, func() error {
		for i := 0; i < buffers; i++ {
			samples := make([]float32, 80)
			for j := range samples {
				samples[j] = 0.5
			}
			buf := core.AudioBuffer{Samples: samples, Channels: 1, SampleRate: 8000, Timestamp: time.Duration(i) * 10 * time.Millisecond}
			if err := r.WriteAudio(buf); err != nil {
				return err
			}
		}
		return nil
	})
	return core.NewArtifact(core.KindAudio, chunks)
}

func videoArtifact(t *testing.T, frames int) *core.Artifact {
	r := recorder.NewWebMVideo(32, 24, recorder.Options{})
	chunks := record(t, r, func() error {
		img := image.NewRGBA(image.Rect(0, 0, 32, 24))
		for i := 0; i < frames; i++ {
			if err := r.WriteFrame(core.NewVideoFrame(img, time.Duration(i)*40*time.Millisecond, nil)); err != nil {
				return err
			}
		}
		return nil
	})
	return core.NewArtifact(core.KindVideo, chunks)
}

func TestPlayRendersBothTracks(t *testing.T) {
	audio := &playback.AudioCollector{}
	video := &playback.FrameCollector{}
	p := playback.NewPlayer(audio, video, playback.Options{})

	require.NoError(t, p.Play(context.Background(), audioArtifact(t, 4), videoArtifact(t, 3)))

	assert.Equal(t, 4, audio.Buffers())
	assert.Equal(t, 320, audio.SampleFrames())
	assert.InDelta(t, 0.5, audio.Peak(), 0.001)
	assert.True(t, audio.Closed())

	assert.Equal(t, 3, video.Frames())
	assert.Equal(t, []time.Duration{0, 40 * time.Millisecond, 80 * time.Millisecond}, video.Timestamps())
	assert.True(t, video.Closed(), "video resources are released when the video ends")
	assert.Equal(t, image.Rect(0, 0, 32, 24), video.Last().Bounds())
}

func TestPlaySkipsMissingSurface(t *testing.T) {
	video := &playback.FrameCollector{}
	p := playback.NewPlayer(nil, video, playback.Options{})
	require.NoError(t, p.Play(context.Background(), audioArtifact(t, 2), videoArtifact(t, 2)))
	assert.Equal(t, 2, video.Frames())
}

func TestPlayHonoursCancellation(t *testing.T) {
	video := &playback.FrameCollector{}
	p := playback.NewPlayer(nil, video, playback.Options{Realtime: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Play(ctx, nil, videoArtifact(t, 5))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, video.Closed())
}

func TestPlayClosesSurfaceWithoutArtifact(t *testing.T) {
	audio := &playback.AudioCollector{}
	video := &playback.FrameCollector{}
	p := playback.NewPlayer(audio, video, playback.Options{})

	require.NoError(t, p.Play(context.Background(), nil, videoArtifact(t, 2)))
	assert.Equal(t, 2, video.Frames())
	assert.True(t, video.Closed())
	assert.True(t, audio.Closed(), "an unused audio surface is still released")
	assert.Zero(t, audio.Buffers())
}

type failingAudioSurface struct {
	playback.AudioCollector
	err error
}

func (s *failingAudioSurface) Close() error {
	_ = s.AudioCollector.Close()
	return s.err
}

func TestPlayReportsSurfaceCloseError(t *testing.T) {
	closeErr := errors.New("audio device lost")

	audio := &failingAudioSurface{err: closeErr}
	p := playback.NewPlayer(audio, &playback.FrameCollector{}, playback.Options{})
	assert.ErrorIs(t, p.Play(context.Background(), audioArtifact(t, 2), nil), closeErr)
	assert.Equal(t, 2, audio.Buffers())

	audio = &failingAudioSurface{err: closeErr}
	p = playback.NewPlayer(audio, &playback.FrameCollector{}, playback.Options{})
	assert.ErrorIs(t, p.Play(context.Background(), nil, videoArtifact(t, 1)), closeErr)
	assert.True(t, audio.Closed())
}

func TestDemuxRejectsGarbage(t *testing.T) {
	art, err := core.LoadArtifact(core.KindVideo, bytes.NewReader([]byte("not a webm file")))
	require.NoError(t, err)
	_, err = playback.Demux(art)
	assert.Error(t, err)

	_, err = playback.Demux(nil)
	assert.ErrorIs(t, err, playback.ErrNoTrack)
}
