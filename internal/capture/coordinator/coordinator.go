// Package coordinator starts and stops an audio and a video capture session
// together and hands both artifacts to playback once each has finalized.
package coordinator

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/future"
	"github.com/babelcloud/mediarecorder/internal/util"
)

// DefaultJoinTimeout bounds the wait for both artifacts after stop.
const DefaultJoinTimeout = 10 * time.Second

var (
	ErrJoinTimeout = errors.New("timed out waiting for recordings to finalize")
	ErrNoTracks    = errors.New("constraints select neither audio nor video")
)

// Capture is a session the coordinator can drive.
type Capture interface {
	Start(ctx context.Context, constraints core.Constraints) error
	Stop() error
	Completion() *future.Future[*core.Artifact]
}

// AudioCapture is a Capture with a live gain.
type AudioCapture interface {
	Capture
	SetVolume(v float64)
}

// VideoCapture is a Capture with a replaceable overlay.
type VideoCapture interface {
	Capture
	SetOverlay(img image.Image)
}

// Playback plays a pair of artifacts. Either may be nil.
type Playback interface {
	Play(ctx context.Context, audio, video *core.Artifact) error
}

// Options configures a Coordinator.
type Options struct {
	Constraints core.Constraints
	JoinTimeout time.Duration
	Playback    Playback
	Logger      *slog.Logger
}

// Coordinator orchestrates the two sessions. It only calls their public
// operations.
type Coordinator struct {
	audio    AudioCapture
	video    VideoCapture
	playback Playback
	opts     Options
	log      *slog.Logger

	mu        sync.Mutex
	recording atomic.Bool
	audioOn   bool
	videoOn   bool
}

// New returns a coordinator over the given sessions.
func New(audio AudioCapture, video VideoCapture, opts Options) *Coordinator {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.Logger == nil {
		opts.Logger = util.GetLogger()
	}
	return &Coordinator{
		audio:    audio,
		video:    video,
		playback: opts.Playback,
		opts:     opts,
		log:      opts.Logger.With("component", "coordinator"),
	}
}

// IsRecording reports whether a recording is in progress.
func (c *Coordinator) IsRecording() bool { return c.recording.Load() }

// SetVolume forwards to the audio session.
func (c *Coordinator) SetVolume(v float64) { c.audio.SetVolume(v) }

// SetOverlay forwards to the video session.
func (c *Coordinator) SetOverlay(img image.Image) { c.video.SetOverlay(img) }

// StartRecording starts the audio session, then the video session. If the
// video session fails the audio session is stopped again and the error is
// returned. Starting while recording is a no-op.
func (c *Coordinator) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recording.Load() {
		c.log.Debug("Already recording")
		return nil
	}

	audioOn, videoOn := c.opts.Constraints.Audio, c.opts.Constraints.Video
	if !audioOn && !videoOn {
		return ErrNoTracks
	}

	if audioOn {
		if err := c.audio.Start(ctx, c.opts.Constraints); err != nil {
			return errors.Wrap(err, "start audio")
		}
	}
	if videoOn {
		if err := c.video.Start(ctx, c.opts.Constraints); err != nil {
			if audioOn {
				if serr := c.audio.Stop(); serr != nil {
					c.log.Warn("Failed to roll back audio session", "error", serr)
				}
			}
			return errors.Wrap(err, "start video")
		}
	}

	c.audioOn, c.videoOn = audioOn, videoOn
	c.recording.Store(true)
	c.log.Info("🎙️ Recording", "audio", audioOn, "video", videoOn)
	return nil
}

// StopRecording stops both sessions, waits for both artifacts and starts
// playback. Stopping while not recording is a no-op.
func (c *Coordinator) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	if !c.recording.Load() {
		c.mu.Unlock()
		return nil
	}

	var stopErr error
	var audioF, videoF *future.Future[*core.Artifact]
	if c.audioOn {
		audioF = c.audio.Completion()
		if err := c.audio.Stop(); err != nil {
			stopErr = errors.Wrap(err, "stop audio")
		}
	}
	if c.videoOn {
		videoF = c.video.Completion()
		if err := c.video.Stop(); err != nil && stopErr == nil {
			stopErr = errors.Wrap(err, "stop video")
		}
	}
	c.recording.Store(false)
	c.mu.Unlock()

	if stopErr != nil {
		c.log.Warn("Session stop reported an error", "error", stopErr)
	}

	audioArt, videoArt, err := c.join(ctx, audioF, videoF)
	if err != nil {
		return err
	}
	return c.CreatePlayback(ctx, audioArt, videoArt)
}

// join waits for both futures concurrently, bounded by the join timeout.
func (c *Coordinator) join(ctx context.Context, audioF, videoF *future.Future[*core.Artifact]) (*core.Artifact, *core.Artifact, error) {
	joinCtx, cancel := context.WithTimeout(ctx, c.opts.JoinTimeout)
	defer cancel()

	var audioArt, videoArt *core.Artifact
	g, gctx := errgroup.WithContext(joinCtx)
	if audioF != nil {
		g.Go(func() error {
			a, err := audioF.Wait(gctx)
			audioArt = a
			return err
		})
	}
	if videoF != nil {
		g.Go(func() error {
			v, err := videoF.Wait(gctx)
			videoArt = v
			return err
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.log.Error("Recordings did not finalize in time", "timeout", c.opts.JoinTimeout,
				"audio_done", audioF != nil && audioF.Resolved(),
				"video_done", videoF != nil && videoF.Resolved())
			return nil, nil, errors.Wrapf(ErrJoinTimeout, "after %s", c.opts.JoinTimeout)
		}
		return nil, nil, err
	}
	return audioArt, videoArt, nil
}

// CreatePlayback plays both artifacts.
func (c *Coordinator) CreatePlayback(ctx context.Context, audio, video *core.Artifact) error {
	c.log.Info("▶️ Creating playback", "audio_size", sizeOf(audio), "video_size", sizeOf(video))
	if c.playback == nil {
		return nil
	}
	if err := c.playback.Play(ctx, audio, video); err != nil {
		return errors.Wrap(err, "playback")
	}
	return nil
}

func sizeOf(a *core.Artifact) int {
	if a == nil {
		return 0
	}
	return a.Size()
}
