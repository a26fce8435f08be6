// Package playback plays a pair of recorded artifacts side by side: audio on
// its own clock, video through a read-draw-reschedule loop.
package playback

import (
	"context"
	"image"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
)

// VideoSurface renders decoded frames.
type VideoSurface interface {
	DrawFrame(img image.Image, ts time.Duration) error
	Close() error
}

// AudioSurface renders decoded PCM.
type AudioSurface interface {
	PlayAudio(buf core.AudioBuffer) error
	Close() error
}

// Options configures a Player.
type Options struct {
	// Realtime paces output by block timestamps. When false blocks are
	// rendered as fast as the surfaces accept them.
	Realtime bool
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Player drives one audio and one video surface.
type Player struct {
	audio AudioSurface
	video VideoSurface
	opts  Options
	log   *slog.Logger
}

// NewPlayer returns a player rendering to the given surfaces. Either may be
// nil, in which case the matching artifact is skipped.
func NewPlayer(audio AudioSurface, video VideoSurface, opts Options) *Player {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Player{
		audio: audio,
		video: video,
		opts:  opts,
		log:   opts.Logger.With("component", "playback"),
	}
}

// Play starts both artifacts together and returns when both have finished
// or ctx is done. Decoded video is released as soon as the video ends. Every
// surface the player was given is closed before Play returns, including one
// whose artifact is missing.
func (p *Player) Play(ctx context.Context, audioArt, videoArt *core.Artifact) (err error) {
	audioOpen, videoOpen := p.audio != nil, p.video != nil
	defer func() {
		if audioOpen {
			if cerr := p.audio.Close(); err == nil {
				err = cerr
			}
		}
		if videoOpen {
			if cerr := p.video.Close(); err == nil {
				err = cerr
			}
		}
	}()

	var audioMedia, videoMedia *Media
	if audioArt != nil && p.audio != nil {
		if audioMedia, err = Demux(audioArt); err != nil {
			return err
		}
	}
	if videoArt != nil && p.video != nil {
		if videoMedia, err = Demux(videoArt); err != nil {
			return err
		}
	}

	p.log.Info("▶️ Playback started",
		"audio_blocks", blocksOf(audioMedia), "video_frames", blocksOf(videoMedia))

	start := p.opts.Clock.Now()
	g, ctx := errgroup.WithContext(ctx)

	if audioMedia != nil {
		audioOpen = false
		g.Go(func() error {
			err := p.playAudio(ctx, start, audioMedia)
			if cerr := p.audio.Close(); err == nil {
				err = cerr
			}
			return err
		})
	}

	if videoMedia != nil {
		videoOpen = false
		g.Go(func() error {
			frames, err := p.drawVideo(ctx, start, videoMedia)
			videoMedia = nil
			if cerr := p.video.Close(); err == nil {
				err = cerr
			}
			p.log.Info("Video playback finished, resources released", "frames", frames)
			return err
		})
	}

	return g.Wait()
}

func (p *Player) playAudio(ctx context.Context, start time.Time, m *Media) error {
	for _, b := range m.Blocks {
		if err := p.waitUntil(ctx, start, b.Timestamp); err != nil {
			return err
		}
		if err := p.audio.PlayAudio(DecodeAudio(m.Track, b)); err != nil {
			return err
		}
	}
	return nil
}

// drawVideo is the read-draw-reschedule loop; it stops at the last frame.
func (p *Player) drawVideo(ctx context.Context, start time.Time, m *Media) (int, error) {
	drawn := 0
	for next := 0; next < len(m.Blocks); next++ {
		b := m.Blocks[next]
		if err := p.waitUntil(ctx, start, b.Timestamp); err != nil {
			return drawn, err
		}
		img, err := DecodeFrame(b)
		if err != nil {
			p.log.Warn("Skipping undecodable frame", "timestamp", b.Timestamp, "error", err)
			continue
		}
		if err := p.video.DrawFrame(img, b.Timestamp); err != nil {
			return drawn, err
		}
		drawn++
	}
	return drawn, nil
}

func (p *Player) waitUntil(ctx context.Context, start time.Time, ts time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.opts.Realtime {
		return nil
	}
	wait := ts - p.opts.Clock.Since(start)
	if wait <= 0 {
		return nil
	}
	select {
	case <-p.opts.Clock.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func blocksOf(m *Media) int {
	if m == nil {
		return 0
	}
	return len(m.Blocks)
}
