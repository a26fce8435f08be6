package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/mediarecorder/config"
	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/playback"
	"github.com/babelcloud/mediarecorder/internal/preview"
	"github.com/babelcloud/mediarecorder/internal/util"
)

type PlayOptions struct {
	AudioFile string
	VideoFile string
	Preview   bool
	Open      bool
}

func NewPlayCommand() *cobra.Command {
	opts := &PlayOptions{}

	cmd := &cobra.Command{
		Use:   "play [DIR]",
		Short: "Play back a recording",
		Long: `Play back the audio and video files of a recording together. With a directory
argument the files written by "record" are used. Without --preview the files
are decoded and summarized.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.fromDir(args[0])
			}
			return ExecutePlay(cmd, opts)
		},
		Example: `  # Play the latest take in the browser
  mediarecorder play ~/Videos/mediarecorder/20260101-120000 --open

  # Check a video file decodes
  mediarecorder play --video recording.webm`,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.AudioFile, "audio", "", "Audio WebM file")
	flags.StringVar(&opts.VideoFile, "video", "", "Video WebM file")
	flags.BoolVar(&opts.Preview, "preview", false, "Play in the browser through the preview server")
	flags.BoolVar(&opts.Open, "open", false, "Open the preview page in the default browser (implies --preview)")

	return cmd
}

// fromDir fills unset file paths with the names record writes.
func (o *PlayOptions) fromDir(dir string) {
	pick := func(kind core.Kind) string {
		for _, name := range []string{string(kind) + "-" + core.DefaultFilename, core.DefaultFilename} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
		return ""
	}
	if o.AudioFile == "" {
		o.AudioFile = pick(core.KindAudio)
	}
	if o.VideoFile == "" {
		o.VideoFile = pick(core.KindVideo)
	}
}

func loadArtifact(kind core.Kind, path string) (*core.Artifact, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s recording", kind)
	}
	defer f.Close()
	return core.LoadArtifact(kind, f)
}

func ExecutePlay(cmd *cobra.Command, opts *PlayOptions) error {
	if opts.Open {
		opts.Preview = true
	}
	out := cmd.OutOrStdout()

	audioArt, err := loadArtifact(core.KindAudio, opts.AudioFile)
	if err != nil {
		return err
	}
	videoArt, err := loadArtifact(core.KindVideo, opts.VideoFile)
	if err != nil {
		return err
	}
	if audioArt == nil && videoArt == nil {
		return errors.New("nothing to play: pass a recording directory, --audio or --video")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := util.ComponentLogger("play")

	if !opts.Preview {
		frames, sound := &playback.FrameCollector{}, &playback.AudioCollector{}
		if err := playback.NewPlayer(sound, frames, playback.Options{Logger: log}).Play(ctx, audioArt, videoArt); err != nil {
			return err
		}
		if audioArt != nil {
			fmt.Fprintf(out, "audio: %d buffers, %d sample frames, peak %.3f\n", sound.Buffers(), sound.SampleFrames(), sound.Peak())
		}
		if videoArt != nil {
			ts := frames.Timestamps()
			var last string
			if len(ts) > 0 {
				last = ts[len(ts)-1].String()
			}
			fmt.Fprintf(out, "video: %d frames, last at %s\n", frames.Frames(), last)
		}
		return nil
	}

	srv := preview.NewServer(config.GetPreviewAddr())
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	fmt.Fprintf(out, "🌐 Open %s to watch. Playback starts when the first viewer connects.\n", color.CyanString(srv.URL()))
	if opts.Open {
		if err := browser.OpenURL(srv.URL()); err != nil {
			log.Warn("Could not open browser", "error", err)
		}
	}
	if err := waitForViewer(ctx, srv); err != nil {
		return nil
	}

	player := playback.NewPlayer(srv.AudioSurface(), srv.VideoSurface(), playback.Options{Realtime: true, Logger: log})
	if err := player.Play(ctx, audioArt, videoArt); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintln(out, "Playback finished.")
	return nil
}

func waitForViewer(ctx context.Context, srv *preview.Server) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for srv.Viewers() == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
