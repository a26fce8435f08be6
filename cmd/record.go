package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/babelcloud/mediarecorder/config"
	"github.com/babelcloud/mediarecorder/internal/capture/coordinator"
	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/playback"
	"github.com/babelcloud/mediarecorder/internal/capture/recorder"
	"github.com/babelcloud/mediarecorder/internal/capture/session"
	"github.com/babelcloud/mediarecorder/internal/preview"
	"github.com/babelcloud/mediarecorder/internal/util"
)

type RecordOptions struct {
	Duration  time.Duration
	Synthetic bool
	AudioOnly bool
	VideoOnly bool
	Preview   bool
	Open      bool
}

var recordFlagKeys = map[string]string{
	"output":       "output.dir",
	"overlay":      "video.overlay",
	"volume":       "audio.gain",
	"width":        "video.width",
	"height":       "video.height",
	"monitor":      "audio.monitor",
	"timeslice":    "recorder.timeslice",
	"policy":       "worker.policy",
	"preview-addr": "preview.addr",
}

func NewRecordCommand() *cobra.Command {
	opts := &RecordOptions{}

	cmd := &cobra.Command{
		Use:   "record [flags]",
		Short: "Record audio and video until stopped",
		Long: `Record the microphone through a gain stage and the camera composited with an
optional overlay. Each track is written as its own WebM file in a new
directory under the output directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteRecord(cmd, opts)
		},
		Example: `  # Record until Enter or Ctrl+C
  mediarecorder record

  # Record five seconds with a logo in the top-left corner, watching live in the browser
  mediarecorder record -d 5s --overlay logo.png --open

  # Record a generated tone and test pattern (no devices needed)
  mediarecorder record --synthetic -d 2s`,
	}

	flags := cmd.Flags()
	flags.DurationVarP(&opts.Duration, "duration", "d", 0, "Stop after this long (default: until Enter or Ctrl+C)")
	flags.BoolVar(&opts.Synthetic, "synthetic", false, "Use generated devices instead of the system microphone and camera")
	flags.BoolVar(&opts.AudioOnly, "audio-only", false, "Record audio only")
	flags.BoolVar(&opts.VideoOnly, "video-only", false, "Record video only")
	flags.BoolVar(&opts.Preview, "preview", false, "Serve a live preview and the playback in the browser")
	flags.BoolVar(&opts.Open, "open", false, "Open the preview page in the default browser (implies --preview)")
	flags.StringP("output", "o", "", "Directory recordings are written to")
	flags.String("overlay", "", "Image drawn in the top-left quarter of every video frame")
	flags.Float64("volume", 1, "Initial audio gain")
	flags.Int("width", session.DefaultWidth, "Composited video width")
	flags.Int("height", session.DefaultHeight, "Composited video height")
	flags.Bool("monitor", false, "Send live audio to the preview page")
	flags.Duration("timeslice", recorder.DefaultTimeslice, "Chunk cadence of the recorders")
	flags.String("policy", "block", "Chunk worker queue policy: block, drop-newest or drop-oldest")
	flags.String("preview-addr", "", "Preview server listen address")

	cmd.MarkFlagsMutuallyExclusive("audio-only", "video-only")
	cmd.RegisterFlagCompletionFunc("policy", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"block", "drop-newest", "drop-oldest"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func ExecuteRecord(cmd *cobra.Command, opts *RecordOptions) error {
	if err := bindFlags(cmd, recordFlagKeys); err != nil {
		return err
	}
	if opts.Synthetic {
		config.Set("devices.backend", config.BackendSynthetic)
	}
	if opts.Open {
		opts.Preview = true
	}
	log := util.ComponentLogger("record")
	out := cmd.OutOrStdout()

	devices, err := newDevices(log)
	if err != nil {
		return err
	}
	sessOpts, err := sessionOptions()
	if err != nil {
		return err
	}
	recOpts := recorder.Options{Timeslice: config.GetTimeslice(), JPEGQuality: config.GetJPEGQuality()}

	var (
		srv     *preview.Server
		monitor session.Monitor
		live    session.FrameSink
		player  coordinator.Playback
	)
	if opts.Preview {
		srv = preview.NewServer(config.GetPreviewAddr())
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()

		live = srv.VideoSurface()
		if config.GetAudioMonitor() {
			monitor = srv.AudioSurface()
		}
		player = playback.NewPlayer(srv.AudioSurface(), srv.VideoSurface(), playback.Options{Realtime: true})

		fmt.Fprintf(out, "🌐 Preview at %s\n", color.CyanString(srv.URL()))
		if opts.Open {
			if err := browser.OpenURL(srv.URL()); err != nil {
				log.Warn("Could not open browser", "error", err)
			}
		}
	}

	audio := session.NewAudioSession(devices, session.AudioOptions{
		Session:  sessOpts,
		Recorder: recorder.WebMAudioFactory(recOpts),
		Monitor:  monitor,
	})
	defer audio.Close()
	audio.SetVolume(config.GetAudioGain())

	width, height := config.GetVideoSize()
	video := session.NewVideoSession(devices, session.VideoOptions{
		Session:  sessOpts,
		Width:    width,
		Height:   height,
		Recorder: recorder.WebMVideoFactory(recOpts),
		Preview:  live,
	})
	defer video.Close()
	if path := config.GetOverlayPath(); path != "" {
		if err := video.LoadOverlay(path); err != nil {
			return err
		}
	}

	takeDir := filepath.Join(config.GetOutputDir(), time.Now().Format("20060102-150405"))
	saver := &artifactSaver{dir: takeDir, next: player, out: out}

	coord := coordinator.New(audio, video, coordinator.Options{
		Constraints: core.Constraints{Audio: !opts.VideoOnly, Video: !opts.AudioOnly},
		JoinTimeout: config.GetJoinTimeout(),
		Playback:    saver,
		Logger:      log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coord.StartRecording(ctx); err != nil {
		if errors.Is(err, core.ErrNoDevice) && config.GetDevicesBackend() == config.BackendSystem {
			fmt.Fprintln(cmd.ErrOrStderr(), "No capture device found. Build with -tags devices for camera and microphone support, or use --synthetic.")
		}
		return err
	}
	fmt.Fprintf(out, "%s Recording\n", color.New(color.FgRed, color.Bold).Sprint("●"))

	reason := waitForStop(ctx, opts.Duration, out)
	log.Debug("Stopping", "reason", reason)
	stop()

	// A second signal aborts playback.
	playCtx, cancelPlay := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelPlay()
	if err := coord.StopRecording(playCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	printStats(out, "audio", audio.Stats(), !opts.VideoOnly)
	printStats(out, "video", video.Stats(), !opts.AudioOnly)

	if srv != nil && srv.Viewers() > 0 && playCtx.Err() == nil {
		fmt.Fprintf(out, "(Playback finished. Press %s to exit.)\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))
		<-playCtx.Done()
	}
	return nil
}

// waitForStop blocks until ctx is done, the duration elapses or, on a
// terminal, Enter is pressed.
func waitForStop(ctx context.Context, d time.Duration, out io.Writer) string {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	enter := make(chan struct{})
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(out, "(Press %s to stop.)\n", color.New(color.FgYellow, color.Bold).Sprint("Enter"))
		go func() {
			_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
			close(enter)
		}()
	} else if d <= 0 {
		fmt.Fprintf(out, "(Press %s to stop.)\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))
	}

	select {
	case <-ctx.Done():
		return "signal"
	case <-timeout:
		return "duration"
	case <-enter:
		return "enter"
	}
}

// artifactSaver writes the finished recordings to disk before handing them
// on to playback.
type artifactSaver struct {
	dir  string
	next coordinator.Playback
	out  io.Writer
}

func (s *artifactSaver) Play(ctx context.Context, audio, video *core.Artifact) error {
	prefix := audio != nil && video != nil
	for _, a := range []*core.Artifact{audio, video} {
		if a == nil {
			continue
		}
		path, err := a.Save(s.dir, prefix)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "💾 Saved %s (%d bytes, %d chunks)\n", color.CyanString(path), a.Size(), a.ChunkCount())
	}
	if s.next == nil {
		return nil
	}
	return s.next.Play(ctx, audio, video)
}

func printStats(out io.Writer, kind string, st session.Stats, enabled bool) {
	if !enabled {
		return
	}
	line := fmt.Sprintf("   %s: %d chunks, %d bytes, worker processed %d", kind, st.Chunks, st.Bytes, st.Replies)
	if st.Channel.Dropped > 0 || st.Channel.Failed > 0 {
		line += color.YellowString(" (dropped %d, failed %d)", st.Channel.Dropped, st.Channel.Failed)
	}
	fmt.Fprintln(out, line)
}
