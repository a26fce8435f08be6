package session

import (
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	_ "github.com/chai2010/webp"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"github.com/babelcloud/mediarecorder/internal/capture/chunkchan"
	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/future"
	"github.com/babelcloud/mediarecorder/internal/capture/recorder"
)

// Default composited frame size.
const (
	DefaultWidth  = 600
	DefaultHeight = 480
)

// VideoOptions configures a VideoSession.
type VideoOptions struct {
	Session Options
	// Frame size of the composited output. Fixed for the session.
	Width  int
	Height int
	// Overlay drawn in the top-left quarter of every frame; may be nil.
	Overlay image.Image
	// Recorder builds the recorder for each cycle. Defaults to WebM.
	Recorder recorder.VideoFactory
	// Preview receives every composited frame after it is recorded. The
	// frame is only valid for the duration of the call.
	Preview FrameSink
}

// FrameSink displays composited frames.
type FrameSink interface {
	DrawFrame(img image.Image, ts time.Duration) error
}

// VideoSession records the camera composited with an overlay image.
type VideoSession struct {
	*Session
	variant *videoVariant
}

// NewVideoSession returns an idle video session.
func NewVideoSession(devices core.Devices, opts VideoOptions) *VideoSession {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = DefaultWidth, DefaultHeight
	}
	if opts.Recorder == nil {
		opts.Recorder = recorder.WebMVideoFactory(recorder.Options{Logger: opts.Session.Logger})
	}
	v := &videoVariant{
		width:   opts.Width,
		height:  opts.Height,
		factory: opts.Recorder,
		preview: opts.Preview,
	}
	v.setOverlay(opts.Overlay)
	s := New(v, devices, opts.Session)
	v.log = s.log
	return &VideoSession{Session: s, variant: v}
}

// Start records from the camera only, whatever audio is requested. The
// requested capture size defaults to the composited frame size.
func (vs *VideoSession) Start(ctx context.Context, constraints core.Constraints) error {
	constraints.Audio, constraints.Video = false, true
	if constraints.Width <= 0 || constraints.Height <= 0 {
		constraints.Width, constraints.Height = vs.variant.width, vs.variant.height
	}
	return vs.Session.Start(ctx, constraints)
}

// Size returns the composited frame dimensions.
func (vs *VideoSession) Size() (width, height int) {
	return vs.variant.width, vs.variant.height
}

// SetOverlay swaps the overlay. A frame already being composited keeps the
// overlay it started with. nil removes the overlay.
func (vs *VideoSession) SetOverlay(img image.Image) {
	vs.variant.setOverlay(img)
	if img != nil {
		vs.log.Debug("Overlay replaced", "bounds", img.Bounds())
	} else {
		vs.log.Debug("Overlay removed")
	}
}

// Overlay returns the current overlay, or nil.
func (vs *VideoSession) Overlay() image.Image {
	return vs.variant.loadOverlay()
}

// LoadOverlay decodes a PNG, JPEG, GIF or WebP file and installs it as the
// overlay.
func (vs *VideoSession) LoadOverlay(path string) error {
	img, err := DecodeImageFile(path)
	if err != nil {
		return err
	}
	vs.SetOverlay(img)
	return nil
}

// GetRecordedVideo waits for the artifact of the current cycle.
func (vs *VideoSession) GetRecordedVideo(ctx context.Context) (*core.Artifact, error) {
	return vs.Artifact(ctx)
}

// RecordedVideo returns the current cycle's future without waiting.
func (vs *VideoSession) RecordedVideo() *future.Future[*core.Artifact] {
	return vs.Completion()
}

// FramesComposited returns how many frames were composited and handed to
// the recorder, across all cycles.
func (vs *VideoSession) FramesComposited() int {
	return int(vs.variant.frames.Load())
}

// DecodeImageFile reads an image in any registered format.
func DecodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open overlay")
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode overlay %s", path)
	}
	slog.Debug("Overlay decoded", "path", path, "format", format, "bounds", img.Bounds())
	return img, nil
}

type overlayRef struct {
	img image.Image
}

type videoVariant struct {
	width, height int
	factory       recorder.VideoFactory
	preview       FrameSink
	log           *slog.Logger

	overlay atomic.Pointer[overlayRef]
	frames  atomic.Int64
	replies atomic.Uint64
}

func (v *videoVariant) setOverlay(img image.Image) {
	v.overlay.Store(&overlayRef{img: img})
}

func (v *videoVariant) loadOverlay() image.Image {
	if ref := v.overlay.Load(); ref != nil {
		return ref.img
	}
	return nil
}

func (v *videoVariant) Kind() core.Kind { return core.KindVideo }

func (v *videoVariant) LiveTransform(ctx context.Context, stream core.Stream, emit recorder.ChunkFunc) (Pipeline, error) {
	tracks := stream.VideoTracks()
	if len(tracks) == 0 {
		return nil, errors.Wrap(core.ErrNoDevice, "stream has no video track")
	}
	track := tracks[0]

	rec, err := v.factory(v.width, v.height)
	if err != nil {
		return nil, errors.Wrap(err, "create video recorder")
	}
	if err := rec.Start(emit); err != nil {
		return nil, errors.Wrap(err, "start video recorder")
	}

	canvas := image.NewRGBA(image.Rect(0, 0, v.width, v.height))
	l := newLoop(rec, v.log)
	go l.run(func(ctx context.Context) error {
		raw, err := track.ReadFrame(ctx)
		if err != nil {
			return err
		}
		// A pull that completes after Stop must not produce another frame.
		if l.Stopped() {
			raw.Close()
			return context.Canceled
		}

		Composite(canvas, raw.Image, v.loadOverlay())
		ts := raw.Timestamp
		raw.Close()

		out := core.NewVideoFrame(canvas, ts, nil)
		err = rec.WriteFrame(out)
		out.Close()
		if err != nil {
			v.log.Warn("Dropped video frame", "error", err)
			return nil
		}
		if v.preview != nil {
			if err := v.preview.DrawFrame(canvas, ts); err != nil {
				v.log.Debug("Preview frame failed", "error", err)
			}
		}
		if n := v.frames.Add(1); n%300 == 0 {
			v.log.Debug("Compositing progress", "frames", n)
		}
		return nil
	})
	return l, nil
}

// Composite scales src to fill dst and draws overlay, if any, scaled to half
// of dst's width and height at dst's origin.
func Composite(dst draw.Image, src, overlay image.Image) {
	b := dst.Bounds()
	if src != nil {
		draw.ApproxBiLinear.Scale(dst, b, src, src.Bounds(), draw.Src, nil)
	}
	if overlay != nil {
		quarter := image.Rect(b.Min.X, b.Min.Y, b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2)
		draw.ApproxBiLinear.Scale(dst, quarter, overlay, overlay.Bounds(), draw.Over, nil)
	}
}

func (v *videoVariant) OnChunk(chunk core.Chunk) {
	if chunk.Seq == 0 {
		v.log.Debug("First video chunk", "size", chunk.Len())
	}
}

func (v *videoVariant) Finalize(chunks []core.Chunk) *core.Artifact {
	return core.NewArtifact(core.KindVideo, chunks)
}

func (v *videoVariant) OnWorkerMessage(chunkchan.Message) {
	v.replies.Add(1)
}
