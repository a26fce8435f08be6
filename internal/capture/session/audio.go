package session

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/babelcloud/mediarecorder/internal/capture/chunkchan"
	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/future"
	"github.com/babelcloud/mediarecorder/internal/capture/recorder"
)

// GainNode scales samples by a coefficient that can change at any time.
type GainNode struct {
	bits atomic.Uint64
}

// NewGainNode returns a gain stage with the given coefficient.
func NewGainNode(gain float64) *GainNode {
	g := &GainNode{}
	g.Set(gain)
	return g
}

// Set replaces the coefficient. The value is stored as given.
func (g *GainNode) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

// Value returns the live coefficient.
func (g *GainNode) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// Process returns a scaled copy of buf.
func (g *GainNode) Process(buf core.AudioBuffer) core.AudioBuffer {
	gain := float32(g.Value())
	out := buf
	out.Samples = make([]float32, len(buf.Samples))
	for i, s := range buf.Samples {
		out.Samples[i] = s * gain
	}
	return out
}

// Monitor receives the gain stage output for local listening.
type Monitor interface {
	PlayAudio(buf core.AudioBuffer) error
}

// AudioOptions configures an AudioSession.
type AudioOptions struct {
	Session Options
	// Recorder builds the recorder for each cycle. Defaults to WebM.
	Recorder recorder.AudioFactory
	Monitor  Monitor
}

// AudioSession records the device microphone through a gain stage.
type AudioSession struct {
	*Session
	variant *audioVariant
}

// NewAudioSession returns an idle audio session with unity gain.
func NewAudioSession(devices core.Devices, opts AudioOptions) *AudioSession {
	if opts.Recorder == nil {
		opts.Recorder = recorder.WebMAudioFactory(recorder.Options{Logger: opts.Session.Logger})
	}
	v := &audioVariant{
		gain:    NewGainNode(1.0),
		factory: opts.Recorder,
		monitor: opts.Monitor,
	}
	s := New(v, devices, opts.Session)
	v.log = s.log
	return &AudioSession{Session: s, variant: v}
}

// Start records from the audio device only, whatever video is requested.
func (a *AudioSession) Start(ctx context.Context, constraints core.Constraints) error {
	constraints.Audio, constraints.Video = true, false
	return a.Session.Start(ctx, constraints)
}

// SetVolume sets the live gain coefficient. No bounds are applied.
func (a *AudioSession) SetVolume(v float64) {
	a.variant.gain.Set(v)
	a.log.Debug("Volume changed", "gain", v)
}

// Volume returns the live gain coefficient.
func (a *AudioSession) Volume() float64 { return a.variant.gain.Value() }

// GetRecordedAudio waits for the artifact of the current cycle.
func (a *AudioSession) GetRecordedAudio(ctx context.Context) (*core.Artifact, error) {
	return a.Artifact(ctx)
}

// RecordedAudio returns the current cycle's future without waiting.
func (a *AudioSession) RecordedAudio() *future.Future[*core.Artifact] {
	return a.Completion()
}

type audioVariant struct {
	gain    *GainNode
	factory recorder.AudioFactory
	monitor Monitor
	log     *slog.Logger

	processedBytes atomic.Uint64
}

func (v *audioVariant) Kind() core.Kind { return core.KindAudio }

func (v *audioVariant) LiveTransform(ctx context.Context, stream core.Stream, emit recorder.ChunkFunc) (Pipeline, error) {
	tracks := stream.AudioTracks()
	if len(tracks) == 0 {
		return nil, errors.Wrap(core.ErrNoDevice, "stream has no audio track")
	}
	track := tracks[0]

	rec, err := v.factory(track.Settings())
	if err != nil {
		return nil, errors.Wrap(err, "create audio recorder")
	}
	if err := rec.Start(emit); err != nil {
		return nil, errors.Wrap(err, "start audio recorder")
	}

	p := newLoop(rec, v.log)
	go p.run(func(ctx context.Context) error {
		buf, err := track.ReadAudio(ctx)
		if err != nil {
			return err
		}
		out := v.gain.Process(buf)
		if v.monitor != nil {
			if err := v.monitor.PlayAudio(out); err != nil {
				v.log.Debug("Monitor rejected buffer", "error", err)
			}
		}
		if err := rec.WriteAudio(out); err != nil {
			v.log.Warn("Dropped audio buffer", "error", err)
		}
		return nil
	})
	return p, nil
}

func (v *audioVariant) OnChunk(chunk core.Chunk) {
	if chunk.Seq == 0 {
		v.log.Debug("First audio chunk", "size", chunk.Len())
	}
}

func (v *audioVariant) Finalize(chunks []core.Chunk) *core.Artifact {
	return core.NewArtifact(core.KindAudio, chunks)
}

func (v *audioVariant) OnWorkerMessage(msg chunkchan.Message) {
	v.processedBytes.Add(uint64(len(msg.Payload)))
}

// ProcessedBytes returns the payload bytes echoed back by the worker.
func (a *AudioSession) ProcessedBytes() uint64 { return a.variant.processedBytes.Load() }
