package session_test

import (
	"image"
	"image/color"
	"sync"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/recorder"
)

// fixedChunkRecorder emits one chunk of a fixed size per written buffer and
// remembers the samples it saw.
type fixedChunkRecorder struct {
	size int

	mu      sync.Mutex
	state   recorder.State
	emit    recorder.ChunkFunc
	seq     uint64
	samples [][]float32
	stops   int
}

func newFixedChunkRecorder(size int) *fixedChunkRecorder {
	return &fixedChunkRecorder{size: size, state: recorder.StateInactive}
}

func (r *fixedChunkRecorder) factory() recorder.AudioFactory {
	return func(core.AudioSettings) (recorder.AudioRecorder, error) { return r, nil }
}

func (r *fixedChunkRecorder) Start(emit recorder.ChunkFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == recorder.StateRecording {
		return recorder.ErrAlreadyRecording
	}
	r.state = recorder.StateRecording
	r.emit = emit
	r.seq = 0
	return nil
}

func (r *fixedChunkRecorder) WriteAudio(buf core.AudioBuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorder.StateRecording {
		return recorder.ErrInactive
	}
	r.samples = append(r.samples, buf.Samples)
	data := make([]byte, r.size)
	for i := range data {
		data[i] = byte(r.seq)
	}
	r.emit(core.Chunk{Seq: r.seq, Data: data})
	r.seq++
	return nil
}

func (r *fixedChunkRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == recorder.StateRecording {
		r.stops++
	}
	r.state = recorder.StateInactive
	return nil
}

func (r *fixedChunkRecorder) State() recorder.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fixedChunkRecorder) recorded() [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]float32(nil), r.samples...)
}

type monitorSink struct {
	mu      sync.Mutex
	buffers int
}

func (m *monitorSink) PlayAudio(core.AudioBuffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers++
	return nil
}

func (m *monitorSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffers
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func mono(samples ...float32) core.AudioBuffer {
	return core.AudioBuffer{Samples: samples, Channels: 1, SampleRate: 8000}
}

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
)
