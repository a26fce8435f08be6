// Package recorder encodes live media into a WebM stream and cuts the
// produced bytes into chunks at a fixed timeslice. Concatenating every chunk
// of one recording yields a playable file.
package recorder

import (
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
)

// DefaultTimeslice is the chunk cadence.
const DefaultTimeslice = 10 * time.Millisecond

// Codec IDs of the tracks written by WebMRecorder.
const (
	AudioCodecID = "A_PCM/INT/LIT" // 16-bit little-endian PCM
	VideoCodecID = "V_MJPEG"
)

var (
	ErrAlreadyRecording = errors.New("recorder already recording")
	ErrInactive         = errors.New("recorder is inactive")
	ErrWrongTrack       = errors.New("recorder has no track of this kind")
)

// State of a recorder.
type State string

const (
	StateInactive  State = "inactive"
	StateRecording State = "recording"
)

// ChunkFunc receives chunks in emission order. It is never called
// concurrently and never after Stop returns.
type ChunkFunc func(chunk core.Chunk)

// Recorder turns written media into chunks.
type Recorder interface {
	Start(onChunk ChunkFunc) error
	// Stop flushes buffered media as a final chunk. Stopping an inactive
	// recorder is a no-op.
	Stop() error
	State() State
}

// AudioRecorder accepts PCM buffers.
type AudioRecorder interface {
	Recorder
	WriteAudio(buf core.AudioBuffer) error
}

// VideoRecorder accepts composited frames. The frame is encoded before
// WriteFrame returns, so the caller may reuse its raster.
type VideoRecorder interface {
	Recorder
	WriteFrame(frame *core.VideoFrame) error
}

// AudioFactory builds a recorder for a track format.
type AudioFactory func(settings core.AudioSettings) (AudioRecorder, error)

// VideoFactory builds a recorder for a frame size.
type VideoFactory func(width, height int) (VideoRecorder, error)

// WebMAudioFactory returns an AudioFactory producing WebM recorders.
func WebMAudioFactory(opts Options) AudioFactory {
	return func(settings core.AudioSettings) (AudioRecorder, error) {
		return NewWebMAudio(settings, opts), nil
	}
}

// WebMVideoFactory returns a VideoFactory producing WebM recorders.
func WebMVideoFactory(opts Options) VideoFactory {
	return func(width, height int) (VideoRecorder, error) {
		return NewWebMVideo(width, height, opts), nil
	}
}
