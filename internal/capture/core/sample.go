package core

import (
	"image"
	"sync"
	"time"
)

// Kind identifies the media carried by a track, session or artifact.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// MIME tags of finalized artifacts.
const (
	MIMEAudioWebM = "audio/webm"
	MIMEVideoWebM = "video/webm"
)

// DefaultFilename is the name offered when an artifact is downloaded.
const DefaultFilename = "recording.webm"

// MIMEType returns the artifact MIME tag for the kind.
func (k Kind) MIMEType() string {
	if k == KindVideo {
		return MIMEVideoWebM
	}
	return MIMEAudioWebM
}

// Constraints selects which device tracks GetUserMedia should open.
type Constraints struct {
	Audio bool
	Video bool

	// Preferred capture size; zero lets the device decide.
	Width  int
	Height int
}

// Chunk is one time-sliced fragment of encoded media.
type Chunk struct {
	Seq       uint64        // Emission order, starting at 0 per recording
	Data      []byte        // Encoded container bytes
	Timestamp time.Duration // Offset from recorder start when the slice was cut
}

// Len returns the payload size in bytes.
func (c Chunk) Len() int {
	return len(c.Data)
}

// AudioBuffer is a block of interleaved float32 PCM in [-1, 1].
type AudioBuffer struct {
	Samples    []float32
	Channels   int
	SampleRate int
	Timestamp  time.Duration
}

// Frames returns the number of sample frames (samples per channel).
func (b AudioBuffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b AudioBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// AudioSettings describes the format an audio track produces.
type AudioSettings struct {
	Channels   int
	SampleRate int
}

// VideoFrame is a decoded raster frame pulled from a video track.
type VideoFrame struct {
	Image     image.Image
	Timestamp time.Duration

	once    sync.Once
	release func()
}

// NewVideoFrame wraps img; release (may be nil) runs once on Close.
func NewVideoFrame(img image.Image, ts time.Duration, release func()) *VideoFrame {
	return &VideoFrame{Image: img, Timestamp: ts, release: release}
}

// Close releases the frame's backing resources. Safe to call more than once.
func (f *VideoFrame) Close() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}
