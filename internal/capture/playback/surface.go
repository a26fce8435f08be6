package playback

import (
	"image"
	"sync"
	"time"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
)

// FrameCollector is a VideoSurface that keeps per-frame metadata and the
// last frame drawn. Used for headless playback.
type FrameCollector struct {
	mu         sync.Mutex
	timestamps []time.Duration
	last       image.Image
	closed     bool
}

// DrawFrame implements VideoSurface.
func (c *FrameCollector) DrawFrame(img image.Image, ts time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timestamps = append(c.timestamps, ts)
	c.last = img
	return nil
}

// Close implements VideoSurface.
func (c *FrameCollector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Frames returns how many frames were drawn.
func (c *FrameCollector) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timestamps)
}

// Timestamps returns the presentation times of drawn frames.
func (c *FrameCollector) Timestamps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.timestamps...)
}

// Last returns the most recently drawn frame.
func (c *FrameCollector) Last() image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Closed reports whether the surface was released.
func (c *FrameCollector) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// AudioCollector is an AudioSurface that counts what it is given.
type AudioCollector struct {
	mu      sync.Mutex
	buffers int
	frames  int
	peak    float32
	closed  bool
}

// PlayAudio implements AudioSurface.
func (c *AudioCollector) PlayAudio(buf core.AudioBuffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffers++
	c.frames += buf.Frames()
	for _, s := range buf.Samples {
		if s < 0 {
			s = -s
		}
		if s > c.peak {
			c.peak = s
		}
	}
	return nil
}

// Close implements AudioSurface.
func (c *AudioCollector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Buffers returns how many buffers were played.
func (c *AudioCollector) Buffers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffers
}

// SampleFrames returns the total number of sample frames played.
func (c *AudioCollector) SampleFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Peak returns the largest absolute sample value seen.
func (c *AudioCollector) Peak() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

// Closed reports whether the surface was released.
func (c *AudioCollector) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
