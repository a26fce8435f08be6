package core

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned when the user or OS refuses device access.
	ErrPermissionDenied = errors.New("device access denied")
	// ErrNoDevice is returned when no device satisfies the constraints.
	ErrNoDevice = errors.New("no capture device matches constraints")
)

// Devices acquires capture streams.
type Devices interface {
	// GetUserMedia opens the tracks selected by constraints. It suspends until
	// the devices are ready or access fails.
	GetUserMedia(ctx context.Context, constraints Constraints) (Stream, error)
}

// Stream is a set of live tracks owned by whoever acquired it.
type Stream interface {
	ID() string
	AudioTracks() []AudioTrack
	VideoTracks() []VideoTrack

	// Stop stops every track of the stream.
	Stop() error
}

// Track is a single live device track.
type Track interface {
	ID() string
	Kind() Kind

	// Stop releases the device. Pending and later reads return io.EOF.
	Stop() error
}

// AudioTrack produces PCM buffers.
type AudioTrack interface {
	Track
	Settings() AudioSettings

	// ReadAudio blocks until the next buffer is available. It returns io.EOF
	// once the track has ended.
	ReadAudio(ctx context.Context) (AudioBuffer, error)
}

// VideoTrack produces raster frames.
type VideoTrack interface {
	Track

	// ReadFrame blocks until the next frame is available. It returns io.EOF
	// once the track has ended. The caller must Close the frame.
	ReadFrame(ctx context.Context) (*VideoFrame, error)
}

// StopTracks stops every track of a stream and returns the first error.
func StopTracks(s Stream) error {
	var first error
	for _, t := range s.AudioTracks() {
		if err := t.Stop(); err != nil && first == nil {
			first = err
		}
	}
	for _, t := range s.VideoTracks() {
		if err := t.Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
