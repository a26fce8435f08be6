// Package device provides the capture backends behind core.Devices: real
// hardware through pion/mediadevices, a generated signal for demos, and
// push-driven tracks for tests.
package device

import (
	"github.com/google/uuid"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
)

type stream struct {
	id    string
	audio []core.AudioTrack
	video []core.VideoTrack
}

func newStream(audio []core.AudioTrack, video []core.VideoTrack) *stream {
	return &stream{id: uuid.NewString(), audio: audio, video: video}
}

func (s *stream) ID() string                     { return s.id }
func (s *stream) AudioTracks() []core.AudioTrack { return s.audio }
func (s *stream) VideoTracks() []core.VideoTrack { return s.video }
func (s *stream) Stop() error                    { return core.StopTracks(s) }
