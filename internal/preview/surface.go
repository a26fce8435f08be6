package preview

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/jpeg"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/recorder"
)

// Message type prefixes on the websocket. Each binary message starts with
// one of these bytes.
const (
	TypeVideo    byte = 'V' // JPEG frame
	TypeAudio    byte = 'A' // uint32 sample rate, uint8 channels, PCM16LE
	TypeVideoEnd byte = 'E'
	TypeAudioEnd byte = 'F'
)

const previewJPEGQuality = 75

// VideoSurface publishes frames to preview clients.
type VideoSurface struct {
	b *Broadcaster
}

// DrawFrame encodes img and broadcasts it. The frame becomes the one shown
// to viewers that connect later.
func (s *VideoSurface) DrawFrame(img image.Image, _ time.Duration) error {
	var buf bytes.Buffer
	buf.WriteByte(TypeVideo)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: previewJPEGQuality}); err != nil {
		return errors.Wrap(err, "encode preview frame")
	}
	s.b.Broadcast(buf.Bytes(), true)
	return nil
}

// Close tells viewers the video has ended.
func (s *VideoSurface) Close() error {
	s.b.Broadcast([]byte{TypeVideoEnd}, false)
	return nil
}

// AudioSurface publishes PCM to preview clients. It also serves as a live
// monitor for the audio session.
type AudioSurface struct {
	b *Broadcaster
}

// PlayAudio broadcasts buf as 16-bit PCM.
func (s *AudioSurface) PlayAudio(buf core.AudioBuffer) error {
	if len(buf.Samples) == 0 {
		return nil
	}
	pcm := recorder.EncodePCM16(buf.Samples)
	msg := make([]byte, 6, 6+len(pcm))
	msg[0] = TypeAudio
	binary.LittleEndian.PutUint32(msg[1:5], uint32(buf.SampleRate))
	msg[5] = byte(buf.Channels)
	s.b.Broadcast(append(msg, pcm...), false)
	return nil
}

// Close tells listeners the audio has ended.
func (s *AudioSurface) Close() error {
	s.b.Broadcast([]byte{TypeAudioEnd}, false)
	return nil
}

// DecodeAudioMessage parses a TypeAudio message.
func DecodeAudioMessage(msg []byte) (core.AudioBuffer, error) {
	if len(msg) < 6 || msg[0] != TypeAudio {
		return core.AudioBuffer{}, errors.New("not an audio message")
	}
	return core.AudioBuffer{
		SampleRate: int(binary.LittleEndian.Uint32(msg[1:5])),
		Channels:   int(msg[5]),
		Samples:    recorder.DecodePCM16(msg[6:]),
	}, nil
}
