package playback

import (
	"bytes"
	"image"
	"image/jpeg"
	"io"
	"sort"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/pkg/errors"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/recorder"
)

var ErrNoTrack = errors.New("artifact has no playable track")

// Only the elements playback needs; everything else is skipped.
type document struct {
	Segment segment `ebml:"Segment"`
}

type segment struct {
	Tracks  tracks    `ebml:"Tracks"`
	Cluster []cluster `ebml:"Cluster"`
}

type tracks struct {
	TrackEntry []trackEntry `ebml:"TrackEntry"`
}

type trackEntry struct {
	TrackNumber uint64        `ebml:"TrackNumber"`
	CodecID     string        `ebml:"CodecID"`
	TrackType   uint64        `ebml:"TrackType"`
	Video       videoSettings `ebml:"Video"`
	Audio       audioSettings `ebml:"Audio"`
}

type videoSettings struct {
	PixelWidth  uint64 `ebml:"PixelWidth"`
	PixelHeight uint64 `ebml:"PixelHeight"`
}

type audioSettings struct {
	SamplingFrequency float64 `ebml:"SamplingFrequency"`
	Channels          uint64  `ebml:"Channels"`
}

type cluster struct {
	Timecode    uint64       `ebml:"Timecode"`
	SimpleBlock []ebml.Block `ebml:"SimpleBlock"`
}

// Track describes the single track of a recorded artifact.
type Track struct {
	Number     uint64
	CodecID    string
	Width      int
	Height     int
	SampleRate int
	Channels   int
}

// Block is one encoded unit with its presentation time.
type Block struct {
	Timestamp time.Duration
	Data      []byte
}

// Media is a demuxed artifact.
type Media struct {
	Kind   core.Kind
	Track  Track
	Blocks []Block
}

// Duration returns the timestamp of the last block.
func (m *Media) Duration() time.Duration {
	if m == nil || len(m.Blocks) == 0 {
		return 0
	}
	return m.Blocks[len(m.Blocks)-1].Timestamp
}

// Demux parses a WebM artifact written by the recorder.
func Demux(a *core.Artifact) (*Media, error) {
	if a == nil {
		return nil, ErrNoTrack
	}

	var doc document
	if err := ebml.Unmarshal(a.NewReader(), &doc); err != nil &&
		!errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, errors.Wrapf(err, "parse %s artifact", a.Kind())
	}

	want := recorder.AudioCodecID
	if a.Kind() == core.KindVideo {
		want = recorder.VideoCodecID
	}

	var entry *trackEntry
	for i := range doc.Segment.Tracks.TrackEntry {
		if doc.Segment.Tracks.TrackEntry[i].CodecID == want {
			entry = &doc.Segment.Tracks.TrackEntry[i]
			break
		}
	}
	if entry == nil {
		return nil, ErrNoTrack
	}

	m := &Media{
		Kind: a.Kind(),
		Track: Track{
			Number:     entry.TrackNumber,
			CodecID:    entry.CodecID,
			Width:      int(entry.Video.PixelWidth),
			Height:     int(entry.Video.PixelHeight),
			SampleRate: int(entry.Audio.SamplingFrequency),
			Channels:   int(entry.Audio.Channels),
		},
	}

	for _, c := range doc.Segment.Cluster {
		for _, b := range c.SimpleBlock {
			if b.TrackNumber != entry.TrackNumber {
				continue
			}
			ts := time.Duration(int64(c.Timecode)+int64(b.Timecode)) * time.Millisecond
			for _, d := range b.Data {
				m.Blocks = append(m.Blocks, Block{Timestamp: ts, Data: d})
			}
		}
	}
	sort.SliceStable(m.Blocks, func(i, j int) bool {
		return m.Blocks[i].Timestamp < m.Blocks[j].Timestamp
	})
	return m, nil
}

// DecodeFrame decodes a video block.
func DecodeFrame(b Block) (image.Image, error) {
	return jpeg.Decode(bytes.NewReader(b.Data))
}

// DecodeAudio decodes an audio block into a PCM buffer.
func DecodeAudio(t Track, b Block) core.AudioBuffer {
	return core.AudioBuffer{
		Samples:    recorder.DecodePCM16(b.Data),
		Channels:   t.Channels,
		SampleRate: t.SampleRate,
		Timestamp:  b.Timestamp,
	}
}
