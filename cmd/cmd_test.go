package cmd

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/mediarecorder/config"
	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/device"
	"github.com/babelcloud/mediarecorder/internal/capture/playback"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(config.Reset)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRecordAndPlaySynthetic(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "record", "--synthetic", "-d", "300ms", "-o", dir,
		"--width", "64", "--height", "48", "--timeslice", "20ms")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Recording")
	assert.Contains(t, out, "audio-recording.webm")
	assert.Contains(t, out, "video-recording.webm")

	takes, err := filepath.Glob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	require.Len(t, takes, 1)

	audioArt, err := loadArtifact(core.KindAudio, filepath.Join(takes[0], "audio-recording.webm"))
	require.NoError(t, err)
	media, err := playback.Demux(audioArt)
	require.NoError(t, err)
	assert.NotEmpty(t, media.Blocks)

	videoArt, err := loadArtifact(core.KindVideo, filepath.Join(takes[0], "video-recording.webm"))
	require.NoError(t, err)
	media, err = playback.Demux(videoArt)
	require.NoError(t, err)
	assert.Equal(t, 64, media.Track.Width)
	assert.Equal(t, 48, media.Track.Height)
	assert.NotEmpty(t, media.Blocks)

	out, err = run(t, "play", takes[0])
	require.NoError(t, err, out)
	assert.Contains(t, out, "audio: ")
	assert.Contains(t, out, "video: ")
}

func TestRecordAudioOnlyWritesOneFile(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "record", "--synthetic", "--audio-only", "-d", "100ms", "-o", dir)
	require.NoError(t, err, out)

	files, err := filepath.Glob(filepath.Join(dir, "*", "*.webm"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, core.DefaultFilename, filepath.Base(files[0]))
}

func TestRecordRejectsBadFlags(t *testing.T) {
	_, err := run(t, "record", "--synthetic", "--audio-only", "--video-only")
	assert.Error(t, err)

	_, err = run(t, "record", "--synthetic", "--policy", "lifo", "-d", "10ms", "-o", t.TempDir())
	assert.Error(t, err)

	_, err = run(t, "record", "--synthetic", "--overlay", filepath.Join(t.TempDir(), "none.png"), "-d", "10ms")
	assert.Error(t, err)
}

func TestPlayNeedsInput(t *testing.T) {
	_, err := run(t, "play")
	assert.ErrorContains(t, err, "nothing to play")

	_, err = run(t, "play", "--audio", filepath.Join(t.TempDir(), "missing.webm"))
	assert.Error(t, err)
}

func TestRenderDevices(t *testing.T) {
	infos := []device.Info{
		{ID: "mic-1", Kind: core.KindAudio, Label: "USB Microphone"},
		{ID: "cam-1", Kind: core.KindVideo, Label: "Integrated Camera"},
	}

	var buf bytes.Buffer
	require.NoError(t, renderDevices(&buf, infos, "text"))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "KIND"))
	assert.Contains(t, lines[2], "USB Microphone")
	assert.Contains(t, lines[3], "cam-1")

	buf.Reset()
	require.NoError(t, renderDevices(&buf, infos, "json"))
	var decoded []map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "video", decoded[1]["kind"])

	buf.Reset()
	require.NoError(t, renderDevices(&buf, nil, "text"))
	assert.Contains(t, buf.String(), "-tags devices")

	assert.Error(t, renderDevices(&buf, infos, "yaml"))
}

func TestVersion(t *testing.T) {
	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "mediarecorder dev"))

	out, err = run(t, "version", "--format", "json")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "dev", info["Version"])
}
