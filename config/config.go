package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Device backends.
const (
	BackendSystem    = "system"
	BackendSynthetic = "synthetic"
)

var v *viper.Viper

func init() {
	v = newViper()

	// Look for config in the following paths
	configPaths := []string{
		".",
		"$HOME/.mediarecorder",
		"/etc/mediarecorder",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func newViper() *viper.Viper {
	nv := viper.New()

	nv.SetDefault("recorder.timeslice", 10*time.Millisecond)
	nv.SetDefault("recorder.jpeg_quality", 85)
	nv.SetDefault("video.width", 600)
	nv.SetDefault("video.height", 480)
	nv.SetDefault("video.overlay", "")
	nv.SetDefault("audio.gain", 1.0)
	nv.SetDefault("audio.monitor", false)
	nv.SetDefault("worker.queue_size", 64)
	nv.SetDefault("worker.policy", "block")
	nv.SetDefault("coordinator.join_timeout", 10*time.Second)
	nv.SetDefault("output.dir", filepath.Join(xdg.UserDirs.Videos, "mediarecorder"))
	nv.SetDefault("preview.addr", "127.0.0.1:28180")
	nv.SetDefault("devices.backend", BackendSystem)

	// Environment variables: RECORDER_VIDEO_WIDTH, RECORDER_OUTPUT_DIR, ...
	nv.SetEnvPrefix("RECORDER")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()

	nv.SetConfigName("config")
	nv.SetConfigType("yaml")
	return nv
}

// LoadFile replaces the active configuration with defaults, environment and
// the given YAML file.
func LoadFile(path string) error {
	nv := newViper()
	nv.SetConfigFile(path)
	if err := nv.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v = nv
	return nil
}

// Reset restores defaults and environment only.
func Reset() {
	v = newViper()
}

// BindFlag makes an explicitly set command-line flag override key.
func BindFlag(key string, flag *pflag.Flag) error {
	return v.BindPFlag(key, flag)
}

// Set overrides a key for the rest of the process.
func Set(key string, value any) {
	v.Set(key, value)
}

// ConfigFile returns the file the configuration was read from, if any.
func ConfigFile() string {
	return v.ConfigFileUsed()
}

// GetHome returns the per-user configuration directory.
func GetHome() string {
	return filepath.Join(xdg.Home, ".mediarecorder")
}

// GetTimeslice returns the chunk cadence.
func GetTimeslice() time.Duration {
	return v.GetDuration("recorder.timeslice")
}

// GetJPEGQuality returns the quality of recorded video frames.
func GetJPEGQuality() int {
	return v.GetInt("recorder.jpeg_quality")
}

// GetVideoSize returns the composited frame size.
func GetVideoSize() (int, int) {
	return v.GetInt("video.width"), v.GetInt("video.height")
}

// GetOverlayPath returns the overlay image path, empty for none.
func GetOverlayPath() string {
	return v.GetString("video.overlay")
}

// GetAudioGain returns the initial gain coefficient.
func GetAudioGain() float64 {
	return v.GetFloat64("audio.gain")
}

// GetAudioMonitor reports whether live audio is sent to the preview.
func GetAudioMonitor() bool {
	return v.GetBool("audio.monitor")
}

// GetWorkerQueueSize returns the chunk worker queue bound.
func GetWorkerQueueSize() int {
	return v.GetInt("worker.queue_size")
}

// GetWorkerPolicy returns the chunk worker backpressure policy name.
func GetWorkerPolicy() string {
	return v.GetString("worker.policy")
}

// GetJoinTimeout returns how long stop waits for both recordings.
func GetJoinTimeout() time.Duration {
	return v.GetDuration("coordinator.join_timeout")
}

// GetOutputDir returns where recordings are written.
func GetOutputDir() string {
	return v.GetString("output.dir")
}

// GetPreviewAddr returns the preview server listen address.
func GetPreviewAddr() string {
	return v.GetString("preview.addr")
}

// GetDevicesBackend returns the capture backend name.
func GetDevicesBackend() string {
	return v.GetString("devices.backend")
}
