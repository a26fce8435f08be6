//go:build devices

package cmd

// Camera and microphone drivers need cgo and system libraries (V4L2 or
// AVFoundation, and miniaudio), so they are only linked into builds tagged
// "devices".
import (
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)
