package cmd

import (
	"log/slog"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/mediarecorder/config"
	"github.com/babelcloud/mediarecorder/internal/capture/chunkchan"
	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/device"
	"github.com/babelcloud/mediarecorder/internal/capture/session"
	"github.com/babelcloud/mediarecorder/internal/util"
)

// bindFlags lets explicitly set flags override their configuration keys.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for name, key := range keys {
		if err := config.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return errors.Wrapf(err, "bind --%s", name)
		}
	}
	return nil
}

func newDevices(log *slog.Logger) (core.Devices, error) {
	switch backend := config.GetDevicesBackend(); backend {
	case config.BackendSystem:
		return device.NewSystem(log), nil
	case config.BackendSynthetic:
		width, height := config.GetVideoSize()
		return device.NewSynthetic(device.SyntheticOptions{
			Width:  width,
			Height: height,
			Logger: log,
		}), nil
	default:
		return nil, errors.Errorf("unknown devices backend %q (want %s or %s)",
			backend, config.BackendSystem, config.BackendSynthetic)
	}
}

func sessionOptions() (session.Options, error) {
	policy, err := chunkchan.ParsePolicy(config.GetWorkerPolicy())
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		QueueSize: config.GetWorkerQueueSize(),
		Policy:    policy,
		Logger:    util.GetLogger(),
	}, nil
}
