package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/mediarecorder/internal/capture/core"
	"github.com/babelcloud/mediarecorder/internal/capture/device"
	"github.com/babelcloud/mediarecorder/internal/util"
)

type DevicesOptions struct {
	OutputFormat string
}

func NewDevicesCommand() *cobra.Command {
	opts := &DevicesOptions{}

	cmd := &cobra.Command{
		Use:     "devices [flags]",
		Aliases: []string{"ls"},
		Short:   "List the microphones and cameras available for recording",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := device.NewSystem(util.ComponentLogger("devices")).List()
			return renderDevices(cmd.OutOrStdout(), infos, opts.OutputFormat)
		},
		Example: `  mediarecorder devices
  mediarecorder devices --format json`,
	}

	cmd.Flags().StringVarP(&opts.OutputFormat, "format", "", "text", "Output format: text or json")
	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func renderDevices(w io.Writer, infos []device.Info, format string) error {
	switch format {
	case "json":
		type jsonDevice struct {
			ID    string `json:"id"`
			Kind  string `json:"kind"`
			Label string `json:"label"`
		}
		list := make([]jsonDevice, 0, len(infos))
		for _, d := range infos {
			list = append(list, jsonDevice{ID: d.ID, Kind: string(d.Kind), Label: d.Label})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	case "text":
	default:
		return fmt.Errorf("invalid output format %q (want text or json)", format)
	}

	if len(infos) == 0 {
		fmt.Fprintln(w, "No capture devices found. Camera and microphone drivers are included in builds made with -tags devices.")
		return nil
	}

	rows := make([]map[string]any, 0, len(infos))
	for _, d := range infos {
		kind := color.New(color.FgCyan).Sprint(d.Kind)
		if d.Kind == core.KindVideo {
			kind = color.New(color.FgMagenta).Sprint(d.Kind)
		}
		rows = append(rows, map[string]any{"kind": kind, "label": d.Label, "id": d.ID})
	}
	util.RenderTable(w, []util.TableColumn{
		{Header: "KIND", Key: "kind"},
		{Header: "LABEL", Key: "label"},
		{Header: "ID", Key: "id"},
	}, rows)
	return nil
}
