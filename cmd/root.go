package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/mediarecorder/config"
	"github.com/babelcloud/mediarecorder/internal/util"
	"github.com/babelcloud/mediarecorder/internal/version"
)

var rootCmd = NewRootCommand()

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	var (
		verbose    bool
		configFile string
	)

	root := &cobra.Command{
		Use:   "mediarecorder",
		Short: "Record microphone and camera to WebM",
		Long: `mediarecorder captures live audio and video from local devices, applies a
gain stage to the audio and composites an overlay onto the video, and writes
each recording as a chunked WebM file that can be played back in the browser.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.InitLogger(verbose)
			if configFile != "" {
				if err := config.LoadFile(configFile); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				fmt.Fprintln(cmd.OutOrStdout(), version.Short())
				return nil
			}
			return cmd.Help()
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&configFile, "config", "", "Read configuration from this YAML file")
	root.Flags().Bool("version", false, "Print version information and exit")

	root.AddCommand(NewRecordCommand())
	root.AddCommand(NewPlayCommand())
	root.AddCommand(NewDevicesCommand())
	root.AddCommand(NewVersionCommand())
	return root
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
