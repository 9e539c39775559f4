// Command server runs the HLS transcode engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hls-transcode-engine/internal/platform/config"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "On-demand HLS transcode engine",
	Long: `server maps viewer segment requests onto shared transcode sessions,
drives the external transcoder application and serves HLS playlists.

Configuration is read from the environment, optionally seeded from a .env
file. Run without a subcommand to serve.`,
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// A missing .env file is normal outside development.
		_ = config.Load(envFiles...)
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
	rootCmd.AddCommand(serveCmd, probeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
