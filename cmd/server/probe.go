package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hls-transcode-engine/internal/platform/config"
	"hls-transcode-engine/internal/platform/logger"
	"hls-transcode-engine/internal/probe"
	"hls-transcode-engine/internal/process"
)

var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Print a media file's metadata as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := config.FromEnv()
		pretty, _ := cmd.Flags().GetBool("pretty")
		refresh, _ := cmd.Flags().GetBool("refresh")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		log := logger.NewWithWriter(s.LogLevel, s.LogFormat, os.Stderr)
		cache, closeCache, err := probeCache(cmd.Context(), s, log)
		if err != nil {
			return err
		}
		defer closeCache()

		p := probe.New(process.NewExecRunner(log), cache, probe.Config{
			FFprobePath: s.FFprobePath,
			Timeout:     timeout,
		}, log, nil)

		if refresh {
			if err := p.Invalidate(cmd.Context(), args[0]); err != nil {
				return err
			}
		}
		res, err := p.Analyze(cmd.Context(), args[0], nil)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		if pretty {
			enc.SetIndent("", "  ")
		}
		return enc.Encode(res)
	},
}

func init() {
	probeCmd.Flags().Bool("pretty", false, "pretty-print JSON output")
	probeCmd.Flags().Bool("refresh", false, "drop any cached result and probe the file again")
	probeCmd.Flags().Duration("timeout", 30*time.Second, "probe timeout")
}
