package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cdpe/internal/netdiag"
)

func newProbeCmd(root *rootOptions) *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run a one-shot connection speed test and suggest a parallel-download count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := netdiag.Probe(cmd.Context())
			if err != nil {
				return err
			}
			suggested := result.SuggestedParallelism()
			fmt.Fprintf(cmd.OutOrStdout(), "server: %s\nping: %dms\ndownload: %.1f Mbps\nsuggested max_parallel_downloads: %d\n",
				result.ServerName, result.PingMs, result.DownloadMbps, suggested)

			if apply {
				app, err := setup(cmd, root)
				if err != nil {
					return err
				}
				settings := app.store.Settings()
				settings.MaxParallelDownloads = &suggested
				if err := app.store.SaveSettings(settings); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "applied to settings")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "Save the suggested value to settings")
	return cmd
}
