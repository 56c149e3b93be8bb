package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"cdpe/internal/patch"
)

func newInstallCmd(root *rootOptions) *cobra.Command {
	var archiveURL, archivePath string

	cmd := &cobra.Command{
		Use:   "install <channel>",
		Short: "Install or update a channel to its latest available build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd, root)
			if err != nil {
				return err
			}
			channel := args[0]

			unsubscribe := app.bus.Subscribe(progressPrinter(cmd))
			defer unsubscribe()

			cfg := patch.ChannelConfig{LocalArchiveURL: archiveURL, LocalArchivePath: archivePath}
			if err := app.orchestrator.InstallOrUpdate(cmd.Context(), channel, cfg); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "channel %q is up to date\n", channel)
			return nil
		},
	}

	cmd.Flags().StringVar(&archiveURL, "archive-url", "", "Explicit full-build archive URL, overriding CDN discovery")
	cmd.Flags().StringVar(&archivePath, "archive-path", "", "Explicit local full-build archive path, overriding CDN discovery")
	return cmd
}
