package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"cdpe/internal/patch"
)

func newRepairCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair <channel>",
		Short: "Wipe a channel's game directory and reinstall it from scratch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd, root)
			if err != nil {
				return err
			}
			channel := args[0]

			if err := app.orchestrator.Repair(channel); err != nil {
				return err
			}

			unsubscribe := app.bus.Subscribe(progressPrinter(cmd))
			defer unsubscribe()

			if err := app.orchestrator.InstallOrUpdate(cmd.Context(), channel, patch.ChannelConfig{}); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "channel %q repaired\n", channel)
			return nil
		},
	}
	return cmd
}
