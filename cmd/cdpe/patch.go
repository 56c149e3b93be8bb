package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"cdpe/internal/patch"
)

// newPatchCmd is install's narrower sibling: no local-archive override
// flags, just "bring this channel's already-installed build forward".
// InstallOrUpdate is the same state machine either way — a channel with
// no recorded build still falls through to a fresh install.
func newPatchCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch <channel>",
		Short: "Apply any pending incremental patches to an already-installed channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd, root)
			if err != nil {
				return err
			}
			channel := args[0]

			unsubscribe := app.bus.Subscribe(progressPrinter(cmd))
			defer unsubscribe()

			if err := app.orchestrator.InstallOrUpdate(cmd.Context(), channel, patch.ChannelConfig{}); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "channel %q patched\n", channel)
			return nil
		},
	}
	return cmd
}
