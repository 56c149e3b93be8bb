package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"cdpe/internal/progress"
)

// progressPrinter renders a progress.Bus stream as a single live terminal
// bar, restarting the bar whenever the stage changes.
func progressPrinter(cmd *cobra.Command) progress.SinkFunc {
	var bar *progressbar.ProgressBar
	var lastStage progress.Stage

	return func(e progress.Event) {
		if e.Stage != lastStage {
			lastStage = e.Stage
			bar = progressbar.NewOptions(100,
				progressbar.OptionSetDescription(string(e.Stage)),
				progressbar.OptionSetWriter(cmd.OutOrStdout()),
				progressbar.OptionClearOnFinish(),
			)
		}
		if bar != nil {
			_ = bar.Set(int(e.Percent))
		}
		if e.Message != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "\n%s: %s\n", e.Stage, e.Message)
		}
	}
}
