// Command cdpe is the content delivery and patch engine's CLI entrypoint,
// grounded on baaaaaaaka-codex-helper's internal/cli package: a cobra root
// command with PersistentFlags for shared options and one newXxxCmd
// constructor per subcommand, registered in newRootCmd. This engine is
// driven through a CLI rather than a desktop shell, since GUI packaging
// is out of scope; cdpe exposes its operations as subcommands instead.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	root    string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "cdpe",
		Short:         "Content delivery and patch engine",
		SilenceErrors: false,
		SilenceUsage:  true,
		Version:       buildVersion(),
	}

	cmd.PersistentFlags().StringVar(&opts.root, "root", defaultRoot(), "Application root directory (game files, cache, logs, state)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Tag log records with verbose=true (the log level is unchanged)")

	cmd.AddCommand(
		newInstallCmd(opts),
		newPatchCmd(opts),
		newRepairCmd(opts),
		newVerifyCmd(opts),
		newProbeCmd(opts),
		newDownloadCmd(opts),
		newServeCmd(opts),
	)

	return cmd
}

func buildVersion() string {
	if commit != "" {
		return version + " (" + commit + ")"
	}
	return version
}

func defaultRoot() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.cdpe"
	}
	return ".cdpe"
}
