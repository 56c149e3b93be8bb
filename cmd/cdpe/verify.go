package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"cdpe/internal/downloadsvc"
)

func newVerifyCmd(root *rootOptions) *cobra.Command {
	var filesOnly bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check cache integrity and verify each channel's installed files against its recorded manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd, root)
			if err != nil {
				return err
			}

			if !filesOnly {
				if err := app.cacheStore.VerifyIntegrity(); err != nil {
					return fmt.Errorf("cache integrity sweep: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cache index verified, corrupted entries pruned")
			}

			for _, channel := range []string{"latest", "beta"} {
				rec, ok := app.store.BuildRecord(channel)
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: not installed\n", channel)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: build %d, installed %s\n", channel, rec.Build, rec.InstalledAt.Format("2006-01-02 15:04:05"))

				if len(rec.Files) == 0 {
					continue
				}
				gameDir := app.resolver.GameDir(channel)
				pairs := make([]downloadsvc.FileHashPair, len(rec.Files))
				for i, f := range rec.Files {
					pairs[i] = downloadsvc.FileHashPair{Path: filepath.Join(gameDir, f.Path), ExpectedHash: f.Hash}
				}
				statuses := app.downloads.VerifyFiles(cmd.Context(), pairs)
				bad := 0
				for _, f := range rec.Files {
					if !statuses[filepath.Join(gameDir, f.Path)] {
						bad++
						fmt.Fprintf(cmd.OutOrStdout(), "  %s: MISMATCH\n", f.Path)
					}
				}
				if bad == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "  %d files verified, all match\n", len(rec.Files))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&filesOnly, "files-only", false, "Skip the cache integrity sweep and only verify installed channel files")
	return cmd
}
