package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cdpe/internal/downloadsvc"
)

func newDownloadCmd(root *rootOptions) *cobra.Command {
	var expectedHash string

	cmd := &cobra.Command{
		Use:   "download <url> <dest>",
		Short: "Fetch a single file through the cache-backed download service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd, root)
			if err != nil {
				return err
			}

			unsubscribe := app.bus.Subscribe(progressPrinter(cmd))
			defer unsubscribe()

			result := app.downloads.DownloadFile(cmd.Context(), downloadsvc.Task{
				URL:          args[0],
				DestPath:     args[1],
				ExpectedHash: expectedHash,
			})
			if !result.Success {
				return result.Err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes, sha256 %s, from_cache=%v)\n",
				result.Path, result.Size, result.Hash, result.FromCache)
			return nil
		},
	}

	cmd.Flags().StringVar(&expectedHash, "sha256", "", "Expected SHA-256 hash to verify against")
	return cmd
}
