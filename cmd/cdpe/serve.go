package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cdpe/internal/diagnostics"
	"cdpe/internal/downloadsvc"
	"cdpe/internal/patch"
	"cdpe/internal/schedule"
	"cdpe/internal/security"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var port int
	var verifySpec string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background diagnostics HTTP surface and periodic verify_files sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(cmd, root)
			if err != nil {
				return err
			}

			audit := security.NewAuditLogger(app.logger, filepath.Join(app.resolver.Root(), "logs", "access.log"))
			defer audit.Close()

			diag := diagnostics.New(app.downloads, app.cacheStore, app.store, audit, nil, app.logger)
			diag.SetDiskRoot(app.resolver.Root())
			diag.Start(port)

			sched := schedule.New(app.logger, app.downloads,
				func() []schedule.VerifyTarget {
					var targets []schedule.VerifyTarget
					for _, channel := range []string{"latest", "beta"} {
						rec, ok := app.store.BuildRecord(channel)
						if !ok || len(rec.Files) == 0 {
							continue
						}
						pairs := make([]downloadsvc.FileHashPair, len(rec.Files))
						gameDir := app.resolver.GameDir(channel)
						for i, f := range rec.Files {
							pairs[i] = downloadsvc.FileHashPair{Path: filepath.Join(gameDir, f.Path), ExpectedHash: f.Hash}
						}
						targets = append(targets, schedule.VerifyTarget{Channel: channel, Files: pairs})
					}
					return targets
				},
				func(channel string) error {
					if err := app.orchestrator.Repair(channel); err != nil {
						return err
					}
					return app.orchestrator.InstallOrUpdate(cmd.Context(), channel, patch.ChannelConfig{})
				},
			)
			if verifySpec != "" {
				if err := sched.SetInterval(verifySpec); err != nil {
					return fmt.Errorf("schedule verify sweep: %w", err)
				}
			}
			sched.Start()
			defer sched.Stop()

			fmt.Fprintf(cmd.OutOrStdout(), "diagnostics listening on 127.0.0.1:%d\n", port)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					fmt.Fprintln(cmd.OutOrStdout(), "shutting down")
					return nil
				case <-ticker.C:
					diag.Refresh()
				}
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 8090, "Diagnostics HTTP listen port (127.0.0.1 only)")
	cmd.Flags().StringVar(&verifySpec, "verify-cron", "", "Cron spec for the periodic verify_files sweep, e.g. \"0 */6 * * *\" (disabled if empty)")
	return cmd
}
