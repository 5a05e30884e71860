/*
Copyright © 2024-2026 meshsync authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/meshsync/meshsync/internal/config"
	"github.com/meshsync/meshsync/internal/notify"
	"github.com/meshsync/meshsync/internal/sync"
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolP("force-refresh", "f", false, "ignore cached upstream responses")
	syncCmd.Flags().Bool("no-progress", false, "disable progress bars")
}

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download new firmware, APK and repo files",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		forceRefresh, _ := cmd.Flags().GetBool("force-refresh")
		noProgress, _ := cmd.Flags().GetBool("no-progress")

		cfg, err := config.LoadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		o, err := sync.NewOrchestrator(cfg, sync.Options{
			ForceRefresh: forceRefresh,
			ShowProgress: !noProgress,
		})
		if err != nil {
			return errors.Wrap(err, "failed to set up sync")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := o.Run(ctx)
		if err != nil {
			return errors.Wrap(err, "sync failed")
		}

		notify.NewDispatcher(cfg.Ntfy).SendReport(ctx, report)

		fmt.Print(notify.Render(report))
		if report.HasFailures() {
			log.Error(color.RedString("sync completed with failures"))
			os.Exit(1)
		}
		return nil
	},
}
